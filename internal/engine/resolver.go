package engine

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// UnknownCategory 空类目归一化后的值。
	UnknownCategory = "unknown"
	// FallbackMarket 空市场归一化后的值，也是全局兜底规则所在市场。
	FallbackMarket = "etc"
)

// ErrRulesUnavailable 表示费率表无法访问。
var ErrRulesUnavailable = errors.New("fee rules unavailable")

var (
	defaultBaseRate     = decimal.RequireFromString("0.12")
	defaultCategoryRate = decimal.Zero
)

// DefaultRate 硬编码兜底费率 {base: 0.12, category: 0}。
func DefaultRate() Rate {
	return Rate{Base: defaultBaseRate, Category: defaultCategoryRate}
}

// Tier 表示费率解析命中的层级。
type Tier int

const (
	TierExact   Tier = iota + 1 // (market, category)
	TierMarket                  // (market, unknown)
	TierGlobal                  // (etc, unknown)
	TierDefault                 // 硬编码默认值
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierMarket:
		return "market"
	case TierGlobal:
		return "global"
	case TierDefault:
		return "default"
	default:
		return "invalid"
	}
}

// RuleTable 是费率规则的只读查询接口。
//
// 规则不存在时返回 found=false；只有访问失败才返回 error。
type RuleTable interface {
	Rule(market, category string) (Rate, bool, error)
}

// Resolution 费率解析结果。
type Resolution struct {
	Market   string `json:"market"`
	Category string `json:"category"`
	Rate     Rate   `json:"rate"`
	Tier     Tier   `json:"tier"`
}

// Normalize 小写并去除首尾空白；空类目变为 unknown，空市场变为 etc。
func Normalize(market, category string) (string, string) {
	m := strings.ToLower(strings.TrimSpace(market))
	c := strings.ToLower(strings.TrimSpace(category))
	if m == "" {
		m = FallbackMarket
	}
	if c == "" {
		c = UnknownCategory
	}
	return m, c
}

// Resolve 按层级查找费率，第一个命中的层级生效，不做跨层合并。
//
// 缺失规则静默降级到下一层；费率表访问失败直接使用硬编码默认值。
// 该函数总是返回一个可用的费率。
func Resolve(table RuleTable, market, category string) Resolution {
	m, c := Normalize(market, category)
	res := Resolution{Market: m, Category: c, Rate: DefaultRate(), Tier: TierDefault}
	if table == nil {
		return res
	}

	lookups := []struct {
		market, category string
		tier             Tier
	}{
		{m, c, TierExact},
		{m, UnknownCategory, TierMarket},
		{FallbackMarket, UnknownCategory, TierGlobal},
	}
	for _, l := range lookups {
		rate, found, err := table.Rule(l.market, l.category)
		if err != nil {
			return res
		}
		if found {
			res.Rate = rate
			res.Tier = l.tier
			return res
		}
	}
	return res
}

type ruleKey struct {
	market   string
	category string
}

// RuleSet 是费率表的内存快照。
type RuleSet struct {
	rules map[ruleKey]Rate
	err   error
}

// FeeRule 一条带键的费率规则。
type FeeRule struct {
	Market   string `json:"market"`
	Category string `json:"category"`
	Rate
}

// NewRuleSet 从规则列表构建快照，键会被归一化；重复键以后者为准。
func NewRuleSet(rules []FeeRule) *RuleSet {
	set := &RuleSet{rules: make(map[ruleKey]Rate, len(rules))}
	for _, r := range rules {
		m, c := Normalize(r.Market, r.Category)
		set.rules[ruleKey{m, c}] = r.Rate
	}
	return set
}

// UnavailableRuleSet 返回一个每次查询都失败的快照，用于费率表不可达的场景。
func UnavailableRuleSet(err error) *RuleSet {
	if err == nil {
		err = ErrRulesUnavailable
	}
	return &RuleSet{err: err}
}

// Rule 实现 RuleTable。
func (s *RuleSet) Rule(market, category string) (Rate, bool, error) {
	if s.err != nil {
		return Rate{}, false, s.err
	}
	r, ok := s.rules[ruleKey{market, category}]
	return r, ok, nil
}

// Len 返回规则数量。
func (s *RuleSet) Len() int {
	return len(s.rules)
}
