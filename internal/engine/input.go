package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount 将任意 JSON 值宽松地转换为金额。
//
// 缺失、null、非数字字符串、NaN/Inf、绝对值不小于 1e12 或小数位过多的值
// 以及其他类型都视为 0。结果四舍五入到 2 位小数。
// 字符串允许千分位逗号和首尾空白。
func Amount(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return bounded(x)
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case int:
		return bounded(decimal.NewFromInt(int64(x)))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return bounded(decimal.NewFromInt(x))
	case uint:
		return bounded(decimal.NewFromUint64(uint64(x)))
	case uint32:
		return decimal.NewFromInt(int64(x))
	case json.Number:
		return fromString(x.String())
	case string:
		return fromString(x)
	default:
		return decimal.Zero
	}
}

func fromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return bounded(decimal.NewFromFloat(f))
}

func fromString(s string) decimal.Decimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return bounded(d)
}

// 金额列为 decimal(14,2)，超出范围的输入视为无效数字。
var maxAmount = decimal.New(1, amountMaxExp)

const (
	amountMaxExp = 12
	amountMinExp = -30
)

// bounded 把超出可存储范围的金额归零，其余四舍五入到分。
//
// 先比较指数再比较数值，避免极端指数在比较或舍入时展开成巨大的整数。
func bounded(d decimal.Decimal) decimal.Decimal {
	exp := d.Exponent()
	if exp >= amountMaxExp || exp < amountMinExp {
		return decimal.Zero
	}
	if d.Abs().Cmp(maxAmount) >= 0 {
		return decimal.Zero
	}
	return d.Round(2)
}

// Text 将任意 JSON 值转换为字符串，null 与缺失为空串。
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// ParseInput 从原始键值对构建估值输入。
//
// 识别的键: market, category, tax_treatment (兼容 vat_type), sell_price, cost_price, shipping_fee。
func ParseInput(raw map[string]any) Input {
	tax := Text(raw["tax_treatment"])
	if tax == "" {
		tax = Text(raw["vat_type"])
	}
	return Input{
		Market:       Text(raw["market"]),
		Category:     Text(raw["category"]),
		TaxTreatment: tax,
		SellPrice:    Amount(raw["sell_price"]),
		CostPrice:    Amount(raw["cost_price"]),
		ShippingFee:  Amount(raw["shipping_fee"]),
	}
}
