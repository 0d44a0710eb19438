package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidSettings 表示全局设置违反约束。
var ErrInvalidSettings = errors.New("invalid settings")

const (
	// DefaultMinProfit 设置缺失或不可达时使用的最低利润阈值。
	DefaultMinProfit int64 = 500
)

var (
	// DefaultSafetyBuffer 默认安全缓冲费率 (1%)。
	DefaultSafetyBuffer = decimal.RequireFromString("0.01")
	// MaxSafetyBuffer 安全缓冲费率上限 (10%)。
	MaxSafetyBuffer = decimal.RequireFromString("0.10")
)

// Settings 全局决策参数。
type Settings struct {
	MinProfit    int64           `json:"min_profit"`
	SafetyBuffer decimal.Decimal `json:"safety_buffer_rate"`
}

// DefaultSettings 返回内置默认设置 {min_profit: 500, safety_buffer_rate: 0.01}。
func DefaultSettings() Settings {
	return Settings{
		MinProfit:    DefaultMinProfit,
		SafetyBuffer: DefaultSafetyBuffer,
	}
}

// Validate 校验 min_profit > 0 且 safety_buffer_rate ∈ [0, 0.10]。
func (s Settings) Validate() error {
	if s.MinProfit <= 0 {
		return fmt.Errorf("%w: min_profit must be positive, got %d", ErrInvalidSettings, s.MinProfit)
	}
	if s.SafetyBuffer.IsNegative() || s.SafetyBuffer.GreaterThan(MaxSafetyBuffer) {
		return fmt.Errorf("%w: safety_buffer_rate must be within [0, %s], got %s",
			ErrInvalidSettings, MaxSafetyBuffer.String(), s.SafetyBuffer.String())
	}
	return nil
}

// Sanitize 将违反约束的字段逐个替换为默认值，返回结果以及是否发生了替换。
func (s Settings) Sanitize() (Settings, bool) {
	out := s
	replaced := false
	if out.MinProfit <= 0 {
		out.MinProfit = DefaultMinProfit
		replaced = true
	}
	if out.SafetyBuffer.IsNegative() || out.SafetyBuffer.GreaterThan(MaxSafetyBuffer) {
		out.SafetyBuffer = DefaultSafetyBuffer
		replaced = true
	}
	return out, replaced
}

// Snapshot 是一次估值使用的只读配置视图。
//
// 监控器每轮扫描加载一次，保证同一轮内所有商品看到同一份设置和费率表。
type Snapshot struct {
	Settings Settings
	Rules    RuleTable
}
