package model

import (
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"

	"github.com/shopspring/decimal"
)

// Item 表示用户登记的一件转售商品。
//
// 前半部分是用户录入的原始字段，后半部分是估值产出的派生字段。
// 派生字段只能通过 Apply 整体替换。
type Item struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID       string          `gorm:"type:varchar(64);index;not null" json:"user_id"` // 外部身份服务的 subject
	SourceURL    string          `gorm:"type:varchar(1024)" json:"source_url"`
	Name         string          `gorm:"type:varchar(255)" json:"name"`
	Market       string          `gorm:"type:varchar(32)" json:"market"`
	Category     string          `gorm:"type:varchar(64)" json:"category"`
	TaxTreatment string          `gorm:"type:varchar(16);default:simple" json:"tax_treatment"`
	CostPrice    decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"cost_price"`
	SellPrice    decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"sell_price"`
	ShippingFee  decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"shipping_fee"`

	CommissionRate decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0" json:"commission_rate"`
	CommissionFee  decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"commission_fee"`
	TaxFee         decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"tax_fee"`
	TotalCost      decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"total_cost"`
	NetProfit      decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"net_profit"`
	MarginRate     decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"margin_rate"`
	Decision       string          `gorm:"type:varchar(8);index" json:"decision"`
	ReasonCode     string          `gorm:"type:varchar(32)" json:"reason_code"`
}

// Input 提取估值所需的原始字段。
func (it *Item) Input() engine.Input {
	return engine.Input{
		Market:       it.Market,
		Category:     it.Category,
		TaxTreatment: it.TaxTreatment,
		SellPrice:    it.SellPrice,
		CostPrice:    it.CostPrice,
		ShippingFee:  it.ShippingFee,
	}
}

// Apply 用新的派生字段集合整体覆盖旧值。
func (it *Item) Apply(d engine.Derived) {
	it.CommissionRate = d.CommissionRate
	it.CommissionFee = d.CommissionFee
	it.TaxFee = d.TaxFee
	it.TotalCost = d.TotalCost
	it.NetProfit = d.NetProfit
	it.MarginRate = d.MarginRate
	it.Decision = string(d.Decision)
	it.ReasonCode = string(d.ReasonCode)
}

// DerivedColumns 返回派生字段的列名到值映射，用于只更新派生字段。
func DerivedColumns(d engine.Derived) map[string]interface{} {
	return map[string]interface{}{
		"commission_rate": d.CommissionRate,
		"commission_fee":  d.CommissionFee,
		"tax_fee":         d.TaxFee,
		"total_cost":      d.TotalCost,
		"net_profit":      d.NetProfit,
		"margin_rate":     d.MarginRate,
		"decision":        string(d.Decision),
		"reason_code":     string(d.ReasonCode),
	}
}

// FeeRule 按 (market, category) 配置的平台费率。
type FeeRule struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Market       string          `gorm:"type:varchar(32);uniqueIndex:idx_fee_rule_key;not null" json:"market"`
	Category     string          `gorm:"type:varchar(64);uniqueIndex:idx_fee_rule_key;not null" json:"category"`
	BaseRate     decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0" json:"base_rate"`
	CategoryRate decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0" json:"category_rate"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ToEngine 转换为引擎使用的规则结构。
func (r FeeRule) ToEngine() engine.FeeRule {
	return engine.FeeRule{
		Market:   r.Market,
		Category: r.Category,
		Rate:     engine.Rate{Base: r.BaseRate, Category: r.CategoryRate},
	}
}

// SettingsRowID 全局设置表只有一行。
const SettingsRowID = 1

// Settings 全局决策参数（单行表）。
type Settings struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	MinProfit        int64           `gorm:"not null" json:"min_profit"`
	SafetyBufferRate decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"safety_buffer_rate"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ToEngine 转换为引擎设置。
func (s Settings) ToEngine() engine.Settings {
	return engine.Settings{MinProfit: s.MinProfit, SafetyBuffer: s.SafetyBufferRate}
}

// TableName 固定表名。
func (Settings) TableName() string {
	return "settings"
}

const (
	SourceMonitor = "monitor"
	SourceEdit    = "edit"
)

// DecisionLog 决策变化的审计记录，只追加不修改。
type DecisionLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
	ItemID       uint            `gorm:"index;not null" json:"item_id"`
	FromDecision string          `gorm:"type:varchar(8)" json:"from_decision"`
	ToDecision   string          `gorm:"type:varchar(8);not null" json:"to_decision"`
	ReasonCode   string          `gorm:"type:varchar(32);not null" json:"reason_code"`
	Profit       decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"profit"`
	Source       string          `gorm:"type:varchar(16);not null" json:"source"` // monitor / edit
}
