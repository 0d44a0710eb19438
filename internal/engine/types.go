package engine

import (
	"github.com/shopspring/decimal"
)

// Decision 表示商品的销售决策。
type Decision string

const (
	DecisionSell Decision = "SELL"
	DecisionHold Decision = "HOLD"
	DecisionStop Decision = "STOP"
)

// ReasonCode 与 Decision 一一对应的原因代码。
type ReasonCode string

const (
	ReasonProfitOK       ReasonCode = "PROFIT_OK"
	ReasonLowMargin      ReasonCode = "LOW_MARGIN"
	ReasonNegativeMargin ReasonCode = "NEGATIVE_MARGIN"
)

// TaxTreatment 税务类型。
type TaxTreatment string

const (
	TaxSimple  TaxTreatment = "simple"
	TaxGeneral TaxTreatment = "general"
)

// Rate 是一条费率规则的两个组成部分（小数形式，0.10 表示 10%）。
type Rate struct {
	Base     decimal.Decimal `json:"base_rate"`
	Category decimal.Decimal `json:"category_rate"`
}

// Total 返回 base + category。
func (r Rate) Total() decimal.Decimal {
	return r.Base.Add(r.Category)
}

// Input 是重新估值所需的全部原始字段。
type Input struct {
	Market       string          `json:"market"`
	Category     string          `json:"category"`
	TaxTreatment string          `json:"tax_treatment"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	ShippingFee  decimal.Decimal `json:"shipping_fee"`
}

// Derived 是估值产出的完整派生字段集合，只能整体替换。
type Derived struct {
	CommissionRate decimal.Decimal `json:"commission_rate"`
	CommissionFee  decimal.Decimal `json:"commission_fee"`
	TaxFee         decimal.Decimal `json:"tax_fee"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	MarginRate     decimal.Decimal `json:"margin_rate"`
	Decision       Decision        `json:"decision"`
	ReasonCode     ReasonCode      `json:"reason_code"`
}
