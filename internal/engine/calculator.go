package engine

import (
	"strings"

	"github.com/shopspring/decimal"
)

var vatRate = decimal.RequireFromString("0.10")

// ProfitInput 利润计算的输入。
type ProfitInput struct {
	SellPrice   decimal.Decimal
	CostPrice   decimal.Decimal
	ShippingFee decimal.Decimal
	Tax         TaxTreatment
}

// ProfitResult 利润计算的输出。
type ProfitResult struct {
	CommissionRate decimal.Decimal
	CommissionFee  decimal.Decimal
	TaxFee         decimal.Decimal
	TotalCost      decimal.Decimal
	NetProfit      decimal.Decimal
	MarginRate     decimal.Decimal
}

// ParseTaxTreatment 将任意字符串映射为税务类型。
//
// general 以及历史写法 normal 视为一般纳税人，其余一律按 simple 处理。
func ParseTaxTreatment(v string) TaxTreatment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "general", "normal":
		return TaxGeneral
	default:
		return TaxSimple
	}
}

// Compute 计算佣金、税费、总成本、净利润与利润率。
//
// 费用向零截断，从不向上取整。税费是佣金的 10%，只是对增值税的近似。
// 售价为 0 或负数时利润率为 0，函数不会失败。
func Compute(in ProfitInput, rate Rate, safetyBuffer decimal.Decimal) ProfitResult {
	commissionRate := rate.Total().Add(safetyBuffer)
	commissionFee := in.SellPrice.Mul(commissionRate).Truncate(0)

	taxFee := decimal.Zero
	if in.Tax == TaxGeneral {
		taxFee = commissionFee.Mul(vatRate).Truncate(0)
	}

	totalCost := in.CostPrice.Add(in.ShippingFee).Add(commissionFee).Add(taxFee)
	netProfit := in.SellPrice.Sub(totalCost)

	margin := decimal.Zero
	if in.SellPrice.IsPositive() {
		margin = netProfit.Div(in.SellPrice).Round(4)
	}

	return ProfitResult{
		CommissionRate: commissionRate,
		CommissionFee:  commissionFee,
		TaxFee:         taxFee,
		TotalCost:      totalCost,
		NetProfit:      netProfit,
		MarginRate:     margin,
	}
}
