package engine

import "github.com/shopspring/decimal"

// Classify 根据净利润与最低利润阈值给出三态决策。
//
//	net >= min       -> SELL / PROFIT_OK
//	0 <= net < min   -> HOLD / LOW_MARGIN
//	net < 0          -> STOP / NEGATIVE_MARGIN
func Classify(netProfit decimal.Decimal, minProfit int64) (Decision, ReasonCode) {
	switch {
	case netProfit.GreaterThanOrEqual(decimal.NewFromInt(minProfit)):
		return DecisionSell, ReasonProfitOK
	case !netProfit.IsNegative():
		return DecisionHold, ReasonLowMargin
	default:
		return DecisionStop, ReasonNegativeMargin
	}
}
