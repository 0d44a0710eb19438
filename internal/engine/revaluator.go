package engine

// Revaluate 对一个商品执行完整估值：解析费率 -> 计算利润 -> 分类。
//
// 结果只依赖 in 与 snap，重复调用得到完全相同的派生字段。
// 创建、编辑和定时监控都走这一个入口。
func Revaluate(in Input, snap Snapshot) Derived {
	res := Resolve(snap.Rules, in.Market, in.Category)
	profit := Compute(ProfitInput{
		SellPrice:   in.SellPrice,
		CostPrice:   in.CostPrice,
		ShippingFee: in.ShippingFee,
		Tax:         ParseTaxTreatment(in.TaxTreatment),
	}, res.Rate, snap.Settings.SafetyBuffer)
	decision, reason := Classify(profit.NetProfit, snap.Settings.MinProfit)

	return Derived{
		CommissionRate: profit.CommissionRate,
		CommissionFee:  profit.CommissionFee,
		TaxFee:         profit.TaxFee,
		TotalCost:      profit.TotalCost,
		NetProfit:      profit.NetProfit,
		MarginRate:     profit.MarginRate,
		Decision:       decision,
		ReasonCode:     reason,
	}
}
