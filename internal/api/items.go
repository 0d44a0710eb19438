package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/decision"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// evaluateResponse 即时估值的响应。
type evaluateResponse struct {
	Input    engine.Input   `json:"input"`
	Derived  engine.Derived `json:"derived"`
	Market   string         `json:"market"`
	Category string         `json:"category"`
	RateTier string         `json:"rate_tier"`
}

// handleEvaluate 对任意字段即时估值，不落库。
//
// POST /evaluate
func (s *Server) handleEvaluate(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, bindError(err))
		return
	}
	in := engine.ParseInput(raw)
	snap := s.snapshots.Load(c.Request.Context())
	res := engine.Resolve(snap.Rules, in.Market, in.Category)
	derived := engine.Revaluate(in, snap)
	metrics.EvaluationsTotal.WithLabelValues("api_evaluate").Inc()

	c.JSON(http.StatusOK, evaluateResponse{
		Input:    in,
		Derived:  derived,
		Market:   res.Market,
		Category: res.Category,
		RateTier: res.Tier.String(),
	})
}

// handleListItems 返回调用者的商品；管理员返回全部商品。
//
// GET /items
func (s *Server) handleListItems(c *gin.Context) {
	var (
		items []model.Item
		err   error
	)
	if isAdmin(c) {
		items, err = s.items.ListItems(c.Request.Context())
	} else {
		items, err = s.items.ListItemsByUser(c.Request.Context(), getUserID(c))
	}
	if err != nil {
		s.logger.Error("list items failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list items failed"})
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	c.JSON(http.StatusOK, items)
}

// handleCreateItem 登记商品并立即计算派生字段。
//
// POST /items
func (s *Server) handleCreateItem(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, bindError(err))
		return
	}
	item := &model.Item{UserID: getUserID(c)}
	mergeItemFields(item, raw)

	derived := engine.Revaluate(item.Input(), s.snapshots.Load(c.Request.Context()))
	item.Apply(derived)
	metrics.EvaluationsTotal.WithLabelValues("api_create").Inc()

	if err := s.items.CreateItem(c.Request.Context(), item); err != nil {
		s.logger.Error("create item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create item failed"})
		return
	}
	s.logger.Info("item created",
		slog.Uint64("item_id", uint64(item.ID)),
		slog.String("user_id", item.UserID),
		slog.String("decision", item.Decision))
	c.JSON(http.StatusCreated, item)
}

// handleUpdateItem 合并编辑后整体重新估值。
//
// PATCH /items/:id
//
// 决策发生变化时写入一条 source=edit 的决策日志。
func (s *Server) handleUpdateItem(c *gin.Context) {
	item, ok := s.loadItemForCaller(c)
	if !ok {
		return
	}
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, bindError(err))
		return
	}
	mergeItemFields(item, raw)

	from := item.Decision
	derived := engine.Revaluate(item.Input(), s.snapshots.Load(c.Request.Context()))
	item.Apply(derived)
	metrics.EvaluationsTotal.WithLabelValues("api_update").Inc()

	// 保存与日志作为一对写入，不随请求取消中断
	writeCtx := context.WithoutCancel(c.Request.Context())
	if err := s.items.SaveItem(writeCtx, item); err != nil {
		s.logger.Error("save item failed", slog.Uint64("item_id", uint64(item.ID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save item failed"})
		return
	}
	if from != item.Decision {
		if err := s.recorder.Record(writeCtx, decision.Transition{
			Item:    item,
			From:    from,
			Derived: derived,
			Source:  model.SourceEdit,
		}); err != nil {
			s.logger.Error("record decision transition failed",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, item)
}

// handleItemLogs 返回商品的决策变化记录。
//
// GET /items/:id/logs?limit=100
func (s *Server) handleItemLogs(c *gin.Context) {
	item, ok := s.loadItemForCaller(c)
	if !ok {
		return
	}
	logs, err := s.items.ListTransitionLogs(c.Request.Context(), item.ID, parseQueryInt(c, "limit", 100))
	if err != nil {
		s.logger.Error("list decision logs failed", slog.Uint64("item_id", uint64(item.ID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list decision logs failed"})
		return
	}
	if logs == nil {
		logs = []model.DecisionLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// mergeItemFields 将请求中出现的字段覆盖到商品上，未出现的字段保持原值。
// 金额字段按宽松规则解析，无法解析的值视为 0。
func mergeItemFields(item *model.Item, raw map[string]any) {
	if v, ok := raw["name"]; ok {
		item.Name = engine.Text(v)
	}
	if v, ok := raw["source_url"]; ok {
		item.SourceURL = engine.Text(v)
	}
	if v, ok := raw["market"]; ok {
		item.Market = engine.Text(v)
	}
	if v, ok := raw["category"]; ok {
		item.Category = engine.Text(v)
	}
	if v, ok := raw["tax_treatment"]; ok {
		item.TaxTreatment = engine.Text(v)
	} else if v, ok := raw["vat_type"]; ok {
		item.TaxTreatment = engine.Text(v)
	}
	if v, ok := raw["sell_price"]; ok {
		item.SellPrice = engine.Amount(v)
	}
	if v, ok := raw["cost_price"]; ok {
		item.CostPrice = engine.Amount(v)
	}
	if v, ok := raw["shipping_fee"]; ok {
		item.ShippingFee = engine.Amount(v)
	}
}
