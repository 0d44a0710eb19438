package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/monitor"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type settingsResponse struct {
	MinProfit        int64           `json:"min_profit"`
	SafetyBufferRate decimal.Decimal `json:"safety_buffer_rate"`
	IsDefault        bool            `json:"is_default"`
}

type updateSettingsRequest struct {
	MinProfit        *int64           `json:"min_profit" binding:"required"`
	SafetyBufferRate *decimal.Decimal `json:"safety_buffer_rate" binding:"required"`
}

type feeRuleRequest struct {
	Market       string           `json:"market"`
	Category     string           `json:"category"`
	BaseRate     *decimal.Decimal `json:"base_rate" binding:"required"`
	CategoryRate *decimal.Decimal `json:"category_rate"`
}

type monitorResponse struct {
	State      string               `json:"state"`
	LastReport *monitor.SweepReport `json:"last_report,omitempty"`
}

var one = decimal.NewFromInt(1)

// handleGetSettings 返回全局设置；尚未保存过时返回默认值。
//
// GET /settings
func (s *Server) handleGetSettings(c *gin.Context) {
	st, err := s.configs.GetSettings(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		d := engine.DefaultSettings()
		c.JSON(http.StatusOK, settingsResponse{MinProfit: d.MinProfit, SafetyBufferRate: d.SafetyBuffer, IsDefault: true})
		return
	}
	if err != nil {
		s.logger.Error("get settings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get settings failed"})
		return
	}
	c.JSON(http.StatusOK, settingsResponse{MinProfit: st.MinProfit, SafetyBufferRate: st.SafetyBufferRate})
}

// handleUpdateSettings 校验并保存全局设置，随后失效快照缓存。
//
// PUT /settings
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bindError(err))
		return
	}
	candidate := engine.Settings{MinProfit: *req.MinProfit, SafetyBuffer: *req.SafetyBufferRate}
	if err := candidate.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row := &model.Settings{MinProfit: candidate.MinProfit, SafetyBufferRate: candidate.SafetyBuffer}
	if err := s.configs.SaveSettings(c.Request.Context(), row); err != nil {
		s.logger.Error("save settings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save settings failed"})
		return
	}
	s.snapshots.Invalidate(c.Request.Context())
	s.logger.Info("settings updated",
		slog.String("user_id", getUserID(c)),
		slog.Int64("min_profit", row.MinProfit),
		slog.String("safety_buffer_rate", row.SafetyBufferRate.String()))
	c.JSON(http.StatusOK, settingsResponse{MinProfit: row.MinProfit, SafetyBufferRate: row.SafetyBufferRate})
}

// handleListFeeRules 返回全部费率规则。
//
// GET /fee-rules
func (s *Server) handleListFeeRules(c *gin.Context) {
	rules, err := s.configs.ListRules(c.Request.Context())
	if err != nil {
		s.logger.Error("list fee rules failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list fee rules failed"})
		return
	}
	if rules == nil {
		rules = []model.FeeRule{}
	}
	c.JSON(http.StatusOK, rules)
}

// handleUpsertFeeRule 按 (market, category) 插入或更新费率。
//
// PUT /fee-rules
//
// 空市场与空类目按解析器的规则归一化为 etc / unknown；
// 两项费率都必须在 [0, 1) 内，且合计小于 1。
func (s *Server) handleUpsertFeeRule(c *gin.Context) {
	var req feeRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bindError(err))
		return
	}
	categoryRate := decimal.Zero
	if req.CategoryRate != nil {
		categoryRate = *req.CategoryRate
	}
	if !validRate(*req.BaseRate) || !validRate(categoryRate) || !req.BaseRate.Add(categoryRate).LessThan(one) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rates must be within [0, 1) and sum below 1"})
		return
	}

	rule := &model.FeeRule{
		Market:       req.Market,
		Category:     req.Category,
		BaseRate:     *req.BaseRate,
		CategoryRate: categoryRate,
	}
	if err := s.configs.UpsertRule(c.Request.Context(), rule); err != nil {
		s.logger.Error("upsert fee rule failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert fee rule failed"})
		return
	}
	s.snapshots.Invalidate(c.Request.Context())
	s.logger.Info("fee rule updated",
		slog.String("market", rule.Market),
		slog.String("category", rule.Category),
		slog.String("base_rate", rule.BaseRate.String()),
		slog.String("category_rate", rule.CategoryRate.String()))
	c.JSON(http.StatusOK, rule)
}

// handleMonitorStatus 返回监控器状态与最近一轮扫描汇总。
//
// GET /monitor
func (s *Server) handleMonitorStatus(c *gin.Context) {
	resp := monitorResponse{State: monitor.StateIdle.String()}
	if s.status != nil {
		resp.State = s.status.State().String()
		if report, ok := s.status.LastReport(); ok {
			resp.LastReport = &report
		}
	}
	c.JSON(http.StatusOK, resp)
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThan(one)
}
