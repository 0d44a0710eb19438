package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/notify"
)

// LogStore 决策日志的追加接口。
type LogStore interface {
	InsertTransitionLog(ctx context.Context, entry *model.DecisionLog) error
}

// Transition 一次已写回商品的决策变化。
type Transition struct {
	Item    *model.Item // 已 Apply 新派生字段的商品
	From    string
	Derived engine.Derived
	Source  string // model.SourceMonitor / model.SourceEdit
}

// DefaultPublishTimeout 单个事件发布的最长等待时间。
const DefaultPublishTimeout = 5 * time.Second

// Recorder 负责记录决策变化：写审计日志，然后发布事件并发送提醒。
//
// 只有日志写入失败会返回错误；事件与提醒失败只记录日志。
type Recorder struct {
	logs      LogStore
	publisher events.Publisher
	notifier  notify.Notifier
	logger    *slog.Logger

	publishTimeout time.Duration
}

// NewRecorder 创建 Recorder。publisher 与 notifier 可以为 nil。
func NewRecorder(logs LogStore, publisher events.Publisher, notifier notify.Notifier, logger *slog.Logger) *Recorder {
	return &Recorder{
		logs:      logs,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,

		publishTimeout: DefaultPublishTimeout,
	}
}

// Record 写入一条 DecisionLog 并广播。
func (r *Recorder) Record(ctx context.Context, t Transition) error {
	if t.Item == nil {
		return fmt.Errorf("transition without item")
	}
	entry := &model.DecisionLog{
		ItemID:       t.Item.ID,
		FromDecision: t.From,
		ToDecision:   string(t.Derived.Decision),
		ReasonCode:   string(t.Derived.ReasonCode),
		Profit:       t.Derived.NetProfit,
		Source:       t.Source,
	}
	if err := r.logs.InsertTransitionLog(ctx, entry); err != nil {
		return err
	}
	metrics.DecisionTransitionsTotal.WithLabelValues(labelOrNone(t.From), entry.ToDecision, t.Source).Inc()

	r.logger.Info("decision changed",
		slog.Uint64("item_id", uint64(t.Item.ID)),
		slog.String("from", t.From),
		slog.String("to", entry.ToDecision),
		slog.String("reason", entry.ReasonCode),
		slog.String("net_profit", entry.Profit.String()),
		slog.String("source", t.Source))

	evt := events.NewDecisionEvent(t.Item.ID, t.Item.UserID, t.Item.Name, t.From,
		entry.ToDecision, entry.ReasonCode, entry.Profit.String(), t.Source)

	if r.publisher != nil {
		// 调用方的 ctx 可能不可取消，broker 不可达时不能拖住扫描
		pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
		err := r.publisher.Publish(pubCtx, evt)
		cancel()
		if err != nil {
			r.logger.Warn("publish decision event failed",
				slog.Uint64("item_id", uint64(t.Item.ID)),
				slog.String("error", err.Error()))
		}
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyTransition(ctx, evt); err != nil {
			r.logger.Warn("queue transition notification failed",
				slog.Uint64("item_id", uint64(t.Item.ID)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func labelOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
