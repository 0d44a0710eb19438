package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/dedup"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/ratelimit"
)

// GuardedNotifier 在实际发送前做去重与限速。
//
// 同一商品在去重窗口内多次变为同一决策（阈值附近来回摆动）只提醒一次；
// 发送失败时释放去重记录，下一次变化仍会提醒。
type GuardedNotifier struct {
	next    Notifier
	dedup   *dedup.Deduplicator
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewGuardedNotifier 创建带去重与限速的通知器，dedup 与 limiter 可以为 nil。
func NewGuardedNotifier(next Notifier, d *dedup.Deduplicator, limiter *ratelimit.Limiter, logger *slog.Logger) *GuardedNotifier {
	return &GuardedNotifier{next: next, dedup: d, limiter: limiter, logger: logger}
}

func alertKey(evt *events.DecisionEvent) string {
	return fmt.Sprintf("alert:%d:%s", evt.ItemID, evt.To)
}

// NotifyTransition 实现 Notifier。
func (g *GuardedNotifier) NotifyTransition(ctx context.Context, evt *events.DecisionEvent) error {
	key := alertKey(evt)
	first, err := g.dedup.Claim(ctx, key)
	if err != nil {
		// Redis 故障时宁可重复提醒
		g.logger.Warn("alert dedup unavailable", slog.String("error", err.Error()))
		first = true
	}
	if !first {
		metrics.NotificationsTotal.WithLabelValues("deduplicated").Inc()
		g.logger.Debug("skip duplicate transition alert",
			slog.Uint64("item_id", uint64(evt.ItemID)),
			slog.String("to", evt.To))
		return nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		_ = g.dedup.Release(context.WithoutCancel(ctx), key)
		return err
	}
	if err := g.next.NotifyTransition(ctx, evt); err != nil {
		if relErr := g.dedup.Release(context.WithoutCancel(ctx), key); relErr != nil {
			g.logger.Warn("release alert dedup key failed", slog.String("error", relErr.Error()))
		}
		return err
	}
	return nil
}
