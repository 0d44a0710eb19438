package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "profitwatch:decision:events"
	defaultStreamCap = 100000
)

// StreamPublisher 将事件追加到 Redis Stream。
//
// 每条消息只有一个 data 字段，内容是事件 JSON。
type StreamPublisher struct {
	rdb    *redis.Client
	logger *slog.Logger
	stream string
	maxLen int64
}

// NewStreamPublisher 创建 Stream 发布者，stream 为空时使用默认名称。
func NewStreamPublisher(rdb *redis.Client, logger *slog.Logger, stream string) *StreamPublisher {
	if stream == "" {
		stream = defaultStream
	}
	return &StreamPublisher{
		rdb:    rdb,
		logger: logger,
		stream: stream,
		maxLen: defaultStreamCap,
	}
}

// Publish 使用 XADD 发布事件，Stream 长度近似裁剪到 maxLen。
func (p *StreamPublisher) Publish(ctx context.Context, evt *DecisionEvent) error {
	if evt == nil {
		return fmt.Errorf("event is nil")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msgID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("xadd failed: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("redis", "ok").Inc()

	p.logger.Debug("decision event published",
		slog.String("stream", p.stream),
		slog.String("msg_id", msgID),
		slog.String("event_id", evt.EventID))
	return nil
}

// Len 返回 Stream 当前长度。
func (p *StreamPublisher) Len(ctx context.Context) (int64, error) {
	n, err := p.rdb.XLen(ctx, p.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

// Close 不关闭共享的 Redis 客户端。
func (p *StreamPublisher) Close() error {
	return nil
}
