package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DecisionEvent 表示一次已落库的决策变化。
type DecisionEvent struct {
	EventID    string    `json:"event_id"`
	ItemID     uint      `json:"item_id"`
	UserID     string    `json:"user_id"`
	ItemName   string    `json:"item_name,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ReasonCode string    `json:"reason_code"`
	NetProfit  string    `json:"net_profit"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewDecisionEvent 生成带唯一 ID 和时间戳的事件。
func NewDecisionEvent(itemID uint, userID, itemName, from, to, reason, netProfit, source string) *DecisionEvent {
	return &DecisionEvent{
		EventID:    uuid.NewString(),
		ItemID:     itemID,
		UserID:     userID,
		ItemName:   itemName,
		From:       from,
		To:         to,
		ReasonCode: reason,
		NetProfit:  netProfit,
		Source:     source,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 发布决策事件。
type Publisher interface {
	Publish(ctx context.Context, evt *DecisionEvent) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, evt *DecisionEvent) error { return nil }
func (NopPublisher) Close() error                                          { return nil }

// New 按配置选择事件后端。
//
// redis 后端需要 rdb 非空；rdb 为空时退化为 NopPublisher 并记录警告。
func New(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (Publisher, error) {
	switch cfg.App.EventBackend {
	case config.EventBackendNone:
		return NopPublisher{}, nil
	case config.EventBackendKafka:
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), nil
	case config.EventBackendRedis, "":
		if rdb == nil {
			logger.Warn("redis not configured, decision events disabled")
			return NopPublisher{}, nil
		}
		return NewStreamPublisher(rdb, logger, cfg.App.EventStream), nil
	default:
		return nil, fmt.Errorf("unsupported event backend %q", cfg.App.EventBackend)
	}
}
