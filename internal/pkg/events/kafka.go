package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将事件写入 Kafka topic，key 为 decision.<to>.<item_id>。
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher 创建 Kafka 发布者。
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// Publish 同步写入一条消息。
func (p *KafkaPublisher) Publish(ctx context.Context, evt *DecisionEvent) error {
	if evt == nil {
		return fmt.Errorf("event is nil")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(messageKey(evt)),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "source", Value: []byte(evt.Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("write kafka message: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("kafka", "ok").Inc()

	p.logger.Debug("decision event published",
		slog.String("topic", p.topic),
		slog.String("event_id", evt.EventID))
	return nil
}

// Close 刷新并关闭 writer。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageKey(evt *DecisionEvent) string {
	return fmt.Sprintf("decision.%s.%d", evt.To, evt.ItemID)
}
