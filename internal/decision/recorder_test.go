package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"

	"github.com/shopspring/decimal"
)

type memLogs struct {
	entries []model.DecisionLog
	err     error
}

func (m *memLogs) InsertTransitionLog(ctx context.Context, entry *model.DecisionLog) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

type memPublisher struct {
	events []*events.DecisionEvent
	err    error
}

func (m *memPublisher) Publish(ctx context.Context, evt *events.DecisionEvent) error {
	m.events = append(m.events, evt)
	return m.err
}

func (m *memPublisher) Close() error { return nil }

type memNotifier struct {
	calls int
	err   error
}

func (m *memNotifier) NotifyTransition(ctx context.Context, evt *events.DecisionEvent) error {
	m.calls++
	return m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTransition() Transition {
	return Transition{
		Item: &model.Item{ID: 3, UserID: "u-1", Name: "boots"},
		From: "HOLD",
		Derived: engine.Derived{
			NetProfit:  decimal.NewFromInt(1700),
			Decision:   engine.DecisionSell,
			ReasonCode: engine.ReasonProfitOK,
		},
		Source: model.SourceMonitor,
	}
}

func TestRecordWritesLogAndBroadcasts(t *testing.T) {
	logs := &memLogs{}
	pub := &memPublisher{}
	n := &memNotifier{}
	r := NewRecorder(logs, pub, n, discardLogger())

	if err := r.Record(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs.entries))
	}
	e := logs.entries[0]
	if e.ItemID != 3 || e.FromDecision != "HOLD" || e.ToDecision != "SELL" || e.ReasonCode != "PROFIT_OK" || e.Source != "monitor" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.Profit.Equal(decimal.NewFromInt(1700)) {
		t.Fatalf("expected profit 1700, got %s", e.Profit)
	}
	if len(pub.events) != 1 || pub.events[0].UserID != "u-1" || pub.events[0].NetProfit != "1700" {
		t.Fatalf("unexpected events %+v", pub.events)
	}
	if n.calls != 1 {
		t.Fatalf("expected one notification, got %d", n.calls)
	}
}

func TestRecordLogFailureStopsBroadcast(t *testing.T) {
	logs := &memLogs{err: errors.New("deadlock")}
	pub := &memPublisher{}
	n := &memNotifier{}
	r := NewRecorder(logs, pub, n, discardLogger())

	if err := r.Record(context.Background(), sampleTransition()); err == nil {
		t.Fatalf("expected log error")
	}
	if len(pub.events) != 0 || n.calls != 0 {
		t.Fatalf("expected no broadcast without log entry")
	}
}

func TestRecordBroadcastFailuresAreNotFatal(t *testing.T) {
	logs := &memLogs{}
	r := NewRecorder(logs, &memPublisher{err: errors.New("xadd")}, &memNotifier{err: errors.New("full")}, discardLogger())
	if err := r.Record(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected log entry to be kept")
	}

	bare := NewRecorder(logs, nil, nil, discardLogger())
	if err := bare.Record(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("expected nil error without publisher/notifier, got %v", err)
	}
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, evt *events.DecisionEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingPublisher) Close() error { return nil }

func TestRecordBoundsPublishWithoutDeadline(t *testing.T) {
	logs := &memLogs{}
	n := &memNotifier{}
	r := NewRecorder(logs, blockingPublisher{}, n, discardLogger())
	r.publishTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- r.Record(context.WithoutCancel(context.Background()), sampleTransition())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("record blocked on publisher")
	}
	if len(logs.entries) != 1 || n.calls != 1 {
		t.Fatalf("expected log and alert after publish timeout, got logs=%d alerts=%d", len(logs.entries), n.calls)
	}
}
