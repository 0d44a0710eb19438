package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"
)

var (
	// ErrQueueFull 通知队列已满，事件被丢弃。
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed 通知器已关闭。
	ErrClosed = errors.New("notifier closed")
)

const deliverTimeout = 30 * time.Second

// AsyncNotifier 把通知放入有界队列，由固定数量的 worker 投递给下游 Notifier。
//
// 入队从不阻塞：队列满时直接丢弃，扫描不会被慢速 SMTP 拖住。
type AsyncNotifier struct {
	next    Notifier
	logger  *slog.Logger
	workers int
	jobs    chan *events.DecisionEvent

	mu     sync.RWMutex // 保护 jobs 的关闭
	closed bool
	wg     sync.WaitGroup

	stats asyncStats
}

type asyncStats struct {
	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 通知统计快照。
type Stats struct {
	Enqueued  int64
	Delivered int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// NewAsyncNotifier 创建异步通知器。
//
// 参数:
//   - next: 实际发送通知的实现
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
func NewAsyncNotifier(next Notifier, logger *slog.Logger, workers, capacity int) *AsyncNotifier {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &AsyncNotifier{
		next:    next,
		logger:  logger,
		workers: workers,
		jobs:    make(chan *events.DecisionEvent, capacity),
	}
}

// Start 启动 worker。worker 一直运行到 Shutdown 关闭队列并投递完剩余通知；
// ctx 只提供日志等上下文值，它被取消不会丢弃已入队的通知。
func (a *AsyncNotifier) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(base, i)
	}
}

func (a *AsyncNotifier) worker(ctx context.Context, id int) {
	defer a.wg.Done()
	for evt := range a.jobs {
		a.deliver(ctx, evt, id)
	}
}

func (a *AsyncNotifier) deliver(ctx context.Context, evt *events.DecisionEvent, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			a.stats.panics.Add(1)
			metrics.NotificationsTotal.WithLabelValues("panic").Inc()
			a.logger.Error("notification panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := a.next.NotifyTransition(sendCtx, evt); err != nil {
		a.stats.failed.Add(1)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("send transition notification failed",
			slog.Uint64("item_id", uint64(evt.ItemID)),
			slog.String("error", err.Error()))
		return
	}
	a.stats.delivered.Add(1)
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// NotifyTransition 非阻塞入队。
func (a *AsyncNotifier) NotifyTransition(ctx context.Context, evt *events.DecisionEvent) error {
	if evt == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.jobs <- evt:
		a.stats.enqueued.Add(1)
		return nil
	default:
		a.stats.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Shutdown 拒绝新通知，等待队列中已有的通知投递完，最多等待 timeout。
func (a *AsyncNotifier) Shutdown(timeout time.Duration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("notifier already closed")
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (a *AsyncNotifier) Stats() Stats {
	return Stats{
		Enqueued:  a.stats.enqueued.Load(),
		Delivered: a.stats.delivered.Load(),
		Failed:    a.stats.failed.Load(),
		Dropped:   a.stats.dropped.Load(),
		Panics:    a.stats.panics.Load(),
	}
}
