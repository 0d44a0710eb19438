package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/decision"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"
)

// State 监控器状态。
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// ItemStore 监控器需要的商品存储接口。
type ItemStore interface {
	ListItems(ctx context.Context) ([]model.Item, error)
	UpdateItem(ctx context.Context, id uint, d engine.Derived) error
}

// SnapshotSource 提供每轮扫描使用的配置快照。
type SnapshotSource interface {
	Load(ctx context.Context) engine.Snapshot
}

// TransitionRecorder 记录决策变化。
type TransitionRecorder interface {
	Record(ctx context.Context, t decision.Transition) error
}

// SweepReport 一轮扫描的汇总。
type SweepReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Scanned     int           `json:"scanned"`
	Unchanged   int           `json:"unchanged"`
	Transitions int           `json:"transitions"`
	Failed      int           `json:"failed"`
	Err         string        `json:"error,omitempty"`
}

// Monitor 周期性地重新估值全部商品，决策变化时写回并记录。
//
// 单 goroutine 循环：扫描结束后才开始等待下一个间隔，两轮扫描不会重叠。
// 启动后先等待 startupDelay 再进行首轮扫描。
type Monitor struct {
	store        ItemStore
	snapshots    SnapshotSource
	recorder     TransitionRecorder
	logger       *slog.Logger
	interval     time.Duration
	startupDelay time.Duration

	state atomic.Int32
	last  atomic.Pointer[SweepReport]
}

// New 创建监控器。
//
// 参数:
//
//	store: 商品存储
//	snapshots: 设置与费率快照来源
//	recorder: 决策变化记录器
//	logger: 日志记录器
//	interval: 两轮扫描之间的间隔（<= 0 时使用 1h）
//	startupDelay: 首轮扫描前的等待（< 0 视为 0）
func New(store ItemStore, snapshots SnapshotSource, recorder TransitionRecorder, logger *slog.Logger, interval, startupDelay time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if startupDelay < 0 {
		startupDelay = 0
	}
	return &Monitor{
		store:        store,
		snapshots:    snapshots,
		recorder:     recorder,
		logger:       logger,
		interval:     interval,
		startupDelay: startupDelay,
	}
}

// Run 阻塞运行监控循环，直到 ctx 被取消。
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("revaluation monitor started",
		slog.String("interval", m.interval.String()),
		slog.String("startup_delay", m.startupDelay.String()))

	if !wait(ctx, m.startupDelay) {
		m.logger.Info("revaluation monitor stopped before first sweep")
		return
	}
	for {
		m.SweepOnce(ctx)
		if !wait(ctx, m.interval) {
			m.logger.Info("revaluation monitor stopped")
			return
		}
	}
}

// wait 等待 d，ctx 被取消时返回 false。
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State 返回当前状态。
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// LastReport 返回最近一轮完成的扫描汇总。
func (m *Monitor) LastReport() (SweepReport, bool) {
	r := m.last.Load()
	if r == nil {
		return SweepReport{}, false
	}
	return *r, true
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	metrics.MonitorState.Set(float64(s))
}

// SweepOnce 执行一轮扫描并返回汇总。
//
// 单个商品的失败只记录并跳过；列表读取失败提前结束本轮。
// 无论结果如何，返回前状态都会回到 Idle。
func (m *Monitor) SweepOnce(ctx context.Context) (report SweepReport) {
	start := time.Now()
	report.StartedAt = start
	m.setState(StateRunning)

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Sprintf("panic: %v", r)
			metrics.MonitorSweepsTotal.WithLabelValues("panic").Inc()
			m.logger.Error("PANIC in revaluation sweep", slog.Any("panic", r))
		}
		report.Duration = time.Since(start)
		metrics.MonitorSweepDuration.Observe(report.Duration.Seconds())
		snapshot := report
		m.last.Store(&snapshot)
		m.setState(StateIdle)
	}()

	snap := m.snapshots.Load(ctx)

	items, err := m.store.ListItems(ctx)
	if err != nil {
		report.Err = err.Error()
		metrics.MonitorSweepsTotal.WithLabelValues("list_failed").Inc()
		m.logger.Error("load items for revaluation failed", slog.String("error", err.Error()))
		return report
	}

	for i := range items {
		if ctx.Err() != nil {
			report.Err = ctx.Err().Error()
			m.logger.Warn("revaluation sweep interrupted",
				slog.Int("scanned", report.Scanned),
				slog.Int("total", len(items)))
			break
		}
		report.Scanned++
		switch m.revaluate(ctx, &items[i], snap) {
		case outcomeUnchanged:
			report.Unchanged++
		case outcomeChanged:
			report.Transitions++
		case outcomeFailed:
			report.Failed++
		}
	}

	if report.Err == "" {
		metrics.MonitorSweepsTotal.WithLabelValues("ok").Inc()
	}
	m.logger.Info("revaluation sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("transitions", report.Transitions),
		slog.Int("failed", report.Failed),
		slog.String("duration", time.Since(start).String()))
	return report
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeChanged
	outcomeFailed
)

// revaluate 处理单个商品。决策未变时不写库。
func (m *Monitor) revaluate(ctx context.Context, item *model.Item, snap engine.Snapshot) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorItemFailures.WithLabelValues("panic").Inc()
			m.logger.Error("PANIC while revaluating item",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.Any("panic", r))
			out = outcomeFailed
		}
	}()

	derived := engine.Revaluate(item.Input(), snap)
	metrics.MonitorItemsEvaluated.Inc()

	if item.Decision == string(derived.Decision) {
		m.logger.Debug("skip unchanged item db write", slog.Uint64("item_id", uint64(item.ID)))
		return outcomeUnchanged
	}

	// 更新与日志作为一对写入，不随外层取消中断
	writeCtx := context.WithoutCancel(ctx)
	from := item.Decision
	if err := m.store.UpdateItem(writeCtx, item.ID, derived); err != nil {
		metrics.MonitorItemFailures.WithLabelValues("update").Inc()
		m.logger.Error("update item failed",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("error", err.Error()))
		return outcomeFailed
	}
	item.Apply(derived)

	if err := m.recorder.Record(writeCtx, decision.Transition{
		Item:    item,
		From:    from,
		Derived: derived,
		Source:  model.SourceMonitor,
	}); err != nil {
		metrics.MonitorItemFailures.WithLabelValues("log").Inc()
		m.logger.Error("record decision transition failed",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("error", err.Error()))
		return outcomeFailed
	}
	return outcomeChanged
}
