package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "profitwatch"

var (
	// MonitorSweepsTotal 按结果统计扫描次数: ok / list_failed / panic。
	MonitorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "sweeps_total",
		Help:      "Revaluation sweeps by result.",
	}, []string{"result"})

	MonitorSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full revaluation sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	MonitorItemsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "items_evaluated_total",
		Help:      "Items revaluated by the monitor.",
	})

	// MonitorItemFailures 按阶段统计单个商品失败: update / log / panic。
	MonitorItemFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "item_failures_total",
		Help:      "Per-item failures skipped during a sweep.",
	}, []string{"stage"})

	// MonitorState 0 = idle, 1 = running。
	MonitorState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "state",
		Help:      "Monitor state (0 idle, 1 running).",
	})

	DecisionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decision_transitions_total",
		Help:      "Recorded decision transitions.",
	}, []string{"from", "to", "source"})

	// EvaluationsTotal 按入口统计估值次数: api_evaluate / api_create / api_update。
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Synchronous evaluations by entry point.",
	}, []string{"path"})

	SnapshotCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_cache_total",
		Help:      "Settings and fee rule snapshot cache lookups by result.",
	}, []string{"result"})

	// SnapshotFallbackTotal 统计设置或费率表不可达而使用默认值的次数。
	SnapshotFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_fallback_total",
		Help:      "Snapshot loads that substituted defaults.",
	}, []string{"part"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Transition notifications by result.",
	}, []string{"result"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Decision events by backend and result.",
	}, []string{"backend", "result"})

	AlertRateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for an alert send token.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	AlertRateLimitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "ratelimit_timeouts_total",
		Help:      "Alerts abandoned while waiting for a send token.",
	})
)
