package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const snapshotKey = "profitwatch:snapshot"

// ConfigSource 提供设置与费率表的原始数据。
type ConfigSource interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	ListRules(ctx context.Context) ([]model.FeeRule, error)
}

// SnapshotLoader 加载估值用的只读快照，可选地缓存到 Redis。
//
// Load 从不返回错误：设置不可达时使用默认值，费率表不可达时
// 返回一个查询总是失败的规则集，解析器会因此落到硬编码费率。
// 降级结果不会写入缓存。
type SnapshotLoader struct {
	src    ConfigSource
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotLoader 创建加载器。rdb 为 nil 或 ttl <= 0 时不使用缓存。
func NewSnapshotLoader(src ConfigSource, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *SnapshotLoader {
	return &SnapshotLoader{src: src, rdb: rdb, ttl: ttl, logger: logger}
}

type cachedSnapshot struct {
	Settings engine.Settings  `json:"settings"`
	Rules    []engine.FeeRule `json:"rules"`
}

func (c cachedSnapshot) build() engine.Snapshot {
	return engine.Snapshot{Settings: c.Settings, Rules: engine.NewRuleSet(c.Rules)}
}

// Load 返回当前快照。
func (l *SnapshotLoader) Load(ctx context.Context) engine.Snapshot {
	if cached, ok := l.readCache(ctx); ok {
		return cached.build()
	}

	cacheable := true
	snap := cachedSnapshot{Settings: engine.DefaultSettings()}

	st, err := l.src.GetSettings(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		l.logger.Info("settings not configured, using defaults")
	case err != nil:
		cacheable = false
		metrics.SnapshotFallbackTotal.WithLabelValues("settings").Inc()
		l.logger.Warn("settings unavailable, using defaults", slog.String("error", err.Error()))
	default:
		fixed, replaced := st.ToEngine().Sanitize()
		if replaced {
			l.logger.Warn("stored settings out of range, substituted defaults",
				slog.Int64("min_profit", st.MinProfit),
				slog.String("safety_buffer_rate", st.SafetyBufferRate.String()))
		}
		snap.Settings = fixed
	}

	rules, err := l.src.ListRules(ctx)
	if err != nil {
		metrics.SnapshotFallbackTotal.WithLabelValues("rules").Inc()
		l.logger.Warn("fee rules unavailable, using default rate", slog.String("error", err.Error()))
		return engine.Snapshot{Settings: snap.Settings, Rules: engine.UnavailableRuleSet(err)}
	}
	snap.Rules = make([]engine.FeeRule, 0, len(rules))
	for _, r := range rules {
		snap.Rules = append(snap.Rules, r.ToEngine())
	}

	if cacheable {
		l.writeCache(ctx, snap)
	}
	return snap.build()
}

// Invalidate 删除缓存，下一次 Load 会回源。
func (l *SnapshotLoader) Invalidate(ctx context.Context) {
	if !l.cacheEnabled() {
		return
	}
	if err := l.rdb.Del(ctx, snapshotKey).Err(); err != nil {
		l.logger.Warn("invalidate snapshot cache failed", slog.String("error", err.Error()))
	}
}

func (l *SnapshotLoader) cacheEnabled() bool {
	return l.rdb != nil && l.ttl > 0
}

func (l *SnapshotLoader) readCache(ctx context.Context) (cachedSnapshot, bool) {
	if !l.cacheEnabled() {
		return cachedSnapshot{}, false
	}
	raw, err := l.rdb.Get(ctx, snapshotKey).Result()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("read snapshot cache failed", slog.String("error", err.Error()))
		}
		metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
		return cachedSnapshot{}, false
	}
	var c cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		l.logger.Warn("decode snapshot cache failed", slog.String("error", err.Error()))
		metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
		return cachedSnapshot{}, false
	}
	metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
	return c, true
}

func (l *SnapshotLoader) writeCache(ctx context.Context, snap cachedSnapshot) {
	if !l.cacheEnabled() {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		l.logger.Warn("encode snapshot cache failed", slog.String("error", err.Error()))
		return
	}
	if err := l.rdb.Set(ctx, snapshotKey, payload, l.ttl).Err(); err != nil {
		l.logger.Warn("write snapshot cache failed", slog.String("error", err.Error()))
	}
}
