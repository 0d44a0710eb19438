package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 等待令牌期间 ctx 结束。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey 提醒邮件共享令牌桶的键。
const DefaultKey = "profitwatch:ratelimit:alerts"

// 令牌桶状态保存在一个 hash 中，脚本原子地完成补充与扣减。
// 返回 {allowed, wait_ms}。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

tokens = math.min(burst, tokens + (math.max(0, now - ts) * rate) / 1000.0)

local wait_ms = 0
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 2000.0))

return {allowed, wait_ms}
`

// Limiter 基于 Redis 的分布式令牌桶，多个实例共享同一发送配额。
//
// rdb 为 nil 或速率 <= 0 时不限速。
type Limiter struct {
	rdb    *redis.Client
	key    string
	rate   float64 // 每秒令牌数
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewPerMinute 创建每分钟 perMinute 个令牌、容量 burst 的限速器。
func NewPerMinute(rdb *redis.Client, logger *slog.Logger, key string, perMinute, burst float64) *Limiter {
	if key == "" {
		key = DefaultKey
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rdb:    rdb,
		key:    key,
		rate:   perMinute / 60.0,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Wait 阻塞直到取得一个令牌；ctx 结束时返回 ErrRateLimitTimeout。
//
// Redis 调用失败时放行并记录警告，限速不应阻断提醒。
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rdb == nil || l.rate <= 0 {
		return nil
	}

	start := time.Now()
	for {
		allowed, waitMs, err := l.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				metrics.AlertRateLimitTimeouts.Inc()
				return ErrRateLimitTimeout
			}
			if l.logger != nil {
				l.logger.Warn("alert rate limiter unavailable, sending without limit", slog.String("error", err.Error()))
			}
			return nil
		}
		if allowed {
			metrics.AlertRateLimitWait.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.AlertRateLimitWait.Observe(time.Since(start).Seconds())
			metrics.AlertRateLimitTimeouts.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (l *Limiter) take(ctx context.Context) (bool, int64, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result %v", res)
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
