package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "profitwatch:dedup:"

// Deduplicator 基于 Redis SETNX 的窗口去重，多实例共享同一份记录。
//
// rdb 为 nil 时不做去重，所有 Claim 都成功。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDeduplicator 创建去重器，ttl <= 0 时使用 1h。
func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim 在窗口内首次出现 key 时返回 true，重复出现返回 false。
func (d *Deduplicator) Claim(ctx context.Context, key string) (bool, error) {
	if d == nil || d.rdb == nil || key == "" {
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, keyPrefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 删除 key，使下一次 Claim 重新成功（用于处理失败后允许重试）。
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil || key == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
