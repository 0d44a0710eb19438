package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_WaitConsumesToken(t *testing.T) {
	rdb := newMiniRedis(t)

	limiter := NewPerMinute(rdb, nil, "test:ratelimit:basic", 600, 2)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	tokensStr, err := rdb.HGet(context.Background(), limiter.key, "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestLimiter_WaitBlocksUntilRefill(t *testing.T) {
	rdb := newMiniRedis(t)

	// 10 tokens/s, burst 1
	limiter := NewPerMinute(rdb, nil, "test:ratelimit:block", 600, 1)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("blocked wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected blocking, elapsed=%v", elapsed)
	}
}

func TestLimiter_ContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)

	limiter := NewPerMinute(rdb, nil, "test:ratelimit:timeout", 60, 1)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestLimiter_ConcurrentBurst(t *testing.T) {
	rdb := newMiniRedis(t)

	limiter := NewPerMinute(rdb, nil, "test:ratelimit:concurrent", 60, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Wait(ctx); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 immediate successes, got %d", success)
	}
}

func TestLimiter_DisabledOrUnavailable(t *testing.T) {
	if err := NewPerMinute(nil, nil, "", 10, 1).Wait(context.Background()); err != nil {
		t.Fatalf("expected nil without redis, got %v", err)
	}

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := NewPerMinute(rdb, logger, "", 10, 1).Wait(context.Background()); err != nil {
		t.Fatalf("expected fail-open when redis is down, got %v", err)
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Errorf("close redis: %v", err)
		}
	})
	return rdb
}
