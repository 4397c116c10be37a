// Package lock implements the Redis-backed idempotency gate that keeps a
// message from being processed twice across worker replicas and restarts.
package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

const (
	processingPrefix = "benchmark:consumer:processing:"
	processedPrefix  = "benchmark:consumer:processed:"
)

// RedisGate implements domain.IdempotencyGate on top of go-redis.
type RedisGate struct {
	rdb           redis.UniversalClient
	processingTTL time.Duration
	processedTTL  time.Duration
}

// NewRedisGate constructs a gate with the given marker lifetimes.
func NewRedisGate(rdb redis.UniversalClient, processingTTL, processedTTL time.Duration) *RedisGate {
	return &RedisGate{rdb: rdb, processingTTL: processingTTL, processedTTL: processedTTL}
}

// AlreadyProcessed reports whether a completed marker exists for the suffix.
func (g *RedisGate) AlreadyProcessed(ctx domain.Context, suffix string) (bool, error) {
	n, err := g.rdb.Exists(ctx, processedPrefix+suffix).Result()
	if err != nil {
		return false, fmt.Errorf("op=gate.already_processed: %w", err)
	}
	return n > 0, nil
}

// AcquireProcessing claims the in-flight marker. Returns false when another
// worker currently holds it.
func (g *RedisGate) AcquireProcessing(ctx domain.Context, suffix string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, processingPrefix+suffix, "1", g.processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=gate.acquire: %w", err)
	}
	return ok, nil
}

// MarkProcessed writes the completed marker. It is set before the in-flight
// marker is released so a duplicate can never slip between the two.
func (g *RedisGate) MarkProcessed(ctx domain.Context, suffix string) error {
	if err := g.rdb.Set(ctx, processedPrefix+suffix, "1", g.processedTTL).Err(); err != nil {
		return fmt.Errorf("op=gate.mark_processed: %w", err)
	}
	return nil
}

// ReleaseProcessing drops the in-flight marker. Safe to call when the
// marker is absent or expired.
func (g *RedisGate) ReleaseProcessing(ctx domain.Context, suffix string) error {
	if err := g.rdb.Del(ctx, processingPrefix+suffix).Err(); err != nil {
		return fmt.Errorf("op=gate.release: %w", err)
	}
	return nil
}
