// Package ratelimit enforces per-tenant fixed-window limits against the
// shared Redis cache. One counter per tenant per wall-clock minute; the
// increment and the expiry set happen in a single server-side script.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsestream/backend/internal/circuitbreaker"
	"github.com/pulsestream/backend/internal/core"
)

const windowSeconds = 60

// incrScript atomically increments the window counter and sets the expiry
// exactly once, when the counter is created.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Result reports the state of the tenant's current window after the
// increment.
type Result struct {
	Allowed    bool
	Limit      int
	Current    int64
	Remaining  int
	ResetAfter time.Duration
	// Degraded marks a fail-open admission made while the cache was
	// unreachable; the counter was not incremented.
	Degraded bool
}

// Limiter is the contract the ingestion coordinator depends on.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, tenantID string, limit int) (*Result, error)
}

// RedisLimiter implements Limiter over go-redis. A circuit breaker guards
// the cache so a dead Redis degrades to fast local decisions instead of a
// per-request dial timeout.
type RedisLimiter struct {
	rdb      redis.Cmdable
	breaker  *circuitbreaker.CircuitBreaker
	failOpen bool
	now      func() time.Time
}

// NewRedisLimiter builds a limiter. failOpen selects the degraded-mode
// policy when the cache is unreachable.
func NewRedisLimiter(rdb redis.Cmdable, failOpen bool) *RedisLimiter {
	cfg := circuitbreaker.DefaultConfig("ratelimit-cache")
	cfg.Timeout = 10 * time.Second
	return &RedisLimiter{
		rdb:      rdb,
		breaker:  circuitbreaker.New(cfg),
		failOpen: failOpen,
		now:      time.Now,
	}
}

// CheckAndIncrement increments the tenant's current window and reports
// whether the request may proceed. Rejected requests keep their increment;
// an attempt over the limit still counts as an attempt.
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, tenantID string, limit int) (*Result, error) {
	now := l.now()
	window := now.Unix() / windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%d", tenantID, window)
	resetAfter := time.Duration((window+1)*windowSeconds-now.Unix()) * time.Second

	countAny, err := l.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return incrScript.Run(ctx, l.rdb, []string{key}, windowSeconds).Int64()
	})
	if err != nil {
		return l.degraded(tenantID, limit, resetAfter, err)
	}
	count := countAny.(int64)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{
		Allowed:    count <= int64(limit),
		Limit:      limit,
		Current:    count,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
	if !res.Allowed {
		slog.Info("rate limit exceeded",
			"tenant_id", tenantID, "count", count, "limit", limit,
			"reset_after", resetAfter)
	}
	return res, nil
}

// degraded applies the configured failure policy for an unreachable cache.
func (l *RedisLimiter) degraded(tenantID string, limit int, resetAfter time.Duration, cause error) (*Result, error) {
	if !l.failOpen {
		return nil, core.Wrap(core.KindCacheUnavailable, "rate limiter cache unavailable", cause)
	}
	if errors.Is(cause, circuitbreaker.ErrCircuitOpen) {
		slog.Warn("rate limiter degraded admission (circuit open)", "tenant_id", tenantID)
	} else {
		slog.Warn("rate limiter degraded admission", "tenant_id", tenantID, "error", cause)
	}
	return &Result{
		Allowed:    true,
		Limit:      limit,
		Current:    0,
		Remaining:  limit,
		ResetAfter: resetAfter,
		Degraded:   true,
	}, nil
}
