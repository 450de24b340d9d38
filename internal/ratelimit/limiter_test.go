package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsestream/backend/internal/core"
)

func newTestLimiter(t *testing.T, failOpen bool) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb, failOpen), mr
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t, true)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.CheckAndIncrement(ctx, "tenant-a", 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i), res.Current)
		assert.Equal(t, 3-i, res.Remaining)
	}
}

func TestLimiterRejectsOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndIncrement(ctx, "tenant-a", 2)
		require.NoError(t, err)
	}

	res, err := l.CheckAndIncrement(ctx, "tenant-a", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Current, "rejected attempts still count")
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.ResetAfter, time.Duration(0))
}

func TestLimiterIsolatesTenants(t *testing.T) {
	l, _ := newTestLimiter(t, true)
	ctx := context.Background()

	_, err := l.CheckAndIncrement(ctx, "tenant-a", 1)
	require.NoError(t, err)
	res, err := l.CheckAndIncrement(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.CheckAndIncrement(ctx, "tenant-b", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "another tenant's window is untouched")
}

func TestLimiterWindowRollover(t *testing.T) {
	l, _ := newTestLimiter(t, true)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	_, err := l.CheckAndIncrement(ctx, "tenant-a", 1)
	require.NoError(t, err)
	res, err := l.CheckAndIncrement(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Next minute, fresh counter.
	l.now = func() time.Time { return base.Add(time.Minute) }
	res, err = l.CheckAndIncrement(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Current)
}

func TestLimiterCounterExpiry(t *testing.T) {
	l, mr := newTestLimiter(t, true)
	ctx := context.Background()

	_, err := l.CheckAndIncrement(ctx, "tenant-a", 5)
	require.NoError(t, err)

	// The window counter carries a TTL so abandoned windows vanish.
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestLimiterFailOpen(t *testing.T) {
	l, mr := newTestLimiter(t, true)
	ctx := context.Background()
	mr.Close()

	res, err := l.CheckAndIncrement(ctx, "tenant-a", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 5, res.Remaining)
}

func TestLimiterFailClosed(t *testing.T) {
	l, mr := newTestLimiter(t, false)
	ctx := context.Background()
	mr.Close()

	_, err := l.CheckAndIncrement(ctx, "tenant-a", 5)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCacheUnavailable))
}

func TestLimiterCircuitOpensAfterRepeatedFailures(t *testing.T) {
	l, mr := newTestLimiter(t, true)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		res, err := l.CheckAndIncrement(ctx, "tenant-a", 5)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}
	// Once the breaker trips, calls fail fast without touching Redis.
	assert.Error(t, l.breaker.Allow())
}
