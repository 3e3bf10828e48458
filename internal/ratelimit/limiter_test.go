package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, capacity int, refill float64) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewLimiter(client, capacity, refill)
	clock := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestLimiterBurstThenReject(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, 2, 1)

	for i := range 2 {
		d, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	other, err := l.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "tenants have separate buckets")
}

func TestLimiterRefills(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(t, 2, 4)

	for range 2 {
		_, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
	}
	*clock = clock.Add(100 * time.Millisecond)
	d, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.4, d.Remaining, 0.001)
	assert.Equal(t, 150*time.Millisecond, d.RetryAfter)

	*clock = clock.Add(150 * time.Millisecond)
	d, err = l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	*clock = clock.Add(time.Hour)
	d, err = l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1.0, d.Remaining, 0.001, "bucket never exceeds capacity")
}
