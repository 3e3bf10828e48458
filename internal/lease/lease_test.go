package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/models"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, ttl), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 10*time.Second)

	require.NoError(t, m.Acquire(ctx, "job-1", "worker-a"))
	assert.ErrorIs(t, m.Acquire(ctx, "job-1", "worker-b"), models.ErrAlreadyClaimed)

	owner, held, err := m.Holder(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "worker-a", owner)

	n, err := m.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRenewAndReleaseCheckOwner(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 10*time.Second)
	require.NoError(t, m.Acquire(ctx, "job-1", "worker-a"))

	require.NoError(t, m.Renew(ctx, "job-1", "worker-a"))
	assert.ErrorIs(t, m.Renew(ctx, "job-1", "worker-b"), models.ErrLeaseLost)
	assert.ErrorIs(t, m.Release(ctx, "job-1", "worker-b"), models.ErrLeaseLost)

	require.NoError(t, m.Release(ctx, "job-1", "worker-a"))
	_, held, err := m.Holder(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.Acquire(ctx, "job-1", "worker-b"), "released leases are immediately claimable")
}

func TestExpiredLeasesAreReapedOnce(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, 5*time.Second)
	require.NoError(t, m.Acquire(ctx, "job-stale", "worker-a"))
	require.NoError(t, m.Acquire(ctx, "job-live", "worker-b"))

	mr.FastForward(6 * time.Second)
	require.NoError(t, m.Acquire(ctx, "job-live", "worker-b"), "new lease after expiry")

	// Deadlines in the set use wall-clock time, so look far enough ahead.
	later := time.Now().Add(time.Minute)
	ids, err := m.Expired(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-stale"}, ids)

	ids, err = m.Expired(ctx, later, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, m.Renew(ctx, "job-stale", "worker-a"), models.ErrLeaseLost)
}

func TestReleasedLeaseIsNotReportedExpired(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, time.Second)
	require.NoError(t, m.Acquire(ctx, "job-1", "worker-a"))
	require.NoError(t, m.Release(ctx, "job-1", "worker-a"))

	ids, err := m.Expired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
