package errorqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/enrich"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/store/storetest"
)

type fixture struct {
	store store.Store
	queue *Queue
	job   models.Job
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.NewSQLite(t)
	job, err := st.CreateJob(context.Background(), storetest.BOMJob("tenant-a", 3))
	require.NoError(t, err)
	f := &fixture{store: st, job: job, clock: time.Now().UTC().Truncate(time.Second)}
	f.queue = New(st)
	f.queue.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) eventTypes(t *testing.T) []models.EventType {
	t.Helper()
	var out []models.EventType
	for ev, err := range store.History(context.Background(), f.store, f.job.ID, 0, 10) {
		require.NoError(t, err)
		out = append(out, ev.Type)
	}
	return out
}

func failingEnricher(typ models.ErrorType) enrich.Enricher {
	return enrich.Func(func(context.Context, models.Item) (enrich.Result, error) {
		return enrich.Result{}, enrich.Wrap(typ, errors.New("upstream said no"))
	})
}

func TestRecordFailureUpsertsPerComponent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-1", PartNumber: "LM317"},
		enrich.Wrap(models.ErrorTimeout, errors.New("deadline")))
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTimeout, first.ErrorType)
	assert.Equal(t, "timeout: deadline", first.ErrorMessage)
	assert.Equal(t, 2, first.NextRetryDelaySeconds)

	f.advance(time.Second)
	second, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-1"}, errors.New("plain"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ErrorOther, second.ErrorType)
	assert.Equal(t, "LM317", second.PartNumber, "empty part number keeps the stored one")

	_, err = f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID}, errors.New("x"))
	assert.ErrorIs(t, err, models.ErrInvalidJob)
}

func TestRetryBackoffFreezesAfterSixFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	worker := NewRetryWorker(f.store, f.queue, failingEnricher(models.ErrorAPI), 10, time.Second)

	entry, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-1"}, errors.New("first"))
	require.NoError(t, err)

	n, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due before the first backoff")

	var delays []int
	for i := 0; i < models.MaxAutoRetries; i++ {
		f.advance(time.Duration(entry.NextRetryDelaySeconds) * time.Second)
		n, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "retry %d", i+1)
		entry, err = f.queue.Get(ctx, entry.ID)
		require.NoError(t, err)
		delays = append(delays, entry.NextRetryDelaySeconds)
	}

	assert.Equal(t, []int{4, 8, 16, 32, 64}, delays)
	assert.Equal(t, models.EntryMaxRetriesExceeded, entry.Status)
	assert.Equal(t, models.MaxAutoRetries, entry.RetryCount)
	assert.Nil(t, entry.NextRetryAt)

	f.advance(time.Hour)
	n, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "frozen entries wait for manual review")

	assert.Equal(t, []models.EventType{
		models.EventItemRetryFailed,
		models.EventItemRetryFailed,
		models.EventItemRetryFailed,
		models.EventItemRetryFailed,
		models.EventItemMaxRetriesExceeded,
	}, f.eventTypes(t))

	job, err := f.store.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Zero(t, job.ProcessedItems, "retries never touch job counters")
}

func TestRetryRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	calls := 0
	worker := NewRetryWorker(f.store, f.queue, enrich.Func(func(_ context.Context, item models.Item) (enrich.Result, error) {
		calls++
		assert.Equal(t, "cmp-7", item.ComponentRef)
		return enrich.Result{ComponentRef: item.ComponentRef}, nil
	}), 10, time.Second)

	entry, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-7"}, errors.New("flaky"))
	require.NoError(t, err)

	f.advance(2 * time.Second)
	n, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, []models.EventType{models.EventItemRecovered}, f.eventTypes(t))
}

func TestReopenStartsFreshCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-1", ErrorType: models.ErrorValidation}, nil)
	require.NoError(t, err)

	fresh, err := f.queue.Reopen(ctx, entry.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, entry.ID, fresh.ID)
	assert.Equal(t, 0, fresh.RetryCount)
	assert.Equal(t, models.EntryPending, fresh.Status)
	assert.Equal(t, models.ErrorValidation, fresh.ErrorType)

	old, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryAbandoned, old.Status)
	require.NotNil(t, old.ReviewedBy)

	_, err = f.store.ResolveEntry(ctx, fresh.ID, f.clock)
	require.NoError(t, err)
	_, err = f.queue.Reopen(ctx, fresh.ID, "reviewer")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.queue.Abandon(ctx, fresh.ID, "reviewer")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock = time.Now().UTC().Add(-2 * time.Hour)

	stuck, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-stuck"}, errors.New("x"))
	require.NoError(t, err)
	f.advance(2 * time.Second)
	_, err = f.store.ClaimEntry(ctx, stuck.ID, f.clock)
	require.NoError(t, err)

	done, err := f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-done"}, errors.New("x"))
	require.NoError(t, err)
	_, err = f.queue.Abandon(ctx, done.ID, "reviewer")
	require.NoError(t, err)

	f.clock = time.Now().UTC()
	released, err := f.queue.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	purged, err := f.queue.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	pending := models.EntryPending
	list, err := f.queue.List(ctx, models.EntryFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, stuck.ID, list[0].ID)
}

func TestRetryEventsAfterCloseKeepTerminalSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Transition(ctx, f.job.ID, models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)
	closed, err := f.store.Transition(ctx, f.job.ID, models.StatusProcessing, models.StatusFailed, models.TransitionMeta{Reason: "failure rate"})
	require.NoError(t, err)
	ev, err := models.NewEvent(closed, models.EventFailed, nil)
	require.NoError(t, err)
	_, err = f.store.AppendEvent(ctx, ev)
	require.NoError(t, err)

	_, err = f.queue.RecordFailure(ctx, models.FailureRecord{JobID: f.job.ID, ComponentRef: "cmp-9"}, errors.New("flaky"))
	require.NoError(t, err)
	f.advance(2 * time.Second)
	worker := NewRetryWorker(f.store, f.queue, enrich.Func(func(context.Context, models.Item) (enrich.Result, error) {
		return enrich.Result{}, nil
	}), 10, time.Second)
	n, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []models.EventType{models.EventFailed, models.EventItemRecovered}, f.eventTypes(t))
	state, err := f.store.LatestState(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, state.Status, "terminality is read from the snapshot")
	assert.True(t, state.Status.Terminal())
}
