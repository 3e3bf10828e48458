// Package storetest holds the behaviour suite every store.Store backend must
// pass, plus helpers that build hermetic SQLite stores for other packages' tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/store/gormstore"
)

// NewSQLite returns a migrated in-memory store closed at test cleanup.
func NewSQLite(t *testing.T) *gormstore.Store {
	t.Helper()
	s, err := gormstore.OpenSQLite(":memory:")
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// BOMJob builds a valid customer job with total items.
func BOMJob(tenant string, total int) models.Job {
	bom := fmt.Sprintf("bom-%d", time.Now().UnixNano())
	return models.Job{
		Kind:       models.KindCustomerBOM,
		BomID:      &bom,
		TenantID:   &tenant,
		Priority:   models.PriorityCustomer,
		TotalItems: total,
	}
}

// BulkJob builds a valid staff bulk-upload job.
func BulkJob(priority, total int) models.Job {
	upload := fmt.Sprintf("upload-%d", time.Now().UnixNano())
	return models.Job{
		Kind:         models.KindBulkUpload,
		BulkUploadID: &upload,
		Priority:     priority,
		TotalItems:   total,
	}
}

// Run executes the suite against stores built by newStore. Each subtest gets
// a fresh, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ClaimableOrdering", func(t *testing.T) { testClaimableOrdering(t, newStore(t)) })
	t.Run("ListJobsFilters", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("UpdateCounters", func(t *testing.T) { testUpdateCounters(t, newStore(t)) })
	t.Run("CommitItem", func(t *testing.T) { testCommitItem(t, newStore(t)) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("SystemicFailure", func(t *testing.T) { testSystemicFailure(t, newStore(t)) })
	t.Run("UpsertFailureUniqueness", func(t *testing.T) { testUpsertFailure(t, newStore(t)) })
	t.Run("RetryLifecycle", func(t *testing.T) { testRetryLifecycle(t, newStore(t)) })
	t.Run("StaleAndPurge", func(t *testing.T) { testStaleAndPurge(t, newStore(t)) })
	t.Run("EventSequencing", func(t *testing.T) { testEventSequencing(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
}

func create(t *testing.T, s store.Store, job models.Job) models.Job {
	t.Helper()
	created, err := s.CreateJob(context.Background(), job)
	require.NoError(t, err)
	// created_at is the FIFO tiebreaker; keep consecutive jobs apart.
	time.Sleep(2 * time.Millisecond)
	return created
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("tenant-a", 3))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.DefaultMaxRetries, job.MaxRetries)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "tenant-a", *got.TenantID)
	assert.Nil(t, got.BulkUploadID)
	assert.Equal(t, 3, got.TotalItems)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	bad := BOMJob("tenant-a", 1)
	bad.Priority = 0
	_, err = s.CreateJob(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidJob)
}

func testClaimableOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	bulkOld := create(t, s, BulkJob(10, 1))
	customer1 := create(t, s, BOMJob("t", 1))
	mid := create(t, s, BulkJob(5, 1))
	customer2 := create(t, s, BOMJob("t", 1))
	paused := create(t, s, BOMJob("t", 1))

	_, err := s.Transition(ctx, paused.ID, models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, paused.ID, models.StatusProcessing, models.StatusPaused, models.TransitionMeta{Actor: "ops"})
	require.NoError(t, err)

	jobs, err := s.ClaimableJobs(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{customer1.ID, customer2.ID, mid.ID, bulkOld.ID}, ids)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, BOMJob("tenant-a", 1))
	create(t, s, BOMJob("tenant-b", 1))
	create(t, s, BulkJob(10, 1))

	tenant := "tenant-a"
	jobs, err := s.ListJobs(ctx, models.JobFilter{TenantID: &tenant})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	kind := models.KindBulkUpload
	jobs, err = s.ListJobs(ctx, models.JobFilter{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 10, jobs[0].Priority)

	all, err := s.ListJobs(ctx, models.JobFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.PriorityCustomer, all[0].Priority)
	assert.Equal(t, "tenant-a", *all[0].TenantID, "FIFO within a priority band")

	page, err := s.ListJobs(ctx, models.JobFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, models.KindBulkUpload, page[0].Kind)
}

func testUpdateCounters(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 2))
	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)

	got, err := s.UpdateCounters(ctx, job.ID, models.CounterDelta{Processed: 1, Succeeded: 1, Label: "MPN-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedItems)
	assert.Equal(t, 1, got.SucceededItems)
	assert.Equal(t, "MPN-1", got.CurrentItemLabel)

	_, err = s.UpdateCounters(ctx, job.ID, models.CounterDelta{Processed: 1})
	assert.ErrorIs(t, err, models.ErrCounterOverflow, "processed must equal succeeded+failed")

	_, err = s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusPaused, models.TransitionMeta{})
	require.NoError(t, err)
	got, err = s.UpdateCounters(ctx, job.ID, models.CounterDelta{Processed: 1, Failed: 1})
	require.NoError(t, err, "in-flight items still commit while paused")
	assert.Equal(t, 2, got.ProcessedItems)
	assert.Equal(t, 1, got.FailedItems)
	assert.Equal(t, "MPN-1", got.CurrentItemLabel)

	_, err = s.UpdateCounters(ctx, job.ID, models.CounterDelta{Processed: 1, Succeeded: 1})
	assert.ErrorIs(t, err, models.ErrCounterOverflow)

	_, err = s.Transition(ctx, job.ID, models.StatusPaused, models.StatusCancelled, models.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.UpdateCounters(ctx, job.ID, models.CounterDelta{Processed: 0})
	assert.ErrorIs(t, err, models.ErrTerminal)

	_, err = s.UpdateCounters(ctx, "missing", models.CounterDelta{Processed: 1, Succeeded: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, s.SetCurrentItem(ctx, job.ID, "late"), models.ErrTerminal)
	assert.ErrorIs(t, s.SetCurrentItem(ctx, "missing", "x"), models.ErrNotFound)
	live := create(t, s, BOMJob("t", 1))
	require.NoError(t, s.SetCurrentItem(ctx, live.ID, "MPN-7"))
	got, err = s.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "MPN-7", got.CurrentItemLabel)
}

func testCommitItem(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 3))
	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)
	item := func(ref string) models.Item { return models.Item{ComponentRef: ref, PartNumber: "MPN-" + ref} }

	ev, err := s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 0, Item: item("c1")})
	require.NoError(t, err)
	assert.Equal(t, models.EventItemCompleted, ev.Type)
	assert.Equal(t, 1, ev.Snapshot.ProcessedItems)
	assert.Equal(t, 1, ev.Snapshot.SucceededItems)
	assert.Equal(t, "MPN-c1", ev.Snapshot.CurrentItemLabel)

	rec := failure(job.ID, "c2", "timed out", time.Now().UTC())
	ev, err = s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 1, Item: item("c2"), Failure: &rec})
	require.NoError(t, err)
	assert.Equal(t, models.EventItemFailed, ev.Type)
	assert.Equal(t, 1, ev.Snapshot.FailedItems)
	var p models.ItemPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, 1, p.Index)
	assert.Equal(t, models.ErrorTimeout, p.ErrorType)
	entry, err := s.GetEntry(ctx, p.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "c2", entry.ComponentRef)
	assert.Equal(t, job.ID, entry.JobID)

	stale := failure(job.ID, "c3", "late", time.Now().UTC())
	_, err = s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 1, Item: item("c3"), Failure: &stale})
	assert.ErrorIs(t, err, models.ErrCursorMoved, "an item index commits once")
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedItems)
	entries, err := s.ListEntries(ctx, models.EntryFilter{JobID: &job.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected commit leaves no error entry")
	evs, err := s.EventsAfter(ctx, job.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 2, Item: item("c3")})
	require.NoError(t, err)
	_, err = s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 3, Item: item("c4")})
	assert.ErrorIs(t, err, models.ErrCounterOverflow)

	_, err = s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusCancelled, models.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.CommitItem(ctx, models.ItemCommit{JobID: job.ID, Cursor: 3, Item: item("c4")})
	assert.ErrorIs(t, err, models.ErrTerminal)

	_, err = s.CommitItem(ctx, models.ItemCommit{JobID: "missing", Item: item("c1")})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 1))

	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusCompleted, models.TransitionMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusPaused, models.TransitionMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "stale from must lose the CAS")

	started, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)

	paused, err := s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusPaused, models.TransitionMeta{Actor: "ops@example.com"})
	require.NoError(t, err)
	require.NotNil(t, paused.PausedBy)
	assert.Equal(t, "ops@example.com", *paused.PausedBy)
	require.NotNil(t, paused.PausedAt)

	resumed, err := s.Transition(ctx, job.ID, models.StatusPaused, models.StatusProcessing, models.TransitionMeta{})
	require.NoError(t, err)
	require.NotNil(t, resumed.ResumedAt)

	cancelled, err := s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusCancelled, models.TransitionMeta{Actor: "ops", Reason: "duplicate upload"})
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "duplicate upload", *cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = s.Transition(ctx, job.ID, models.StatusCancelled, models.StatusProcessing, models.TransitionMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.Transition(ctx, "missing", models.StatusQueued, models.StatusProcessing, models.TransitionMeta{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testSystemicFailure(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 1))
	got, err := s.RecordSystemicFailure(ctx, job.ID, "redis unavailable")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "redis unavailable", *got.LastError)

	_, err = s.Transition(ctx, job.ID, models.StatusQueued, models.StatusCancelled, models.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.RecordSystemicFailure(ctx, job.ID, "again")
	assert.ErrorIs(t, err, models.ErrTerminal)
}

func failure(jobID, ref, msg string, at time.Time) models.FailureRecord {
	return models.FailureRecord{
		JobID:        jobID,
		ComponentRef: ref,
		PartNumber:   "MPN-" + ref,
		ErrorMessage: msg,
		ErrorType:    models.ErrorTimeout,
		At:           at,
	}
}

func testUpsertFailure(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobA := create(t, s, BOMJob("t", 1))
	jobB := create(t, s, BulkJob(10, 1))
	at := time.Now().UTC().Truncate(time.Millisecond)

	first, err := s.UpsertFailure(ctx, failure(jobA.ID, "cmp-1", "timeout", at))
	require.NoError(t, err)
	assert.Equal(t, models.EntryPending, first.Status)
	assert.Equal(t, 0, first.RetryCount)
	assert.Equal(t, 2, first.NextRetryDelaySeconds)
	require.NotNil(t, first.NextRetryAt)
	assert.WithinDuration(t, at.Add(2*time.Second), *first.NextRetryAt, time.Millisecond)

	second, err := s.UpsertFailure(ctx, failure(jobB.ID, "cmp-1", "rate limited", at.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "one unresolved entry per component")
	assert.Equal(t, "rate limited", second.ErrorMessage)
	assert.Equal(t, jobA.ID, second.JobID)
	assert.WithinDuration(t, *first.NextRetryAt, *second.NextRetryAt, time.Millisecond)

	pending := models.EntryPending
	entries, err := s.ListEntries(ctx, models.EntryFilter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = s.ResolveEntry(ctx, first.ID, at.Add(2*time.Second))
	require.NoError(t, err)
	fresh, err := s.UpsertFailure(ctx, failure(jobA.ID, "cmp-1", "again", at.Add(3*time.Second)))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID, "resolved entries leave the unique set")
	assert.Equal(t, 0, fresh.RetryCount)

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testRetryLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 1))
	at := time.Now().UTC().Truncate(time.Millisecond)
	entry, err := s.UpsertFailure(ctx, failure(job.ID, "cmp-9", "timeout", at))
	require.NoError(t, err)

	due, err := s.DueEntries(ctx, at.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "backoff not yet elapsed")

	now := at
	for i, want := range []int{4, 8, 16, 32} {
		now = now.Add(time.Duration(entry.NextRetryDelaySeconds) * time.Second)
		due, err = s.DueEntries(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1, "round %d", i)

		claimed, err := s.ClaimEntry(ctx, entry.ID, now)
		require.NoError(t, err)
		assert.Equal(t, models.EntryRetrying, claimed.Status)
		_, err = s.ClaimEntry(ctx, entry.ID, now)
		assert.ErrorIs(t, err, models.ErrAlreadyClaimed)

		entry, err = s.FailRetry(ctx, entry.ID, "still failing", models.ErrorAPI, now)
		require.NoError(t, err)
		assert.Equal(t, i+1, entry.RetryCount)
		assert.Equal(t, want, entry.NextRetryDelaySeconds)
		assert.Equal(t, models.EntryPending, entry.Status)
		assert.Equal(t, models.ErrorAPI, entry.ErrorType)
	}

	now = now.Add(time.Duration(entry.NextRetryDelaySeconds) * time.Second)
	_, err = s.ClaimEntry(ctx, entry.ID, now)
	require.NoError(t, err)
	entry, err = s.FailRetry(ctx, entry.ID, "gave up", models.ErrorAPI, now)
	require.NoError(t, err)
	assert.Equal(t, models.MaxAutoRetries, entry.RetryCount)
	assert.Equal(t, models.EntryMaxRetriesExceeded, entry.Status)
	assert.Nil(t, entry.NextRetryAt)

	due, err = s.DueEntries(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "frozen entries are never due")

	_, err = s.FailRetry(ctx, entry.ID, "x", models.ErrorAPI, now)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	abandoned, err := s.AbandonEntry(ctx, entry.ID, "reviewer", now)
	require.NoError(t, err)
	assert.Equal(t, models.EntryAbandoned, abandoned.Status)
	require.NotNil(t, abandoned.ReviewedBy)
	assert.Equal(t, "reviewer", *abandoned.ReviewedBy)

	_, err = s.AbandonEntry(ctx, entry.ID, "reviewer", now)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func testStaleAndPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 2))
	at := time.Now().UTC().Add(-time.Hour)

	stuck, err := s.UpsertFailure(ctx, failure(job.ID, "cmp-a", "timeout", at))
	require.NoError(t, err)
	_, err = s.ClaimEntry(ctx, stuck.ID, at.Add(3*time.Second))
	require.NoError(t, err)

	released, err := s.ReleaseStaleRetries(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)
	got, err := s.GetEntry(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryPending, got.Status)

	done, err := s.UpsertFailure(ctx, failure(job.ID, "cmp-b", "timeout", at))
	require.NoError(t, err)
	_, err = s.ResolveEntry(ctx, done.ID, at.Add(time.Second))
	require.NoError(t, err)

	purged, err := s.PurgeResolved(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = s.GetEntry(ctx, done.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetEntry(ctx, stuck.ID)
	assert.NoError(t, err, "unresolved entries are never purged")
}

func testEventSequencing(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 3))
	other := create(t, s, BulkJob(10, 1))

	var appended []models.ProgressEvent
	for i := 0; i < 3; i++ {
		job.ProcessedItems = i
		job.SucceededItems = i
		ev, err := models.NewEvent(job, models.EventItemCompleted, map[string]int{"index": i})
		require.NoError(t, err)
		stored, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), stored.Sequence)
		appended = append(appended, stored)

		otherEv, err := models.NewEvent(other, models.EventProgress, nil)
		require.NoError(t, err)
		_, err = s.AppendEvent(ctx, otherEv)
		require.NoError(t, err)
	}

	again, err := s.AppendEvent(ctx, appended[1])
	require.NoError(t, err)
	assert.Equal(t, appended[1].Sequence, again.Sequence, "re-appending an event id is a no-op")
	assert.Equal(t, appended[1].Position, again.Position)

	state, err := s.LatestState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, state.ProcessedItems)

	after, err := s.EventsAfter(ctx, job.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].Sequence)
	assert.JSONEq(t, `{"index":1}`, string(after[0].Payload))

	tail, err := s.TailEvents(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, tail, 6)
	for i := 1; i < len(tail); i++ {
		assert.Greater(t, tail[i].Position, tail[i-1].Position)
	}

	at, err := s.EventsAt(ctx, []int64{tail[4].Position, tail[1].Position, tail[5].Position + 100})
	require.NoError(t, err)
	require.Len(t, at, 2, "unknown positions are skipped")
	assert.Equal(t, tail[1].ID, at[0].ID)
	assert.Equal(t, tail[4].ID, at[1].ID)

	var seqs []int64
	for ev, err := range store.History(ctx, s, job.ID, 0, 2) {
		require.NoError(t, err)
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	_, err = s.LatestState(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	missing, err := models.NewEvent(models.Job{ID: "missing"}, models.EventStarted, nil)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, missing)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := create(t, s, BOMJob("t", 1))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := models.NewEvent(job, models.EventProgress, nil)
			if err == nil {
				_, err = s.AppendEvent(ctx, ev)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var seqs []int64
	for ev, err := range store.History(ctx, s, job.ID, 0, 3) {
		require.NoError(t, err)
		seqs = append(seqs, ev.Sequence)
	}
	require.Len(t, seqs, writers)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq, "sequence must be gap-free")
	}
}
