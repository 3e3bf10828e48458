// Package store defines the persistence contracts shared by the PostgreSQL and
// GORM backends: jobs, the error queue and the progress event log.
package store

import (
	"context"
	"iter"
	"time"

	"enrichment-orchestrator/internal/models"
)

// JobStore is the durable record of enrichment jobs.
type JobStore interface {
	// CreateJob inserts a Queued job, assigning ID and timestamps.
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ListJobs returns jobs matching f in selection order.
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
	// ClaimableJobs returns Queued and Processing jobs ordered by priority then creation time.
	ClaimableJobs(ctx context.Context, limit int) ([]models.Job, error)
	// UpdateCounters applies delta atomically. It fails with models.ErrTerminal on
	// terminal jobs and models.ErrCounterOverflow when processed would exceed total.
	UpdateCounters(ctx context.Context, id string, delta models.CounterDelta) (models.Job, error)
	// Transition is a compare-and-swap on status returning models.ErrInvalidTransition
	// when the current status is not from or the move is not allowed.
	Transition(ctx context.Context, id string, from, to models.JobStatus, meta models.TransitionMeta) (models.Job, error)
	// SetCurrentItem records the label of the item being enriched on a non-terminal job.
	SetCurrentItem(ctx context.Context, id string, label string) error
	// RecordSystemicFailure bumps the job-level retry count and stores the error.
	RecordSystemicFailure(ctx context.Context, id string, msg string) (models.Job, error)
}

// ErrorStore persists ErrorQueue entries. Uniqueness of unresolved
// (component_ref, retry_count) pairs is enforced by the schema.
type ErrorStore interface {
	// UpsertFailure updates the unresolved entry of the component in place, or
	// inserts a new Pending entry at retry_count 0.
	UpsertFailure(ctx context.Context, rec models.FailureRecord) (models.ErrorEntry, error)
	GetEntry(ctx context.Context, id string) (models.ErrorEntry, error)
	ListEntries(ctx context.Context, f models.EntryFilter) ([]models.ErrorEntry, error)
	// DueEntries lists Pending entries whose next retry time is at or before now.
	DueEntries(ctx context.Context, now time.Time, limit int) ([]models.ErrorEntry, error)
	// ClaimEntry moves a Pending entry to Retrying, or returns models.ErrAlreadyClaimed.
	ClaimEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error)
	ResolveEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error)
	// FailRetry records a failed automatic retry of a Retrying entry.
	FailRetry(ctx context.Context, id string, msg string, typ models.ErrorType, now time.Time) (models.ErrorEntry, error)
	AbandonEntry(ctx context.Context, id string, actor string, now time.Time) (models.ErrorEntry, error)
	// ReleaseStaleRetries returns Retrying entries untouched since before to Pending.
	ReleaseStaleRetries(ctx context.Context, before time.Time) (int64, error)
	// PurgeResolved deletes Resolved/Abandoned entries last updated before cutoff.
	PurgeResolved(ctx context.Context, before time.Time) (int64, error)
}

// EventLog is the append-only progress log.
type EventLog interface {
	// AppendEvent assigns event id (if empty), per-job sequence, log position and
	// created_at. Re-appending a known event id returns the stored event.
	AppendEvent(ctx context.Context, ev models.ProgressEvent) (models.ProgressEvent, error)
	// LatestState returns the snapshot of the event with the highest sequence.
	LatestState(ctx context.Context, jobID string) (models.StateSnapshot, error)
	// EventsAfter returns up to limit events of a job with sequence > after, ascending.
	EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]models.ProgressEvent, error)
	// TailEvents returns up to limit events of all jobs with position > after, ascending.
	TailEvents(ctx context.Context, after int64, limit int) ([]models.ProgressEvent, error)
	// EventsAt returns the events stored at the given log positions, ascending.
	// Positions with no event are skipped.
	EventsAt(ctx context.Context, positions []int64) ([]models.ProgressEvent, error)
}

// ItemCommitter records dispatched items.
type ItemCommitter interface {
	// CommitItem applies the item's counter delta, upserts the error entry of
	// a failed item and appends its ItemCompleted or ItemFailed event in one
	// transaction; nothing is written when any step fails. The counter update
	// only lands while processed_items equals c.Cursor, otherwise it returns
	// models.ErrCursorMoved. Terminal jobs return models.ErrTerminal.
	CommitItem(ctx context.Context, c models.ItemCommit) (models.ProgressEvent, error)
}

// Store bundles the three tables behind one backend.
type Store interface {
	JobStore
	ErrorStore
	EventLog
	ItemCommitter
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultHistoryPage = 100

// History lazily walks a job's events after the since cursor. Pages are fetched
// on demand so a caller can stop early and later restart from the last sequence seen.
func History(ctx context.Context, log EventLog, jobID string, since int64, pageSize int) iter.Seq2[models.ProgressEvent, error] {
	if pageSize <= 0 {
		pageSize = defaultHistoryPage
	}
	pageSize = ClampLimit(pageSize)
	return func(yield func(models.ProgressEvent, error) bool) {
		cursor := since
		for {
			page, err := log.EventsAfter(ctx, jobID, cursor, pageSize)
			if err != nil {
				yield(models.ProgressEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.Sequence
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// ClampLimit applies the listing defaults used by both backends.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
