// Package errorqueue tracks failing components, schedules their automatic
// retries with exponential backoff and exposes the manual review operations.
package errorqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/enrich"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// Queue is the ErrorQueue service over an ErrorStore.
type Queue struct {
	store store.ErrorStore
	now   func() time.Time
}

func New(st store.ErrorStore) *Queue {
	return &Queue{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// RecordFailure registers an item failure for the component. The error type
// is taken from err when the record does not carry one.
func (q *Queue) RecordFailure(ctx context.Context, rec models.FailureRecord, err error) (models.ErrorEntry, error) {
	rec, verr := q.Failure(rec, err)
	if verr != nil {
		return models.ErrorEntry{}, verr
	}
	entry, serr := q.store.UpsertFailure(ctx, rec)
	if serr != nil {
		return models.ErrorEntry{}, fmt.Errorf("record failure of %s: %w", rec.ComponentRef, serr)
	}
	log.Debug().Str("entry_id", entry.ID).Str("job_id", rec.JobID).Str("component_ref", rec.ComponentRef).
		Str("error_type", string(entry.ErrorType)).Int("retry_count", entry.RetryCount).Msg("item failure recorded")
	return entry, nil
}

// Failure completes rec from err the way RecordFailure stores it, for callers
// that write the entry inside their own transaction.
func (q *Queue) Failure(rec models.FailureRecord, err error) (models.FailureRecord, error) {
	if rec.ComponentRef == "" {
		return models.FailureRecord{}, fmt.Errorf("%w: component_ref is required", models.ErrInvalidJob)
	}
	if rec.ErrorType == "" {
		rec.ErrorType = enrich.Classify(err)
	}
	if rec.ErrorType == "" {
		rec.ErrorType = models.ErrorOther
	}
	if rec.ErrorMessage == "" && err != nil {
		rec.ErrorMessage = err.Error()
	}
	if rec.At.IsZero() {
		rec.At = q.now()
	}
	return rec, nil
}

// DueForRetry returns ids of Pending entries whose backoff elapsed at now.
func (q *Queue) DueForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	entries, err := q.store.DueEntries(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due entries: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (q *Queue) Get(ctx context.Context, id string) (models.ErrorEntry, error) {
	return q.store.GetEntry(ctx, id)
}

func (q *Queue) List(ctx context.Context, f models.EntryFilter) ([]models.ErrorEntry, error) {
	return q.store.ListEntries(ctx, f)
}

// Abandon closes an unresolved entry after manual review.
func (q *Queue) Abandon(ctx context.Context, id, actor string) (models.ErrorEntry, error) {
	entry, err := q.store.AbandonEntry(ctx, id, actor, q.now())
	if err != nil {
		return models.ErrorEntry{}, err
	}
	log.Info().Str("entry_id", id).Str("actor", actor).Msg("error entry abandoned")
	return entry, nil
}

// Reopen starts a fresh automatic retry cycle for a component. The reviewed
// entry is abandoned (unless it already was) and a new Pending entry at
// retry_count 0 takes its place.
func (q *Queue) Reopen(ctx context.Context, id, actor string) (models.ErrorEntry, error) {
	entry, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return models.ErrorEntry{}, err
	}
	switch entry.Status {
	case models.EntryResolved:
		return models.ErrorEntry{}, fmt.Errorf("error entry %s is resolved: %w", id, models.ErrInvalidTransition)
	case models.EntryAbandoned:
	default:
		if _, err := q.store.AbandonEntry(ctx, id, actor, q.now()); err != nil {
			return models.ErrorEntry{}, err
		}
	}
	fresh, err := q.store.UpsertFailure(ctx, models.FailureRecord{
		JobID:           entry.JobID,
		ComponentRef:    entry.ComponentRef,
		PartNumber:      entry.PartNumber,
		ErrorMessage:    entry.ErrorMessage,
		ErrorType:       entry.ErrorType,
		ContextSnapshot: entry.ContextSnapshot,
		At:              q.now(),
	})
	if err != nil {
		return models.ErrorEntry{}, fmt.Errorf("reopen %s: %w", id, err)
	}
	log.Info().Str("entry_id", id).Str("new_entry_id", fresh.ID).Str("actor", actor).Msg("error entry reopened")
	return fresh, nil
}

// Purge deletes Resolved and Abandoned entries older than retention.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return q.store.PurgeResolved(ctx, q.now().Add(-retention))
}

// ReleaseStale returns entries stuck in Retrying for longer than timeout to Pending.
func (q *Queue) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	return q.store.ReleaseStaleRetries(ctx, q.now().Add(-timeout))
}

// IsConflict reports errors a retry worker skips silently.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrAlreadyClaimed) || errors.Is(err, models.ErrInvalidTransition)
}
