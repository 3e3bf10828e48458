package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrichment-orchestrator/internal/models"
)

// PrepareNewJob validates a submitted job and fills the fields every backend
// assigns on insert: id, Queued status, zero counters and timestamps.
func PrepareNewJob(job models.Job, now time.Time) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	if err := job.Validate(); err != nil {
		return models.Job{}, err
	}
	job.Status = models.StatusQueued
	job.ProcessedItems, job.SucceededItems, job.FailedItems = 0, 0, 0
	job.RetryCount = 0
	job.CurrentItemLabel = ""
	job.LastError, job.PausedBy, job.CancelledBy, job.CancelReason = nil, nil, nil, nil
	job.StartedAt, job.PausedAt, job.ResumedAt, job.CompletedAt, job.CancelledAt = nil, nil, nil, nil, nil
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, nil
}

// PrepareEvent fills the id and timestamp of an event about to be appended.
func PrepareEvent(ev models.ProgressEvent, now time.Time) models.ProgressEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	return ev
}

// CommitRejection explains why the fenced counter update of c matched no row
// of the job, given its current state.
func CommitRejection(current models.Job, c models.ItemCommit) error {
	switch {
	case current.Status.Terminal():
		return fmt.Errorf("job %s is %s: %w", current.ID, current.Status, models.ErrTerminal)
	case current.ProcessedItems != c.Cursor:
		return fmt.Errorf("job %s at %d, commit expected %d: %w", current.ID, current.ProcessedItems, c.Cursor, models.ErrCursorMoved)
	default:
		return fmt.Errorf("job %s at %d/%d: %w", current.ID, current.ProcessedItems, current.TotalItems, models.ErrCounterOverflow)
	}
}
