package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// CommitItem records one dispatched item in a single transaction. The counter
// UPDATE holds the job row lock until commit, so the cursor check and the
// event append cannot interleave with another writer of the same job.
func (s *Store) CommitItem(ctx context.Context, c models.ItemCommit) (models.ProgressEvent, error) {
	delta := c.Delta()
	if err := delta.Validate(); err != nil {
		return models.ProgressEvent{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET processed_items = processed_items + $2,
		    succeeded_items = succeeded_items + $3,
		    failed_items = failed_items + $4,
		    current_item_label = $5,
		    updated_at = $6
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
		  AND processed_items = $7 AND processed_items + $2 <= total_items
		RETURNING `+jobColumns,
		c.JobID, delta.Processed, delta.Succeeded, delta.Failed, delta.Label, time.Now().UTC(), c.Cursor)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetJob(ctx, c.JobID)
		if gerr != nil {
			return models.ProgressEvent{}, gerr
		}
		return models.ProgressEvent{}, store.CommitRejection(current, c)
	}
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("update counters: %w", err)
	}

	var entry *models.ErrorEntry
	if c.Failure != nil {
		e, err := upsertFailure(ctx, tx, *c.Failure)
		if err != nil {
			return models.ProgressEvent{}, err
		}
		entry = &e
	}
	ev, err := c.Event(job, entry)
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("build %s event: %w", c.EventType(), err)
	}
	stored, err := appendEventTx(ctx, tx, ev)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ProgressEvent{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}
