package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// CommitItem records one dispatched item in a single transaction.
func (s *Store) CommitItem(ctx context.Context, c models.ItemCommit) (models.ProgressEvent, error) {
	delta := c.Delta()
	if err := delta.Validate(); err != nil {
		return models.ProgressEvent{}, err
	}
	var out models.ProgressEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status NOT IN ? AND processed_items = ? AND processed_items + ? <= total_items",
				c.JobID, terminalStatuses, c.Cursor, delta.Processed).
			Updates(map[string]any{
				"processed_items":    gorm.Expr("processed_items + ?", delta.Processed),
				"succeeded_items":    gorm.Expr("succeeded_items + ?", delta.Succeeded),
				"failed_items":       gorm.Expr("failed_items + ?", delta.Failed),
				"current_item_label": delta.Label,
				"updated_at":         time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("update counters: %w", res.Error)
		}
		job, err := getJob(tx, c.JobID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return store.CommitRejection(job, c)
		}

		var entry *models.ErrorEntry
		if c.Failure != nil {
			e, err := upsertFailure(tx, *c.Failure)
			if err != nil {
				return err
			}
			entry = &e
		}
		ev, err := c.Event(job, entry)
		if err != nil {
			return fmt.Errorf("build %s event: %w", c.EventType(), err)
		}
		out, err = appendEvent(tx, ev)
		return err
	})
	return out, err
}
