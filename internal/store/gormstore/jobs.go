package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// CreateJob inserts a Queued job.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := store.PrepareNewJob(job, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	row := jobToRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return row.model(), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(s.db.WithContext(ctx), id)
}

func getJob(db *gorm.DB, id string) (models.Job, error) {
	var row jobRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return models.Job{}, notFound(err, "job", id)
	}
	return row.model(), nil
}

func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.Priority != nil {
		q = q.Where("priority = ?", *f.Priority)
	}
	if f.Kind != nil {
		q = q.Where("kind = ?", string(*f.Kind))
	}
	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	var rows []jobRow
	err := q.Order("priority ASC, created_at ASC, id ASC").
		Limit(store.ClampLimit(f.Limit)).
		Offset(max(f.Offset, 0)).
		Find(&rows).Error
	return jobModels(rows), err
}

// ClaimableJobs returns Queued and Processing jobs in selection order.
func (s *Store) ClaimableJobs(ctx context.Context, limit int) ([]models.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(models.StatusQueued), string(models.StatusProcessing)}).
		Order("priority ASC, created_at ASC, id ASC").
		Limit(store.ClampLimit(limit)).
		Find(&rows).Error
	return jobModels(rows), err
}

func jobModels(rows []jobRow) []models.Job {
	out := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

// UpdateCounters applies delta under the same guards as the SQL backend.
func (s *Store) UpdateCounters(ctx context.Context, id string, delta models.CounterDelta) (models.Job, error) {
	if err := delta.Validate(); err != nil {
		return models.Job{}, err
	}
	var out models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"processed_items": gorm.Expr("processed_items + ?", delta.Processed),
			"succeeded_items": gorm.Expr("succeeded_items + ?", delta.Succeeded),
			"failed_items":    gorm.Expr("failed_items + ?", delta.Failed),
			"updated_at":      time.Now().UTC(),
		}
		if delta.Label != "" {
			updates["current_item_label"] = delta.Label
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status NOT IN ? AND processed_items + ? <= total_items", id, terminalStatuses, delta.Processed).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update counters: %w", res.Error)
		}
		current, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			if current.Status.Terminal() {
				return fmt.Errorf("job %s is %s: %w", id, current.Status, models.ErrTerminal)
			}
			return fmt.Errorf("job %s at %d/%d: %w", id, current.ProcessedItems, current.TotalItems, models.ErrCounterOverflow)
		}
		out = current
		return nil
	})
	return out, err
}

// Transition moves id from -> to only if the row is still in from.
func (s *Store) Transition(ctx context.Context, id string, from, to models.JobStatus, meta models.TransitionMeta) (models.Job, error) {
	cols, err := store.TransitionColumns(from, to, meta)
	if err != nil {
		return models.Job{}, err
	}
	var out models.Job
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).Where("id = ? AND status = ?", id, string(from)).Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("transition job: %w", res.Error)
		}
		current, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s is %s, not %s: %w", id, current.Status, from, models.ErrInvalidTransition)
		}
		out = current
		return nil
	})
	return out, err
}

func (s *Store) SetCurrentItem(ctx context.Context, id string, label string) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{"current_item_label": label, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set current item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w", id, models.ErrTerminal)
	}
	return nil
}

func (s *Store) RecordSystemicFailure(ctx context.Context, id string, msg string) (models.Job, error) {
	var out models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatuses).
			Updates(map[string]any{
				"retry_count": gorm.Expr("retry_count + 1"),
				"last_error":  msg,
				"updated_at":  time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("record systemic failure: %w", res.Error)
		}
		current, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", id, models.ErrTerminal)
		}
		out = current
		return nil
	})
	return out, err
}

func jobExists(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&jobRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}
