package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// UpsertFailure refreshes the unresolved entry of the component, or inserts
// a Pending entry at retry_count 0.
func (s *Store) UpsertFailure(ctx context.Context, rec models.FailureRecord) (models.ErrorEntry, error) {
	var out models.ErrorEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = upsertFailure(tx, rec)
		return err
	})
	return out, err
}

func upsertFailure(tx *gorm.DB, rec models.FailureRecord) (models.ErrorEntry, error) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	existing, err := unresolvedFor(tx, rec.ComponentRef)
	if err != nil {
		return models.ErrorEntry{}, err
	}
	if existing != nil {
		return refreshEntry(tx, *existing, rec)
	}
	if err := jobExists(tx, rec.JobID); err != nil {
		return models.ErrorEntry{}, err
	}
	row := entryToRow(models.NewErrorEntry(uuid.New().String(), rec))
	if err := tx.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrorEntry{}, fmt.Errorf("component %s: %w", rec.ComponentRef, models.ErrDuplicateEntry)
		}
		return models.ErrorEntry{}, fmt.Errorf("insert error entry: %w", err)
	}
	return row.model(), nil
}

func unresolvedFor(tx *gorm.DB, componentRef string) (*entryRow, error) {
	var rows []entryRow
	err := tx.Where("component_ref = ? AND status IN ?", componentRef, unresolvedStatuses).
		Order("retry_count DESC").Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func refreshEntry(tx *gorm.DB, row entryRow, rec models.FailureRecord) (models.ErrorEntry, error) {
	updates := map[string]any{
		"error_message":  rec.ErrorMessage,
		"last_failed_at": rec.At,
		"updated_at":     rec.At,
	}
	if rec.ErrorType != "" {
		updates["error_type"] = string(rec.ErrorType)
	} else {
		updates["error_type"] = string(models.ErrorOther)
	}
	if rec.PartNumber != "" {
		updates["part_number"] = rec.PartNumber
	}
	if len(rec.ContextSnapshot) > 0 {
		updates["context_snapshot"] = []byte(rec.ContextSnapshot)
	}
	if err := tx.Model(&entryRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return models.ErrorEntry{}, fmt.Errorf("update error entry: %w", err)
	}
	return getEntry(tx, row.ID)
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.ErrorEntry, error) {
	return getEntry(s.db.WithContext(ctx), id)
}

func getEntry(db *gorm.DB, id string) (models.ErrorEntry, error) {
	var row entryRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return models.ErrorEntry{}, notFound(err, "error entry", id)
	}
	return row.model(), nil
}

func (s *Store) ListEntries(ctx context.Context, f models.EntryFilter) ([]models.ErrorEntry, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{})
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.JobID != nil {
		q = q.Where("job_id = ?", *f.JobID)
	}
	var rows []entryRow
	err := q.Order("created_at DESC, id ASC").Limit(store.ClampLimit(f.Limit)).Offset(max(f.Offset, 0)).Find(&rows).Error
	return entryModels(rows), err
}

func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]models.ErrorEntry, error) {
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", string(models.EntryPending), now.UTC()).
		Order("next_retry_at ASC, id ASC").
		Limit(store.ClampLimit(limit)).
		Find(&rows).Error
	return entryModels(rows), err
}

func entryModels(rows []entryRow) []models.ErrorEntry {
	out := make([]models.ErrorEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

func (s *Store) ClaimEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error) {
	var out models.ErrorEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entryRow{}).
			Where("id = ? AND status = ?", id, string(models.EntryPending)).
			Updates(map[string]any{"status": string(models.EntryRetrying), "updated_at": now.UTC()})
		if res.Error != nil {
			return fmt.Errorf("claim error entry: %w", res.Error)
		}
		current, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrAlreadyClaimed)
		}
		out = current
		return nil
	})
	return out, err
}

func (s *Store) ResolveEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error) {
	return s.closeEntry(ctx, id, models.EntryResolved, "", now)
}

func (s *Store) AbandonEntry(ctx context.Context, id string, actor string, now time.Time) (models.ErrorEntry, error) {
	return s.closeEntry(ctx, id, models.EntryAbandoned, actor, now)
}

func (s *Store) closeEntry(ctx context.Context, id string, status models.EntryStatus, actor string, now time.Time) (models.ErrorEntry, error) {
	var out models.ErrorEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":        string(status),
			"resolved_at":   now.UTC(),
			"updated_at":    now.UTC(),
			"next_retry_at": nil,
		}
		if actor != "" {
			updates["reviewed_by"] = actor
		}
		res := tx.Model(&entryRow{}).Where("id = ? AND status IN ?", id, unresolvedStatuses).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("close error entry: %w", res.Error)
		}
		current, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
		}
		out = current
		return nil
	})
	return out, err
}

func (s *Store) FailRetry(ctx context.Context, id string, msg string, typ models.ErrorType, now time.Time) (models.ErrorEntry, error) {
	var out models.ErrorEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if current.Status != models.EntryRetrying {
			return fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
		}
		next := current.AfterFailedRetry(msg, typ, now.UTC())
		res := tx.Model(&entryRow{}).
			Where("id = ? AND status = ? AND retry_count = ?", id, string(models.EntryRetrying), current.RetryCount).
			Updates(map[string]any{
				"retry_count":              next.RetryCount,
				"next_retry_delay_seconds": next.NextRetryDelaySeconds,
				"status":                   string(next.Status),
				"error_message":            next.ErrorMessage,
				"error_type":               string(next.ErrorType),
				"last_failed_at":           next.LastFailedAt,
				"updated_at":               next.UpdatedAt,
				"next_retry_at":            next.NextRetryAt,
			})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("error entry %s: %w", id, models.ErrDuplicateEntry)
			}
			return fmt.Errorf("fail retry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("error entry %s changed concurrently: %w", id, models.ErrInvalidTransition)
		}
		out, err = getEntry(tx, id)
		return err
	})
	return out, err
}

func (s *Store) ReleaseStaleRetries(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&entryRow{}).
		Where("status = ? AND updated_at < ?", string(models.EntryRetrying), before.UTC()).
		Updates(map[string]any{"status": string(models.EntryPending), "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

func (s *Store) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(models.EntryResolved), string(models.EntryAbandoned)}, before.UTC()).
		Delete(&entryRow{})
	return res.RowsAffected, res.Error
}
