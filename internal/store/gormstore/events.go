package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

// AppendEvent assigns the next per-job sequence inside a transaction. The
// single SQLite connection serializes appenders.
func (s *Store) AppendEvent(ctx context.Context, ev models.ProgressEvent) (models.ProgressEvent, error) {
	var out models.ProgressEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = appendEvent(tx, ev)
		return err
	})
	return out, err
}

func appendEvent(tx *gorm.DB, ev models.ProgressEvent) (models.ProgressEvent, error) {
	ev = store.PrepareEvent(ev, time.Now().UTC())
	state, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("marshal state: %w", err)
	}
	var existing eventRow
	err = tx.Where("event_id = ?", ev.ID).First(&existing).Error
	if err == nil {
		return existing.model()
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ProgressEvent{}, fmt.Errorf("lookup event: %w", err)
	}
	if err := jobExists(tx, ev.JobID); err != nil {
		return models.ProgressEvent{}, err
	}
	var last int64
	if err := tx.Model(&eventRow{}).Where("job_id = ?", ev.JobID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return models.ProgressEvent{}, fmt.Errorf("next sequence: %w", err)
	}
	row := eventRow{
		EventID:   ev.ID,
		JobID:     ev.JobID,
		Sequence:  last + 1,
		EventType: string(ev.Type),
		State:     state,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.ProgressEvent{}, fmt.Errorf("append event: %w", err)
	}
	return row.model()
}

func (s *Store) LatestState(ctx context.Context, jobID string) (models.StateSnapshot, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence DESC").First(&row).Error
	if err != nil {
		return models.StateSnapshot{}, notFound(err, "events of job", jobID)
	}
	var snap models.StateSnapshot
	if err := json.Unmarshal(row.State, &snap); err != nil {
		return models.StateSnapshot{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, nil
}

func (s *Store) EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]models.ProgressEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND sequence > ?", jobID, after).
		Order("sequence ASC").
		Limit(store.ClampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return eventModels(rows)
}

func (s *Store) TailEvents(ctx context.Context, after int64, limit int) ([]models.ProgressEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("position > ?", after).
		Order("position ASC").
		Limit(store.ClampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return eventModels(rows)
}

func (s *Store) EventsAt(ctx context.Context, positions []int64) ([]models.ProgressEvent, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	var rows []eventRow
	err := s.db.WithContext(ctx).Where("position IN ?", positions).Order("position ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return eventModels(rows)
}

func eventModels(rows []eventRow) ([]models.ProgressEvent, error) {
	out := make([]models.ProgressEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", r.EventID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
