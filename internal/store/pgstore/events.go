package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

const eventColumns = `position, event_id, job_id, sequence, event_type, state, payload, created_at`

// sequenceAttempts bounds retries when two writers race for the same sequence.
const sequenceAttempts = 8

func scanEvent(row pgx.Row) (models.ProgressEvent, error) {
	var (
		ev         models.ProgressEvent
		typ        string
		state, raw []byte
	)
	if err := row.Scan(&ev.Position, &ev.ID, &ev.JobID, &ev.Sequence, &typ, &state, &raw, &ev.CreatedAt); err != nil {
		return models.ProgressEvent{}, err
	}
	ev.Type = models.EventType(typ)
	if err := json.Unmarshal(state, &ev.Snapshot); err != nil {
		return models.ProgressEvent{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if len(raw) > 0 {
		ev.Payload = raw
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// AppendEvent inserts ev with the next per-job sequence. The sequence is
// MAX+1 under the (job_id, sequence) unique constraint, so a lost race is
// retried rather than leaving a gap.
func (s *Store) AppendEvent(ctx context.Context, ev models.ProgressEvent) (models.ProgressEvent, error) {
	ev = store.PrepareEvent(ev, time.Now().UTC())
	for attempt := 0; attempt < sequenceAttempts; attempt++ {
		stored, retry, err := insertEvent(ctx, s.pool, ev)
		if !retry {
			return stored, err
		}
	}
	return models.ProgressEvent{}, fmt.Errorf("append event for job %s: sequence contention after %d attempts", ev.JobID, sequenceAttempts)
}

// appendEventTx appends inside tx. Each attempt runs under a savepoint so a
// sequence conflict does not abort the enclosing transaction.
func appendEventTx(ctx context.Context, tx pgx.Tx, ev models.ProgressEvent) (models.ProgressEvent, error) {
	ev = store.PrepareEvent(ev, time.Now().UTC())
	for attempt := 0; attempt < sequenceAttempts; attempt++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return models.ProgressEvent{}, fmt.Errorf("savepoint: %w", err)
		}
		stored, retry, err := insertEvent(ctx, sp, ev)
		if retry {
			if rerr := sp.Rollback(ctx); rerr != nil {
				return models.ProgressEvent{}, fmt.Errorf("rollback savepoint: %w", rerr)
			}
			continue
		}
		if err != nil {
			_ = sp.Rollback(ctx)
			return models.ProgressEvent{}, err
		}
		if err := sp.Commit(ctx); err != nil {
			return models.ProgressEvent{}, fmt.Errorf("release savepoint: %w", err)
		}
		return stored, nil
	}
	return models.ProgressEvent{}, fmt.Errorf("append event for job %s: sequence contention after %d attempts", ev.JobID, sequenceAttempts)
}

// insertEvent makes one attempt at appending ev. retry reports a lost race
// for the next sequence.
func insertEvent(ctx context.Context, q querier, ev models.ProgressEvent) (stored models.ProgressEvent, retry bool, err error) {
	state, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return models.ProgressEvent{}, false, fmt.Errorf("marshal state: %w", err)
	}
	row := q.QueryRow(ctx, `
		INSERT INTO progress_events (event_id, job_id, sequence, event_type, state, payload, created_at)
		SELECT $1, $2::text, COALESCE(MAX(sequence), 0) + 1, $3, $4, $5, $6
		FROM progress_events WHERE job_id = $2::text
		ON CONFLICT (event_id) DO NOTHING
		RETURNING `+eventColumns,
		ev.ID, ev.JobID, string(ev.Type), state, nullableJSON(ev.Payload), ev.CreatedAt)
	stored, err = scanEvent(row)
	switch {
	case err == nil:
		return stored, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		stored, err = eventByID(ctx, q, ev.ID)
		return stored, false, err
	}
	code, constraint := pgCode(err)
	if code == codeUniqueViolation && constraint == "progress_events_job_sequence" {
		return models.ProgressEvent{}, true, nil
	}
	if code == codeForeignKeyViolation {
		return models.ProgressEvent{}, false, fmt.Errorf("job %s: %w", ev.JobID, models.ErrNotFound)
	}
	return models.ProgressEvent{}, false, fmt.Errorf("append event: %w", err)
}

func eventByID(ctx context.Context, q querier, id string) (models.ProgressEvent, error) {
	ev, err := scanEvent(q.QueryRow(ctx, `SELECT `+eventColumns+` FROM progress_events WHERE event_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProgressEvent{}, fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("scan event: %w", err)
	}
	return ev, nil
}

// LatestState reads the snapshot of the newest event of a job.
func (s *Store) LatestState(ctx context.Context, jobID string) (models.StateSnapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM progress_events WHERE job_id = $1
		ORDER BY sequence DESC LIMIT 1`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StateSnapshot{}, fmt.Errorf("events of job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return models.StateSnapshot{}, fmt.Errorf("latest state: %w", err)
	}
	var snap models.StateSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return models.StateSnapshot{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, nil
}

func (s *Store) EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]models.ProgressEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM progress_events
		WHERE job_id = $1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3`, jobID, after, store.ClampLimit(limit))
}

func (s *Store) TailEvents(ctx context.Context, after int64, limit int) ([]models.ProgressEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM progress_events
		WHERE position > $1
		ORDER BY position ASC LIMIT $2`, after, store.ClampLimit(limit))
}

func (s *Store) EventsAt(ctx context.Context, positions []int64) ([]models.ProgressEvent, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM progress_events
		WHERE position = ANY($1)
		ORDER BY position ASC`, positions)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]models.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.ProgressEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
