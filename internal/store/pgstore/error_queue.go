package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

const entryColumns = `id, job_id, component_ref, part_number, error_message, error_type, retry_count,
	next_retry_delay_seconds, status, context_snapshot, reviewed_by, created_at, updated_at,
	last_failed_at, next_retry_at, resolved_at`

const unresolvedStatuses = `('pending', 'retrying', 'max_retries_exceeded')`

func scanEntry(row pgx.Row) (models.ErrorEntry, error) {
	var (
		e               models.ErrorEntry
		typ, status     string
		snapshot        []byte
		reviewer        pgtype.Text
		nextAt, resolve pgtype.Timestamptz
	)
	err := row.Scan(&e.ID, &e.JobID, &e.ComponentRef, &e.PartNumber, &e.ErrorMessage, &typ, &e.RetryCount,
		&e.NextRetryDelaySeconds, &status, &snapshot, &reviewer, &e.CreatedAt, &e.UpdatedAt,
		&e.LastFailedAt, &nextAt, &resolve)
	if err != nil {
		return models.ErrorEntry{}, err
	}
	e.ErrorType = models.ErrorType(typ)
	e.Status = models.EntryStatus(status)
	if len(snapshot) > 0 {
		e.ContextSnapshot = snapshot
	}
	e.ReviewedBy = textPtr(reviewer)
	e.CreatedAt, e.UpdatedAt, e.LastFailedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC(), e.LastFailedAt.UTC()
	e.NextRetryAt, e.ResolvedAt = timePtr(nextAt), timePtr(resolve)
	return e, nil
}

// UpsertFailure records an item failure. An unresolved entry of the same
// component is refreshed in place; otherwise a Pending entry at retry_count 0
// is inserted. A concurrent insert of the same pair falls back to the update.
func (s *Store) UpsertFailure(ctx context.Context, rec models.FailureRecord) (models.ErrorEntry, error) {
	return upsertFailure(ctx, s.pool, rec)
}

func upsertFailure(ctx context.Context, q querier, rec models.FailureRecord) (models.ErrorEntry, error) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	fresh := models.NewErrorEntry(uuid.New().String(), rec)

	row := q.QueryRow(ctx, `
		UPDATE error_queue_entries
		SET error_message = $2,
		    error_type = $3,
		    part_number = CASE WHEN $4::text = '' THEN part_number ELSE $4::text END,
		    context_snapshot = COALESCE($5::jsonb, context_snapshot),
		    last_failed_at = $6,
		    updated_at = $6
		WHERE component_ref = $1 AND status IN `+unresolvedStatuses+`
		RETURNING `+entryColumns,
		rec.ComponentRef, fresh.ErrorMessage, string(fresh.ErrorType), rec.PartNumber, nullableJSON(rec.ContextSnapshot), rec.At)
	e, err := scanEntry(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ErrorEntry{}, fmt.Errorf("update error entry: %w", err)
	}

	row = q.QueryRow(ctx, `
		INSERT INTO error_queue_entries (id, job_id, component_ref, part_number, error_message, error_type,
			retry_count, next_retry_delay_seconds, status, context_snapshot, created_at, updated_at,
			last_failed_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $11, $12)
		ON CONFLICT (component_ref, retry_count) WHERE status NOT IN ('resolved', 'abandoned')
		DO UPDATE SET error_message = EXCLUDED.error_message,
		              error_type = EXCLUDED.error_type,
		              context_snapshot = COALESCE(EXCLUDED.context_snapshot, error_queue_entries.context_snapshot),
		              last_failed_at = EXCLUDED.last_failed_at,
		              updated_at = EXCLUDED.updated_at
		RETURNING `+entryColumns,
		fresh.ID, fresh.JobID, fresh.ComponentRef, fresh.PartNumber, fresh.ErrorMessage, string(fresh.ErrorType),
		fresh.RetryCount, fresh.NextRetryDelaySeconds, string(fresh.Status), nullableJSON(fresh.ContextSnapshot),
		fresh.CreatedAt, fresh.NextRetryAt)
	e, err = scanEntry(row)
	if err != nil {
		if code, _ := pgCode(err); code == codeForeignKeyViolation {
			return models.ErrorEntry{}, fmt.Errorf("job %s: %w", rec.JobID, models.ErrNotFound)
		}
		return models.ErrorEntry{}, fmt.Errorf("insert error entry: %w", err)
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.ErrorEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM error_queue_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrorEntry{}, fmt.Errorf("error entry %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ErrorEntry{}, fmt.Errorf("scan error entry: %w", err)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, f models.EntryFilter) ([]models.ErrorEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.JobID != nil {
		args = append(args, *f.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM error_queue_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, store.ClampLimit(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return s.queryEntries(ctx, query, args...)
}

// DueEntries lists Pending entries whose backoff elapsed, oldest due first.
func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]models.ErrorEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM error_queue_entries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC, id ASC
		LIMIT $2`, now, store.ClampLimit(limit))
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]models.ErrorEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error entries: %w", err)
	}
	defer rows.Close()
	var out []models.ErrorEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ClaimEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE error_queue_entries SET status = 'retrying', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+entryColumns, id, now)
	e, err := scanEntry(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ErrorEntry{}, fmt.Errorf("claim error entry: %w", err)
	}
	current, gerr := s.GetEntry(ctx, id)
	if gerr != nil {
		return models.ErrorEntry{}, gerr
	}
	return models.ErrorEntry{}, fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrAlreadyClaimed)
}

func (s *Store) ResolveEntry(ctx context.Context, id string, now time.Time) (models.ErrorEntry, error) {
	return s.closeEntry(ctx, id, models.EntryResolved, nil, now)
}

func (s *Store) AbandonEntry(ctx context.Context, id string, actor string, now time.Time) (models.ErrorEntry, error) {
	var reviewer *string
	if actor != "" {
		reviewer = &actor
	}
	return s.closeEntry(ctx, id, models.EntryAbandoned, reviewer, now)
}

func (s *Store) closeEntry(ctx context.Context, id string, status models.EntryStatus, reviewer *string, now time.Time) (models.ErrorEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE error_queue_entries
		SET status = $2, reviewed_by = COALESCE($3, reviewed_by), resolved_at = $4, updated_at = $4, next_retry_at = NULL
		WHERE id = $1 AND status IN `+unresolvedStatuses+`
		RETURNING `+entryColumns, id, string(status), reviewer, now)
	e, err := scanEntry(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ErrorEntry{}, fmt.Errorf("close error entry: %w", err)
	}
	current, gerr := s.GetEntry(ctx, id)
	if gerr != nil {
		return models.ErrorEntry{}, gerr
	}
	return models.ErrorEntry{}, fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
}

// FailRetry advances a Retrying entry after its automatic retry failed.
func (s *Store) FailRetry(ctx context.Context, id string, msg string, typ models.ErrorType, now time.Time) (models.ErrorEntry, error) {
	current, err := s.GetEntry(ctx, id)
	if err != nil {
		return models.ErrorEntry{}, err
	}
	if current.Status != models.EntryRetrying {
		return models.ErrorEntry{}, fmt.Errorf("error entry %s is %s: %w", id, current.Status, models.ErrInvalidTransition)
	}
	next := current.AfterFailedRetry(msg, typ, now)
	row := s.pool.QueryRow(ctx, `
		UPDATE error_queue_entries
		SET retry_count = $3, next_retry_delay_seconds = $4, status = $5, error_message = $6, error_type = $7,
		    last_failed_at = $8, updated_at = $8, next_retry_at = $9
		WHERE id = $1 AND status = 'retrying' AND retry_count = $2
		RETURNING `+entryColumns,
		id, current.RetryCount, next.RetryCount, next.NextRetryDelaySeconds, string(next.Status),
		next.ErrorMessage, string(next.ErrorType), now, next.NextRetryAt)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrorEntry{}, fmt.Errorf("error entry %s changed concurrently: %w", id, models.ErrInvalidTransition)
	}
	if err != nil {
		if code, _ := pgCode(err); code == codeUniqueViolation {
			return models.ErrorEntry{}, fmt.Errorf("error entry %s: %w", id, models.ErrDuplicateEntry)
		}
		return models.ErrorEntry{}, fmt.Errorf("fail retry: %w", err)
	}
	return e, nil
}

func (s *Store) ReleaseStaleRetries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE error_queue_entries SET status = 'pending', updated_at = NOW()
		WHERE status = 'retrying' AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("release stale retries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM error_queue_entries
		WHERE status IN ('resolved', 'abandoned') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge error entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
