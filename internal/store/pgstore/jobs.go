package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

const jobColumns = `id, kind, bom_id, bulk_upload_id, tenant_id, artifact_key, priority, status,
	total_items, processed_items, succeeded_items, failed_items, current_item_label,
	retry_count, max_retries, last_error, paused_by, cancelled_by, cancel_reason,
	created_at, updated_at, started_at, paused_at, resumed_at, completed_at, cancelled_at`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                                 models.Job
		kind, status                        string
		bomID, uploadID, tenant             pgtype.Text
		lastErr, pausedBy, cancelledBy, why pgtype.Text
		started, paused, resumed, done, cxl pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &kind, &bomID, &uploadID, &tenant, &job.ArtifactKey, &job.Priority, &status,
		&job.TotalItems, &job.ProcessedItems, &job.SucceededItems, &job.FailedItems, &job.CurrentItemLabel,
		&job.RetryCount, &job.MaxRetries, &lastErr, &pausedBy, &cancelledBy, &why,
		&job.CreatedAt, &job.UpdatedAt, &started, &paused, &resumed, &done, &cxl)
	if err != nil {
		return models.Job{}, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.BomID, job.BulkUploadID, job.TenantID = textPtr(bomID), textPtr(uploadID), textPtr(tenant)
	job.LastError, job.PausedBy, job.CancelledBy, job.CancelReason = textPtr(lastErr), textPtr(pausedBy), textPtr(cancelledBy), textPtr(why)
	job.CreatedAt, job.UpdatedAt = job.CreatedAt.UTC(), job.UpdatedAt.UTC()
	job.StartedAt, job.PausedAt, job.ResumedAt, job.CompletedAt, job.CancelledAt = timePtr(started), timePtr(paused), timePtr(resumed), timePtr(done), timePtr(cxl)
	return job, nil
}

// CreateJob inserts a Queued job.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := store.PrepareNewJob(job, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, bom_id, bulk_upload_id, tenant_id, artifact_key, priority, status,
			total_items, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+jobColumns,
		job.ID, string(job.Kind), job.BomID, job.BulkUploadID, job.TenantID, job.ArtifactKey, job.Priority,
		string(job.Status), job.TotalItems, job.MaxRetries, job.CreatedAt)
	created, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching f ordered by priority then age.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Priority != nil {
		add("priority = $%d", *f.Priority)
	}
	if f.Kind != nil {
		add("kind = $%d", string(*f.Kind))
	}
	if f.TenantID != nil {
		add("tenant_id = $%d", *f.TenantID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, store.ClampLimit(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY priority ASC, created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return s.queryJobs(ctx, query, args...)
}

// ClaimableJobs returns Queued and Processing jobs in selection order.
func (s *Store) ClaimableJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'processing')
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $1`, store.ClampLimit(limit))
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateCounters applies delta in a single guarded UPDATE.
func (s *Store) UpdateCounters(ctx context.Context, id string, delta models.CounterDelta) (models.Job, error) {
	if err := delta.Validate(); err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET processed_items = processed_items + $2,
		    succeeded_items = succeeded_items + $3,
		    failed_items = failed_items + $4,
		    current_item_label = CASE WHEN $5::text = '' THEN current_item_label ELSE $5::text END,
		    updated_at = $6
		WHERE id = $1 AND status NOT IN `+terminalStatuses+` AND processed_items + $2 <= total_items
		RETURNING `+jobColumns,
		id, delta.Processed, delta.Succeeded, delta.Failed, delta.Label, time.Now().UTC())
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update counters: %w", err)
	}
	current, gerr := s.GetJob(ctx, id)
	if gerr != nil {
		return models.Job{}, gerr
	}
	if current.Status.Terminal() {
		return models.Job{}, fmt.Errorf("job %s is %s: %w", id, current.Status, models.ErrTerminal)
	}
	return models.Job{}, fmt.Errorf("job %s at %d/%d: %w", id, current.ProcessedItems, current.TotalItems, models.ErrCounterOverflow)
}

// Transition moves id from -> to only if the row is still in from.
func (s *Store) Transition(ctx context.Context, id string, from, to models.JobStatus, meta models.TransitionMeta) (models.Job, error) {
	cols, err := store.TransitionColumns(from, to, meta)
	if err != nil {
		return models.Job{}, err
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	args := []any{id, string(from)}
	sets := make([]string, 0, len(names))
	for _, name := range names {
		args = append(args, cols[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}
	row := s.pool.QueryRow(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND status = $2 RETURNING `+jobColumns, args...)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("transition job: %w", err)
	}
	current, gerr := s.GetJob(ctx, id)
	if gerr != nil {
		return models.Job{}, gerr
	}
	return models.Job{}, fmt.Errorf("job %s is %s, not %s: %w", id, current.Status, from, models.ErrInvalidTransition)
}

func (s *Store) SetCurrentItem(ctx context.Context, id string, label string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET current_item_label = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN `+terminalStatuses, id, label, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set current item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("job %s: %w", id, models.ErrTerminal)
	}
	return nil
}

// RecordSystemicFailure increments retry_count on a non-terminal job.
func (s *Store) RecordSystemicFailure(ctx context.Context, id string, msg string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, last_error = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
		RETURNING `+jobColumns, id, msg, time.Now().UTC())
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("record systemic failure: %w", err)
	}
	if _, gerr := s.GetJob(ctx, id); gerr != nil {
		return models.Job{}, gerr
	}
	return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrTerminal)
}
