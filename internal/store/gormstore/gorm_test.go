package gormstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/store/storetest"
)

func TestGormStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return storetest.NewSQLite(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := storetest.NewSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestPartialIndexRejectsDuplicateUnresolvedPair(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewSQLite(t)
	job, err := s.CreateJob(ctx, storetest.BOMJob("t", 1))
	require.NoError(t, err)

	_, err = s.UpsertFailure(ctx, models.FailureRecord{JobID: job.ID, ComponentRef: "cmp-1", ErrorMessage: "x"})
	require.NoError(t, err)

	// Bypass the upsert path to prove the schema itself enforces uniqueness.
	err = s.DB().Exec(`INSERT INTO error_queue_entries
		(id, job_id, component_ref, error_type, retry_count, next_retry_delay_seconds, status, created_at, updated_at, last_failed_at)
		VALUES ('dup', ?, 'cmp-1', 'other', 0, 2, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, job.ID).Error
	assert.Error(t, err)

	err = s.DB().Exec(`INSERT INTO error_queue_entries
		(id, job_id, component_ref, error_type, retry_count, next_retry_delay_seconds, status, created_at, updated_at, last_failed_at)
		VALUES ('old', ?, 'cmp-1', 'other', 0, 2, 'resolved', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, job.ID).Error
	assert.NoError(t, err, "resolved rows are outside the unique set")
}
