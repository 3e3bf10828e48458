package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/telemetry"
)

const leaseExpiredReason = "lease expired"

// ReapExpired handles jobs whose holder stopped heartbeating before now. Each
// reaped job is charged one job-level retry. It returns the number of jobs reaped.
func (s *Scheduler) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.leases.Expired(ctx, now, int64(s.opts.ClaimBatch))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		job, err := s.store.GetJob(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		if job.Status != models.StatusProcessing {
			continue
		}
		if err := s.systemicFailure(ctx, id, leaseExpiredReason); err != nil {
			return reaped, err
		}
		reaped++
		telemetry.LeasesReaped.Inc()
		log.Warn().Str("job_id", id).Int("retry_count", job.RetryCount+1).Msg("expired lease reaped")
	}
	return reaped, nil
}
