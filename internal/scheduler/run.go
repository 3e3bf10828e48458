package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/telemetry"
)

// errSuspended marks a run that stopped because the job left Processing.
var errSuspended = errors.New("job no longer processing")

type outcome struct {
	item models.Item
	err  error
}

// Run drives a claimed job until it is finalized, suspended by an admin
// operation, hits a systemic error or ctx is cancelled. The caller must hold
// the lease from Claim. Run returns nil for every outcome recorded on the job;
// shutdown returns ctx's error and a lost lease returns models.ErrLeaseLost.
func (s *Scheduler) Run(ctx context.Context, job models.Job) error {
	logger := log.With().Str("job_id", job.ID).Str("worker_id", s.opts.WorkerID).Logger()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(runCtx, cancel, job.ID)
	}()

	err := s.dispatch(runCtx, job, logger)
	cancel(nil)
	wg.Wait()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSuspended):
		logger.Info().Msg("job suspended, releasing claim")
		s.release(ctx, job.ID)
		return nil
	case errors.Is(err, models.ErrLeaseLost):
		logger.Warn().Msg("lease lost, abandoning run")
		return err
	case errors.Is(err, models.ErrCursorMoved):
		logger.Warn().Err(err).Msg("job advanced by another writer, releasing claim")
		s.release(ctx, job.ID)
		return nil
	case ctx.Err() != nil:
		logger.Info().Msg("shutdown, releasing claim")
		s.release(ctx, job.ID)
		return ctx.Err()
	default:
		logger.Error().Err(err).Msg("systemic job failure")
		if serr := s.systemicFailure(context.WithoutCancel(ctx), job.ID, err.Error()); serr != nil {
			logger.Error().Err(serr).Msg("record systemic failure")
		}
		s.release(ctx, job.ID)
		return nil
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.leases.Renew(ctx, jobID, s.opts.WorkerID)
			if errors.Is(err, models.ErrLeaseLost) {
				cancel(err)
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("lease heartbeat failed")
			}
		}
	}
}

// dispatch processes windows of up to ItemConcurrency items, committing each
// window's results in item order. Every commit is fenced twice: the lease must
// still be ours and the job's processed count must equal the item index.
func (s *Scheduler) dispatch(ctx context.Context, job models.Job, logger zerolog.Logger) error {
	next, stop := iter.Pull2(s.items.Items(ctx, job, job.ProcessedItems))
	defer stop()

	index := job.ProcessedItems
	for {
		current, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			return s.interrupted(ctx, err)
		}
		if current.Status != models.StatusProcessing {
			return errSuspended
		}
		if current.ProcessedItems != index {
			return fmt.Errorf("job %s at %d, worker at %d: %w", job.ID, current.ProcessedItems, index, models.ErrCursorMoved)
		}
		remaining := current.TotalItems - current.ProcessedItems
		if remaining <= 0 {
			return s.finalize(ctx, job.ID, logger)
		}

		window := make([]models.Item, 0, min(s.opts.ItemConcurrency, remaining))
		for len(window) < cap(window) {
			item, err, ok := next()
			if !ok {
				break
			}
			if err != nil {
				return s.interrupted(ctx, fmt.Errorf("read items: %w", err))
			}
			window = append(window, item)
		}
		if len(window) == 0 {
			logger.Warn().Int("processed", current.ProcessedItems).Int("total", current.TotalItems).Msg("item source exhausted early")
			return s.finalize(ctx, job.ID, logger)
		}

		if err := s.store.SetCurrentItem(ctx, job.ID, window[0].DisplayLabel()); err != nil {
			if errors.Is(err, models.ErrTerminal) {
				return errSuspended
			}
			return s.interrupted(ctx, err)
		}

		results := s.enrichWindow(ctx, window)
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		for _, r := range results {
			if err := s.leases.Renew(ctx, job.ID, s.opts.WorkerID); err != nil {
				return s.interrupted(ctx, err)
			}
			if err := s.commit(ctx, job.ID, index, r); err != nil {
				if errors.Is(err, models.ErrTerminal) {
					return errSuspended
				}
				return s.interrupted(ctx, err)
			}
			index++
		}
	}
}

// interrupted prefers the context cause over the error a cancelled call produced.
func (s *Scheduler) interrupted(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func (s *Scheduler) enrichWindow(ctx context.Context, window []models.Item) []outcome {
	results := make([]outcome, len(window))
	if len(window) == 1 {
		_, err := s.enricher.Enrich(ctx, window[0])
		results[0] = outcome{item: window[0], err: err}
		return results
	}
	var wg sync.WaitGroup
	for i, item := range window {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.enricher.Enrich(ctx, item)
			results[i] = outcome{item: item, err: err}
		}()
	}
	wg.Wait()
	return results
}

func (s *Scheduler) commit(ctx context.Context, jobID string, index int, r outcome) error {
	c := models.ItemCommit{JobID: jobID, Cursor: index, Item: r.item}
	result := "succeeded"
	if r.err != nil {
		rec, err := s.errors.Failure(models.FailureRecord{
			JobID:        jobID,
			ComponentRef: r.item.ComponentRef,
			PartNumber:   r.item.PartNumber,
		}, r.err)
		if err != nil {
			return err
		}
		c.Failure = &rec
		result = "failed"
	}
	ev, err := s.store.CommitItem(ctx, c)
	if err != nil {
		return fmt.Errorf("commit item %d: %w", index, err)
	}
	telemetry.ItemsProcessed.WithLabelValues(result).Inc()
	telemetry.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

type finalPayload struct {
	FailureRate float64 `json:"failure_rate"`
	Threshold   float64 `json:"threshold"`
	Reason      string  `json:"reason,omitempty"`
}

// finalize moves a fully dispatched job to Completed or Failed and appends the
// single closing event. Losing the race to an admin operation is not an error.
func (s *Scheduler) finalize(ctx context.Context, jobID string, logger zerolog.Logger) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusProcessing {
		return errSuspended
	}

	to := models.StatusCompleted
	payload := finalPayload{FailureRate: job.FailureRate(), Threshold: s.opts.FailureRateThreshold}
	switch {
	case job.ProcessedItems < job.TotalItems:
		to = models.StatusFailed
		payload.Reason = fmt.Sprintf("item source ended after %d of %d items", job.ProcessedItems, job.TotalItems)
	case payload.FailureRate > s.opts.FailureRateThreshold:
		to = models.StatusFailed
		payload.Reason = fmt.Sprintf("failure rate %.2f above threshold %.2f", payload.FailureRate, s.opts.FailureRateThreshold)
	}

	done, err := s.store.Transition(ctx, jobID, models.StatusProcessing, to,
		models.TransitionMeta{Actor: s.opts.WorkerID, Reason: payload.Reason, At: time.Now().UTC()})
	if errors.Is(err, models.ErrInvalidTransition) {
		return errSuspended
	}
	if err != nil {
		return err
	}
	evType := models.EventCompleted
	if to == models.StatusFailed {
		evType = models.EventFailed
	}
	if err := s.emit(ctx, done, evType, payload); err != nil {
		return err
	}
	telemetry.JobsFinalized.WithLabelValues(string(to)).Inc()
	logger.Info().Str("status", string(to)).Int("succeeded", done.SucceededItems).Int("failed", done.FailedItems).Msg("job finalized")
	s.release(ctx, jobID)
	return nil
}

type releasePayload struct {
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// systemicFailure charges a job-level retry. The job fails once retry_count
// exceeds max_retries; otherwise it stays claimable for another worker.
func (s *Scheduler) systemicFailure(ctx context.Context, jobID, msg string) error {
	job, err := s.store.RecordSystemicFailure(ctx, jobID, msg)
	if errors.Is(err, models.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	payload := releasePayload{Reason: msg, RetryCount: job.RetryCount, MaxRetries: job.MaxRetries}
	if job.RetryCount > job.MaxRetries && job.Status == models.StatusProcessing {
		failed, err := s.store.Transition(ctx, jobID, models.StatusProcessing, models.StatusFailed,
			models.TransitionMeta{Actor: s.opts.WorkerID, Reason: msg, At: time.Now().UTC()})
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return err
		}
		telemetry.JobsFinalized.WithLabelValues(string(models.StatusFailed)).Inc()
		log.Warn().Str("job_id", jobID).Int("retry_count", job.RetryCount).Msg("job retry budget exhausted")
		return s.emit(ctx, failed, models.EventFailed, payload)
	}
	return s.emit(ctx, job, models.EventClaimReleased, payload)
}

// release drops the lease even when ctx is already cancelled.
func (s *Scheduler) release(ctx context.Context, jobID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.leases.Release(rctx, jobID, s.opts.WorkerID); err != nil && !errors.Is(err, models.ErrLeaseLost) {
		log.Warn().Err(err).Str("job_id", jobID).Msg("release lease")
	}
}
