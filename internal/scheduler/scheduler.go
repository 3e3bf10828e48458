// Package scheduler selects and claims enrichment jobs, drives their item
// dispatch loop and exposes the pause, resume and cancel controls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/enrich"
	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/lease"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/telemetry"
)

// ItemSource yields a job's items in a stable order, starting at offset.
type ItemSource interface {
	Items(ctx context.Context, job models.Job, offset int) iter.Seq2[models.Item, error]
}

// Options tune one scheduler instance.
type Options struct {
	// WorkerID owns the leases this instance acquires.
	WorkerID             string
	ItemConcurrency      int
	HeartbeatInterval    time.Duration
	FailureRateThreshold float64
	// ClaimBatch bounds how many candidates ClaimNext inspects per pass.
	ClaimBatch int
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker"
	}
	if o.ItemConcurrency <= 0 {
		o.ItemConcurrency = 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.FailureRateThreshold <= 0 {
		o.FailureRateThreshold = 0.5
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 20
	}
	return o
}

// Scheduler claims jobs and runs them. A Scheduler value is used by one
// goroutine at a time; Worker derives per-goroutine instances.
type Scheduler struct {
	store    store.Store
	leases   *lease.Manager
	errors   *errorqueue.Queue
	enricher enrich.Enricher
	items    ItemSource
	opts     Options
}

func New(st store.Store, leases *lease.Manager, q *errorqueue.Queue, enricher enrich.Enricher, items ItemSource, opts Options) *Scheduler {
	return &Scheduler{
		store:    st,
		leases:   leases,
		errors:   q,
		enricher: enricher,
		items:    items,
		opts:     opts.withDefaults(),
	}
}

// Worker returns a copy of s that claims under workerID.
func (s *Scheduler) Worker(workerID string) *Scheduler {
	c := *s
	c.opts.WorkerID = workerID
	return &c
}

// WorkerID is the lease owner of this instance.
func (s *Scheduler) WorkerID() string {
	return s.opts.WorkerID
}

// Claim takes the lease on jobID and makes sure the job is Processing. Queued
// jobs are started; Processing jobs (resumed or released) are taken over.
// Losing the race returns models.ErrAlreadyClaimed.
func (s *Scheduler) Claim(ctx context.Context, jobID string) (models.Job, error) {
	if err := s.leases.Acquire(ctx, jobID, s.opts.WorkerID); err != nil {
		if errors.Is(err, models.ErrAlreadyClaimed) {
			telemetry.ClaimConflicts.Inc()
		}
		return models.Job{}, err
	}
	job, err := s.startClaimed(ctx, jobID)
	if err != nil {
		if rerr := s.leases.Release(ctx, jobID, s.opts.WorkerID); rerr != nil && !errors.Is(rerr, models.ErrLeaseLost) {
			log.Warn().Err(rerr).Str("job_id", jobID).Msg("release lease after failed claim")
		}
		return models.Job{}, err
	}
	telemetry.JobsClaimed.Inc()
	log.Info().Str("job_id", job.ID).Str("worker_id", s.opts.WorkerID).Int("priority", job.Priority).
		Int("processed", job.ProcessedItems).Int("total", job.TotalItems).Msg("job claimed")
	return job, nil
}

func (s *Scheduler) startClaimed(ctx context.Context, jobID string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.StatusProcessing:
		return job, nil
	case models.StatusQueued:
		started, err := s.store.Transition(ctx, jobID, models.StatusQueued, models.StatusProcessing,
			models.TransitionMeta{Actor: s.opts.WorkerID, At: time.Now().UTC()})
		if err != nil {
			return models.Job{}, err
		}
		if err := s.emit(ctx, started, models.EventStarted, map[string]string{"worker_id": s.opts.WorkerID}); err != nil {
			return models.Job{}, err
		}
		return started, nil
	default:
		return models.Job{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
}

// ClaimNext claims the most urgent claimable job. It returns false when no
// candidate could be claimed.
func (s *Scheduler) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	candidates, err := s.store.ClaimableJobs(ctx, s.opts.ClaimBatch)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("list claimable jobs: %w", err)
	}
	for _, c := range candidates {
		if c.Status == models.StatusProcessing {
			if _, held, err := s.leases.Holder(ctx, c.ID); err != nil {
				return models.Job{}, false, err
			} else if held {
				continue
			}
		}
		job, err := s.Claim(ctx, c.ID)
		if errors.Is(err, models.ErrAlreadyClaimed) || errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return job, true, nil
	}
	return models.Job{}, false, nil
}

func (s *Scheduler) emit(ctx context.Context, job models.Job, typ models.EventType, payload any) error {
	return appendEvent(ctx, s.store, job, typ, payload)
}

func appendEvent(ctx context.Context, events store.EventLog, job models.Job, typ models.EventType, payload any) error {
	ev, err := models.NewEvent(job, typ, payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", typ, err)
	}
	if _, err := events.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	telemetry.EventsAppended.WithLabelValues(string(typ)).Inc()
	return nil
}
