package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/telemetry"
)

// ItemCounter counts the items of a stored artifact.
type ItemCounter interface {
	Count(ctx context.Context, key string) (int, error)
}

// Control implements submission and the admin pause, resume and cancel
// operations. They are synchronous and take effect on the active worker at
// its next window boundary.
type Control struct {
	store             store.Store
	counter           ItemCounter
	defaultMaxRetries int
}

func NewControl(st store.Store, counter ItemCounter, defaultMaxRetries int) *Control {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = models.DefaultMaxRetries
	}
	return &Control{store: st, counter: counter, defaultMaxRetries: defaultMaxRetries}
}

// Submit validates and queues a job. TotalItems is counted from the artifact
// when the caller leaves it at zero.
func (c *Control) Submit(ctx context.Context, job models.Job) (models.Job, error) {
	if err := job.Validate(); err != nil {
		return models.Job{}, err
	}
	if job.TotalItems == 0 && job.ArtifactKey != "" && c.counter != nil {
		n, err := c.counter.Count(ctx, job.ArtifactKey)
		if err != nil {
			return models.Job{}, fmt.Errorf("count items of %s: %w", job.ArtifactKey, err)
		}
		job.TotalItems = n
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = c.defaultMaxRetries
	}
	created, err := c.store.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.WithLabelValues(string(created.Kind)).Inc()
	log.Info().Str("job_id", created.ID).Str("kind", string(created.Kind)).Int("priority", created.Priority).
		Int("total_items", created.TotalItems).Msg("job submitted")
	return created, nil
}

func (c *Control) Get(ctx context.Context, id string) (models.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *Control) List(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	return c.store.ListJobs(ctx, f)
}

type adminPayload struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Pause stops dispatch of a Processing job after its in-flight items.
func (c *Control) Pause(ctx context.Context, id, actor string) (models.Job, error) {
	return c.change(ctx, id, []models.JobStatus{models.StatusProcessing}, models.StatusPaused,
		models.TransitionMeta{Actor: actor}, models.EventPaused)
}

// Resume makes a Paused job claimable again with its cursor intact.
func (c *Control) Resume(ctx context.Context, id, actor string) (models.Job, error) {
	return c.change(ctx, id, []models.JobStatus{models.StatusPaused}, models.StatusProcessing,
		models.TransitionMeta{Actor: actor}, models.EventResumed)
}

// Cancel ends a job permanently.
func (c *Control) Cancel(ctx context.Context, id, actor, reason string) (models.Job, error) {
	return c.change(ctx, id,
		[]models.JobStatus{models.StatusQueued, models.StatusProcessing, models.StatusPaused},
		models.StatusCancelled, models.TransitionMeta{Actor: actor, Reason: reason}, models.EventCancelled)
}

// change applies a CAS transition from any of from to to. A job already in to
// is returned unchanged without a new event; a lost race is re-read and retried.
func (c *Control) change(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, meta models.TransitionMeta, evType models.EventType) (models.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := c.store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if job.Status == to {
			return job, nil
		}
		if !slices.Contains(from, job.Status) {
			return models.Job{}, fmt.Errorf("job %s is %s, cannot move to %s: %w", id, job.Status, to, models.ErrInvalidTransition)
		}
		meta.At = time.Now().UTC()
		updated, err := c.store.Transition(ctx, id, job.Status, to, meta)
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return models.Job{}, err
		}
		if err := appendEvent(ctx, c.store, updated, evType, adminPayload{Actor: meta.Actor, Reason: meta.Reason}); err != nil {
			return updated, err
		}
		log.Info().Str("job_id", id).Str("actor", meta.Actor).Str("status", string(to)).Msg("job status changed")
		return updated, nil
	}
	return models.Job{}, fmt.Errorf("job %s kept changing: %w", id, models.ErrInvalidTransition)
}
