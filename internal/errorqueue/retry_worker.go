package errorqueue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/enrich"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/telemetry"
)

// RetryWorker re-invokes the enricher for due error entries and records the
// outcome on the owning job's event log. Retry outcomes never touch job counters.
type RetryWorker struct {
	queue    *Queue
	errors   store.ErrorStore
	jobs     store.JobStore
	events   store.EventLog
	enricher enrich.Enricher
	batch    int
	poll     time.Duration
}

// NewRetryWorker wires a retry worker. batch and poll default to 50 and 1s.
func NewRetryWorker(st store.Store, q *Queue, enricher enrich.Enricher, batch int, poll time.Duration) *RetryWorker {
	if batch <= 0 {
		batch = 50
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &RetryWorker{queue: q, errors: st, jobs: st, events: st, enricher: enricher, batch: batch, poll: poll}
}

// Run polls for due entries until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("retry pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce retries every entry due now and returns how many it attempted.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.queue.DueForRetry(ctx, w.queue.now(), w.batch)
	if err != nil {
		return 0, err
	}
	attempted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		entry, err := w.errors.ClaimEntry(ctx, id, w.queue.now())
		if IsConflict(err) {
			continue
		}
		if err != nil {
			return attempted, err
		}
		attempted++
		w.retry(ctx, entry)
	}
	return attempted, nil
}

func (w *RetryWorker) retry(ctx context.Context, entry models.ErrorEntry) {
	logger := log.With().Str("entry_id", entry.ID).Str("job_id", entry.JobID).Str("component_ref", entry.ComponentRef).Logger()
	item := models.Item{ComponentRef: entry.ComponentRef, PartNumber: entry.PartNumber}

	_, enrichErr := w.enricher.Enrich(ctx, item)
	if enrichErr == nil {
		resolved, err := w.errors.ResolveEntry(ctx, entry.ID, w.queue.now())
		if err != nil {
			logger.Error().Err(err).Msg("resolve entry")
			return
		}
		telemetry.ErrorRetries.WithLabelValues("recovered").Inc()
		logger.Info().Int("retry_count", resolved.RetryCount).Msg("item recovered")
		w.appendEvent(ctx, resolved, models.EventItemRecovered)
		return
	}

	typ := enrich.Classify(enrichErr)
	failed, err := w.errors.FailRetry(ctx, entry.ID, enrichErr.Error(), typ, w.queue.now())
	if err != nil {
		logger.Error().Err(err).Msg("record failed retry")
		return
	}
	evType := models.EventItemRetryFailed
	if failed.Status == models.EntryMaxRetriesExceeded {
		evType = models.EventItemMaxRetriesExceeded
		telemetry.ErrorRetries.WithLabelValues("exhausted").Inc()
		logger.Warn().Int("retry_count", failed.RetryCount).Msg("automatic retries exhausted")
	} else {
		telemetry.ErrorRetries.WithLabelValues("failed").Inc()
		logger.Debug().Int("retry_count", failed.RetryCount).Int("next_delay_s", failed.NextRetryDelaySeconds).Msg("retry failed")
	}
	w.appendEvent(ctx, failed, evType)
}

type retryPayload struct {
	EntryID      string           `json:"entry_id"`
	ComponentRef string           `json:"component_ref"`
	PartNumber   string           `json:"part_number,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Status       string           `json:"status"`
	ErrorType    models.ErrorType `json:"error_type,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	NextRetryAt  *time.Time       `json:"next_retry_at,omitempty"`
}

// appendEvent records a retry outcome on the job's log. Retries outlive the
// dispatch loop, so the event may follow the job's Completed or Failed event;
// its snapshot then still carries the terminal status.
func (w *RetryWorker) appendEvent(ctx context.Context, entry models.ErrorEntry, typ models.EventType) {
	job, err := w.jobs.GetJob(ctx, entry.JobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", entry.JobID).Msg("load job for retry event")
		return
	}
	payload := retryPayload{
		EntryID:      entry.ID,
		ComponentRef: entry.ComponentRef,
		PartNumber:   entry.PartNumber,
		RetryCount:   entry.RetryCount,
		Status:       string(entry.Status),
		NextRetryAt:  entry.NextRetryAt,
	}
	if typ != models.EventItemRecovered {
		payload.ErrorType = entry.ErrorType
		payload.ErrorMessage = entry.ErrorMessage
	}
	ev, err := models.NewEvent(job, typ, payload)
	if err != nil {
		log.Error().Err(err).Msg("build retry event")
		return
	}
	if _, err := w.events.AppendEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("event_type", string(typ)).Msg("append retry event")
		return
	}
	telemetry.EventsAppended.WithLabelValues(string(typ)).Inc()
}
