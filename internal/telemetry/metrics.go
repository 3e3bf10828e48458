package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_submitted_total", Help: "Jobs accepted by kind"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_jobs_claimed_total", Help: "Successful job claims"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_claim_conflicts_total", Help: "Claims lost to another worker"})
	JobsFinalized    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_finalized_total", Help: "Jobs finalized, by terminal status"}, []string{"status"})
	ItemsProcessed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_items_processed_total", Help: "Items committed by outcome"}, []string{"outcome"})
	ErrorRetries     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_error_retries_total", Help: "Error queue retries by outcome"}, []string{"outcome"})
	EventsAppended   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_events_appended_total", Help: "Progress events appended by type"}, []string{"type"})
	EventsPublished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_events_published_total", Help: "Progress events delivered by sink"}, []string{"sink"})
	EventsDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_events_deduplicated_total", Help: "Events skipped as already published"})
	LeasesReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_leases_reaped_total", Help: "Expired claims released by the reaper"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_jobs_inflight", Help: "Jobs currently leased by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsClaimed,
			ClaimConflicts,
			JobsFinalized,
			ItemsProcessed,
			ErrorRetries,
			EventsAppended,
			EventsPublished,
			EventsDeduped,
			LeasesReaped,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
