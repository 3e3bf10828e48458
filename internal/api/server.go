// Package api exposes job submission, progress reads and the admin operations
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/ratelimit"
	"enrichment-orchestrator/internal/scheduler"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/telemetry"
)

// errRateLimited maps to 429.
var errRateLimited = errors.New("rate limited")

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	store   store.Store
	control *scheduler.Control
	errors  *errorqueue.Queue
	limiter *ratelimit.Limiter
}

// New constructs the API server. A nil limiter disables submission throttling.
func New(st store.Store, ctl *scheduler.Control, q *errorqueue.Queue, limiter *ratelimit.Limiter) *Server {
	return &Server{store: st, control: ctl, errors: q, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/progress", s.handleProgress)
			r.Get("/history", s.handleHistory)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
		})
	})
	r.Route("/errors", func(r chi.Router) {
		r.Get("/", s.handleListErrors)
		r.Post("/{id}/abandon", s.handleAbandon)
		r.Post("/{id}/reopen", s.handleReopen)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Kind         models.JobKind `json:"kind"`
	BomID        *string        `json:"bom_id"`
	BulkUploadID *string        `json:"bulk_upload_id"`
	ArtifactKey  string         `json:"artifact_key"`
	Priority     int            `json:"priority"`
	TotalItems   int            `json:"total_items"`
	MaxRetries   int            `json:"max_retries"`
}

func (req submitRequest) job(tenant string) models.Job {
	job := models.Job{
		Kind:         req.Kind,
		BomID:        req.BomID,
		BulkUploadID: req.BulkUploadID,
		ArtifactKey:  req.ArtifactKey,
		Priority:     req.Priority,
		TotalItems:   req.TotalItems,
		MaxRetries:   req.MaxRetries,
	}
	if tenant != "" {
		job.TenantID = &tenant
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityBackground
		if job.Kind == models.KindCustomerBOM {
			job.Priority = models.PriorityCustomer
		}
	}
	return job
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid json"))
		return
	}
	tenant := r.Header.Get("X-Tenant-ID")
	if err := s.allow(r.Context(), w, tenant); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.control.Submit(r.Context(), req.job(tenant))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) allow(ctx context.Context, w http.ResponseWriter, tenant string) error {
	if s.limiter == nil {
		return nil
	}
	key := tenant
	if key == "" {
		key = "staff"
	}
	d, err := s.limiter.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(d.RetryAfter.Seconds())))))
		return errRateLimited
	}
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.JobFilter
	if v := q.Get("status"); v != "" {
		st, err := models.ParseJobStatus(v)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Status = &st
	}
	if v := q.Get("kind"); v != "" {
		kind := models.JobKind(v)
		f.Kind = &kind
	}
	if v := q.Get("tenant"); v != "" {
		f.TenantID = &v
	}
	var err error
	if f.Priority, err = optionalInt(q.Get("priority")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, f.Offset, err = paging(r); err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.control.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.control.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleProgress serves the latest event snapshot, or the job row itself
// before any event was appended.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.store.LatestState(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		job, jerr := s.control.Get(r.Context(), id)
		if jerr != nil {
			writeError(w, jerr)
			return
		}
		snap, err = job.Snapshot(), nil
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.control.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if r.URL.Query().Get("since") == "" {
		since, err = 0, nil
	}
	if err != nil || since < 0 {
		writeError(w, badRequest("since must be a non-negative sequence"))
		return
	}
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events := make([]models.ProgressEvent, 0, limit)
	next := since
	for ev, err := range store.History(r.Context(), s.store, id, since, limit) {
		if err != nil {
			writeError(w, err)
			return
		}
		events = append(events, ev)
		next = ev.Sequence
		if len(events) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_since": next})
}

type adminRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func decodeAdmin(r *http.Request) (adminRequest, error) {
	var req adminRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, badRequest("invalid json")
		}
	}
	if v := r.Header.Get("X-Actor"); v != "" {
		req.Actor = v
	}
	if req.Actor == "" {
		return req, badRequest("actor is required")
	}
	return req, nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, id string, req adminRequest) (models.Job, error) {
		return s.control.Pause(ctx, id, req.Actor)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, id string, req adminRequest) (models.Job, error) {
		return s.control.Resume(ctx, id, req.Actor)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, id string, req adminRequest) (models.Job, error) {
		return s.control.Cancel(ctx, id, req.Actor, req.Reason)
	})
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request, op func(context.Context, string, adminRequest) (models.Job, error)) {
	req, err := decodeAdmin(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := op(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.EntryFilter
	if v := q.Get("status"); v != "" {
		st, err := models.ParseEntryStatus(v)
		if err != nil {
			writeError(w, badRequest(err.Error()))
			return
		}
		f.Status = &st
	}
	if v := q.Get("job"); v != "" {
		f.JobID = &v
	}
	var err error
	if f.Limit, f.Offset, err = paging(r); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.errors.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.errors.Abandon)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.errors.Reopen)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (models.ErrorEntry, error)) {
	req, err := decodeAdmin(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := op(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
