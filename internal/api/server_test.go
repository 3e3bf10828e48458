package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/ratelimit"
	"enrichment-orchestrator/internal/scheduler"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/store/storetest"
)

type testAPI struct {
	srv   *httptest.Server
	store store.Store
	queue *errorqueue.Queue
}

func newTestAPI(t *testing.T, capacity int) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := storetest.NewSQLite(t)
	q := errorqueue.New(st)
	server := New(st, scheduler.NewControl(st, nil, 3), q, ratelimit.NewLimiter(client, capacity, 0.001))
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: st, queue: q}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (a *testAPI) submitBOM(t *testing.T, tenant string) models.Job {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/jobs",
		map[string]any{"kind": "customer_bom", "bom_id": "bom-" + tenant, "total_items": 2},
		map[string]string{"X-Tenant-ID": tenant})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var job models.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return job
}

func TestSubmitAndGetJob(t *testing.T) {
	a := newTestAPI(t, 10)
	job := a.submitBOM(t, "tenant-a")
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.PriorityCustomer, job.Priority)
	require.NotNil(t, job.TenantID)
	assert.Equal(t, "tenant-a", *job.TenantID)

	resp, body := a.do(t, http.MethodGet, "/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Job
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, job.ID, got.ID)

	resp, _ = a.do(t, http.MethodGet, "/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	a := newTestAPI(t, 10)

	resp, _ := a.do(t, http.MethodPost, "/jobs", map[string]any{"kind": "customer_bom", "bom_id": "b1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "customer jobs need a tenant")

	resp, _ = a.do(t, http.MethodPost, "/jobs", map[string]any{"kind": "mystery"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := a.do(t, http.MethodPost, "/jobs", map[string]any{"kind": "bulk_upload", "bulk_upload_id": "u1"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var job models.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, models.PriorityBackground, job.Priority)
}

func TestSubmitRateLimitedPerTenant(t *testing.T) {
	a := newTestAPI(t, 1)
	a.submitBOM(t, "tenant-a")

	resp, _ := a.do(t, http.MethodPost, "/jobs",
		map[string]any{"kind": "customer_bom", "bom_id": "again", "total_items": 1},
		map[string]string{"X-Tenant-ID": "tenant-a"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	a.submitBOM(t, "tenant-b")
}

func TestListJobsFilters(t *testing.T) {
	a := newTestAPI(t, 10)
	a.submitBOM(t, "tenant-a")
	a.submitBOM(t, "tenant-b")

	resp, body := a.do(t, http.MethodGet, "/jobs?tenant=tenant-b&status=queued", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "tenant-b", *out.Jobs[0].TenantID)

	resp, _ = a.do(t, http.MethodGet, "/jobs?status=sleeping", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = a.do(t, http.MethodGet, "/jobs?priority=high", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminOperations(t *testing.T) {
	a := newTestAPI(t, 10)
	job := a.submitBOM(t, "tenant-a")
	actor := map[string]string{"X-Actor": "ops@example.com"}

	resp, _ := a.do(t, http.MethodPost, "/jobs/"+job.ID+"/pause", nil, actor)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "queued jobs cannot be paused")

	resp, _ = a.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", map[string]string{"reason": "duplicate"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "actor is required")

	resp, body := a.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", map[string]string{"reason": "duplicate"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cancelled models.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, "duplicate", *cancelled.CancelReason)

	resp, _ = a.do(t, http.MethodPost, "/jobs/"+job.ID+"/resume", nil, actor)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/jobs/"+job.ID+"/progress", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.StateSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, models.StatusCancelled, snap.Status)

	resp, body = a.do(t, http.MethodGet, "/jobs/"+job.ID+"/history?since=0", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Events    []models.ProgressEvent `json:"events"`
		NextSince int64                  `json:"next_since"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Events, 1)
	assert.Equal(t, models.EventCancelled, hist.Events[0].Type)
	assert.Equal(t, int64(1), hist.NextSince)

	resp, _ = a.do(t, http.MethodGet, "/jobs/"+job.ID+"/history?since=-3", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressBeforeAnyEvent(t *testing.T) {
	a := newTestAPI(t, 10)
	job := a.submitBOM(t, "tenant-a")
	resp, body := a.do(t, http.MethodGet, "/jobs/"+job.ID+"/progress", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.StateSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, models.StatusQueued, snap.Status)
	assert.Equal(t, 2, snap.TotalItems)
}

func TestErrorReviewEndpoints(t *testing.T) {
	a := newTestAPI(t, 10)
	job := a.submitBOM(t, "tenant-a")
	entry, err := a.queue.RecordFailure(context.Background(),
		models.FailureRecord{JobID: job.ID, ComponentRef: "cmp-1", ErrorType: models.ErrorValidation, ErrorMessage: "bad pn"}, nil)
	require.NoError(t, err)

	resp, body := a.do(t, http.MethodGet, "/errors?status=pending&job="+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Entries []models.ErrorEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, entry.ID, out.Entries[0].ID)

	resp, _ = a.do(t, http.MethodGet, "/errors?status=weird", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	actor := map[string]string{"X-Actor": "reviewer"}
	resp, body = a.do(t, http.MethodPost, "/errors/"+entry.ID+"/abandon", nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = a.do(t, http.MethodPost, "/errors/"+entry.ID+"/abandon", nil, actor)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = a.do(t, http.MethodPost, "/errors/"+entry.ID+"/reopen", nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reopened models.ErrorEntry
	require.NoError(t, json.Unmarshal(body, &reopened))
	assert.NotEqual(t, entry.ID, reopened.ID)
	assert.Equal(t, models.EntryPending, reopened.Status)

	resp, _ = a.do(t, http.MethodPost, "/errors/missing/abandon", nil, actor)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, 10)
	resp, body := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = a.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
