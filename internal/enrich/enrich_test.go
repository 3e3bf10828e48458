package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/models"
)

func newClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.Config{EnricherURL: srv.URL, EnricherTimeout: timeout})
}

func TestHTTPClientSuccess(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req enrichRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cmp-1", req.ComponentRef)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"part_number":"%s","attributes":{"lifecycle":"active"}}`, req.PartNumber)
	}, time.Second)

	res, err := c.Enrich(context.Background(), models.Item{ComponentRef: "cmp-1", PartNumber: "LM317"})
	require.NoError(t, err)
	assert.Equal(t, "cmp-1", res.ComponentRef)
	assert.Equal(t, "LM317", res.PartNumber)
	assert.Equal(t, "active", res.Attributes["lifecycle"])
}

func TestHTTPClientClassifiesStatus(t *testing.T) {
	cases := map[int]models.ErrorType{
		http.StatusBadRequest:          models.ErrorValidation,
		http.StatusUnprocessableEntity: models.ErrorValidation,
		http.StatusTooManyRequests:     models.ErrorAPI,
		http.StatusInternalServerError: models.ErrorAPI,
		http.StatusGatewayTimeout:      models.ErrorTimeout,
	}
	for status, want := range cases {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		}, time.Second)
		_, err := c.Enrich(context.Background(), models.Item{ComponentRef: "cmp-1"})
		require.Error(t, err)
		assert.Equal(t, want, Classify(err), "status %d", status)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := c.Enrich(context.Background(), models.Item{ComponentRef: "cmp-1"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorTimeout, Classify(err))
}

func TestHTTPClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(config.Config{EnricherURL: url, EnricherTimeout: time.Second})
	_, err := c.Enrich(context.Background(), models.Item{ComponentRef: "cmp-1"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorNetwork, Classify(err))
}

func TestHTTPClientRejectsEmptyItem(t *testing.T) {
	c := NewHTTPClient(config.Config{EnricherURL: "http://unused"})
	_, err := c.Enrich(context.Background(), models.Item{})
	assert.Equal(t, models.ErrorValidation, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorType(""), Classify(nil))
	assert.Equal(t, models.ErrorOther, Classify(errors.New("boom")))
	assert.Equal(t, models.ErrorTimeout, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, models.ErrorStorage, Classify(fmt.Errorf("outer: %w", Wrap(models.ErrorStorage, errors.New("disk")))))
	assert.Nil(t, Wrap(models.ErrorAPI, nil))
}
