package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/models"
)

const maxResponseBytes = 4 * 1024 * 1024

// HTTPClient calls a remote enrichment service with one POST per item.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient builds a client for cfg.EnricherURL.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	timeout := cfg.EnricherTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url: cfg.EnricherURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type enrichRequest struct {
	ComponentRef string `json:"component_ref"`
	PartNumber   string `json:"part_number"`
	Label        string `json:"label,omitempty"`
}

// Enrich posts item and decodes the service's Result.
func (c *HTTPClient) Enrich(ctx context.Context, item models.Item) (Result, error) {
	if item.ComponentRef == "" {
		return Result{}, Wrap(models.ErrorValidation, errors.New("component_ref is required"))
	}
	body, err := json.Marshal(enrichRequest{ComponentRef: item.ComponentRef, PartNumber: item.PartNumber, Label: item.Label})
	if err != nil {
		return Result{}, Wrap(models.ErrorValidation, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, Wrap(models.ErrorOther, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		typ := Classify(err)
		if typ == models.ErrorOther {
			typ = models.ErrorNetwork
		}
		return Result{}, Wrap(typ, fmt.Errorf("enrich %s: %w", item.ComponentRef, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Result{}, Wrap(models.ErrorNetwork, fmt.Errorf("read response: %w", err))
	}
	if len(raw) > maxResponseBytes {
		return Result{}, Wrap(models.ErrorAPI, fmt.Errorf("response too large (>%d bytes)", maxResponseBytes))
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, Wrap(models.ErrorValidation, fmt.Errorf("enrich %s: status %d: %s", item.ComponentRef, resp.StatusCode, snippet(raw)))
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return Result{}, Wrap(models.ErrorTimeout, fmt.Errorf("enrich %s: status %d", item.ComponentRef, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return Result{}, Wrap(models.ErrorAPI, fmt.Errorf("enrich %s: status %d: %s", item.ComponentRef, resp.StatusCode, snippet(raw)))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, Wrap(models.ErrorAPI, fmt.Errorf("decode response: %w", err))
	}
	if out.ComponentRef == "" {
		out.ComponentRef = item.ComponentRef
	}
	if out.PartNumber == "" {
		out.PartNumber = item.PartNumber
	}
	return out, nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
