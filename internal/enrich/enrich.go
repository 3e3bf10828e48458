// Package enrich defines the Enrichment Worker contract used by the scheduler
// and the error queue retry worker.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"

	"enrichment-orchestrator/internal/models"
)

// Result is the outcome of enriching one item. Attributes are opaque to the
// orchestrator.
type Result struct {
	ComponentRef string         `json:"component_ref"`
	PartNumber   string         `json:"part_number"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Enricher enriches a single BOM line.
type Enricher interface {
	Enrich(ctx context.Context, item models.Item) (Result, error)
}

// Func adapts a function to Enricher.
type Func func(ctx context.Context, item models.Item) (Result, error)

func (f Func) Enrich(ctx context.Context, item models.Item) (Result, error) {
	return f(ctx, item)
}

// Error attaches an ErrorType to an enrichment failure.
type Error struct {
	Type models.ErrorType
	Err  error
}

// Wrap classifies err as typ.
func Wrap(typ models.ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Type: typ, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorType() models.ErrorType { return e.Type }

type typedError interface {
	ErrorType() models.ErrorType
}

// Classify maps err onto the error queue taxonomy. Typed errors win; bare
// deadline and network errors are recognised; everything else is Other.
func Classify(err error) models.ErrorType {
	if err == nil {
		return ""
	}
	var typed typedError
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorTimeout
		}
		return models.ErrorNetwork
	}
	return models.ErrorOther
}
