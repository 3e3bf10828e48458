package store

import (
	"fmt"
	"time"

	"enrichment-orchestrator/internal/models"
)

// TransitionColumns returns the column values written by a from -> to status
// change, including status and updated_at. Both backends apply the result
// under a WHERE status = from guard.
func TransitionColumns(from, to models.JobStatus, meta models.TransitionMeta) (map[string]any, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	cols := map[string]any{
		"status":     string(to),
		"updated_at": at,
	}
	switch to {
	case models.StatusProcessing:
		if from == models.StatusPaused {
			cols["resumed_at"] = at
		} else {
			cols["started_at"] = at
		}
	case models.StatusPaused:
		cols["paused_at"] = at
		cols["paused_by"] = nilIfEmpty(meta.Actor)
	case models.StatusCancelled:
		cols["cancelled_at"] = at
		cols["cancelled_by"] = nilIfEmpty(meta.Actor)
		cols["cancel_reason"] = nilIfEmpty(meta.Reason)
	case models.StatusCompleted, models.StatusFailed:
		cols["completed_at"] = at
		if to == models.StatusFailed && meta.Reason != "" {
			cols["last_error"] = meta.Reason
		}
	}
	return cols, nil
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
