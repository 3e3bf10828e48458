package models

import (
	"encoding/json"
	"time"
)

// EventType names a ProgressEvent.
type EventType string

const (
	EventStarted                EventType = "started"
	EventItemCompleted          EventType = "item_completed"
	EventItemFailed             EventType = "item_failed"
	EventProgress               EventType = "progress"
	EventPaused                 EventType = "paused"
	EventResumed                EventType = "resumed"
	EventCancelled              EventType = "cancelled"
	EventCompleted              EventType = "completed"
	EventFailed                 EventType = "failed"
	EventClaimReleased          EventType = "claim_released"
	EventItemRecovered          EventType = "item_recovered"
	EventItemRetryFailed        EventType = "item_retry_failed"
	EventItemMaxRetriesExceeded EventType = "item_max_retries_exceeded"
)

// StateSnapshot is the denormalized job progress embedded in every event, so the
// latest event alone is enough to render current state.
type StateSnapshot struct {
	Status           JobStatus `json:"status"`
	TotalItems       int       `json:"total_items"`
	ProcessedItems   int       `json:"processed_items"`
	SucceededItems   int       `json:"succeeded_items"`
	FailedItems      int       `json:"failed_items"`
	ProgressPercent  float64   `json:"progress_percent"`
	CurrentItemLabel string    `json:"current_item_label,omitempty"`
	RetryCount       int       `json:"retry_count"`
}

// ProgressEvent is an immutable EventLog row.
type ProgressEvent struct {
	ID        string          `json:"event_id"`
	JobID     string          `json:"job_id"`
	Sequence  int64           `json:"sequence"`
	Position  int64           `json:"position"`
	Type      EventType       `json:"event_type"`
	Snapshot  StateSnapshot   `json:"state_snapshot"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an unsaved event for job with an optional JSON payload.
func NewEvent(job Job, typ EventType, payload any) (ProgressEvent, error) {
	ev := ProgressEvent{
		JobID:    job.ID,
		Type:     typ,
		Snapshot: job.Snapshot(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ProgressEvent{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}
