package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies an item-level enrichment failure.
type ErrorType string

const (
	ErrorValidation ErrorType = "validation"
	ErrorAPI        ErrorType = "api_error"
	ErrorTimeout    ErrorType = "timeout"
	ErrorNetwork    ErrorType = "network"
	ErrorStorage    ErrorType = "storage"
	ErrorOther      ErrorType = "other"
)

// EntryStatus is the dead-letter lifecycle of an ErrorEntry.
type EntryStatus string

const (
	EntryPending            EntryStatus = "pending"
	EntryRetrying           EntryStatus = "retrying"
	EntryMaxRetriesExceeded EntryStatus = "max_retries_exceeded"
	EntryResolved           EntryStatus = "resolved"
	EntryAbandoned          EntryStatus = "abandoned"
)

// MaxAutoRetries is the automatic retry budget of one error entry.
const MaxAutoRetries = 5

// Resolved reports whether the entry left the unresolved set.
func (s EntryStatus) Resolved() bool {
	return s == EntryResolved || s == EntryAbandoned
}

// UnresolvedEntryStatuses lists the statuses covered by the uniqueness constraint.
var UnresolvedEntryStatuses = []EntryStatus{EntryPending, EntryRetrying, EntryMaxRetriesExceeded}

// ParseEntryStatus accepts the persisted lowercase form.
func ParseEntryStatus(v string) (EntryStatus, error) {
	s := EntryStatus(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case EntryPending, EntryRetrying, EntryMaxRetriesExceeded, EntryResolved, EntryAbandoned:
		return s, nil
	}
	return "", fmt.Errorf("unknown entry status %q", v)
}

// RetryDelaySeconds is the exponential backoff 2^(retryCount+1).
func RetryDelaySeconds(retryCount int) int {
	if retryCount < 0 {
		retryCount = 0
	}
	return 1 << (retryCount + 1)
}

// RetryDelay is RetryDelaySeconds as a duration.
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(RetryDelaySeconds(retryCount)) * time.Second
}

// ErrorEntry is a dead-letter row for one failing component.
type ErrorEntry struct {
	ID                    string          `json:"id"`
	JobID                 string          `json:"job_id"`
	ComponentRef          string          `json:"component_ref"`
	PartNumber            string          `json:"part_number"`
	ErrorMessage          string          `json:"error_message"`
	ErrorType             ErrorType       `json:"error_type"`
	RetryCount            int             `json:"retry_count"`
	NextRetryDelaySeconds int             `json:"next_retry_delay_seconds"`
	Status                EntryStatus     `json:"status"`
	ContextSnapshot       json.RawMessage `json:"context_snapshot,omitempty"`
	ReviewedBy            *string         `json:"reviewed_by,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	LastFailedAt          time.Time       `json:"last_failed_at"`
	NextRetryAt           *time.Time      `json:"next_retry_at,omitempty"`
	ResolvedAt            *time.Time      `json:"resolved_at,omitempty"`
}

// FailureRecord is the input of ErrorQueue.RecordFailure.
type FailureRecord struct {
	JobID           string
	ComponentRef    string
	PartNumber      string
	ErrorMessage    string
	ErrorType       ErrorType
	ContextSnapshot json.RawMessage
	At              time.Time
}

// EntryFilter narrows error entry listings for manual review.
type EntryFilter struct {
	Status *EntryStatus
	JobID  *string
	Limit  int
	Offset int
}

// NewErrorEntry builds the first Pending entry of a failure cycle.
func NewErrorEntry(id string, rec FailureRecord) ErrorEntry {
	next := rec.At.Add(RetryDelay(0))
	typ := rec.ErrorType
	if typ == "" {
		typ = ErrorOther
	}
	return ErrorEntry{
		ID:                    id,
		JobID:                 rec.JobID,
		ComponentRef:          rec.ComponentRef,
		PartNumber:            rec.PartNumber,
		ErrorMessage:          rec.ErrorMessage,
		ErrorType:             typ,
		RetryCount:            0,
		NextRetryDelaySeconds: RetryDelaySeconds(0),
		Status:                EntryPending,
		ContextSnapshot:       rec.ContextSnapshot,
		CreatedAt:             rec.At,
		UpdatedAt:             rec.At,
		LastFailedAt:          rec.At,
		NextRetryAt:           &next,
	}
}

// AfterFailedRetry returns the entry as it must be stored once an automatic
// retry failed: the count advances and the entry either waits for the next
// backoff or is frozen for manual review when the budget is spent.
func (e ErrorEntry) AfterFailedRetry(msg string, typ ErrorType, now time.Time) ErrorEntry {
	next := e
	next.RetryCount = e.RetryCount + 1
	if next.RetryCount > MaxAutoRetries {
		next.RetryCount = MaxAutoRetries
	}
	next.ErrorMessage = msg
	if typ != "" {
		next.ErrorType = typ
	}
	next.NextRetryDelaySeconds = RetryDelaySeconds(next.RetryCount)
	next.LastFailedAt = now
	next.UpdatedAt = now
	if next.RetryCount >= MaxAutoRetries {
		next.Status = EntryMaxRetriesExceeded
		next.NextRetryAt = nil
		return next
	}
	at := now.Add(RetryDelay(next.RetryCount))
	next.Status = EntryPending
	next.NextRetryAt = &at
	return next
}
