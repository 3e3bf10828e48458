package models

import (
	"fmt"
	"strings"
	"time"
)

// JobKind distinguishes customer BOM jobs from staff bulk uploads.
type JobKind string

const (
	KindCustomerBOM JobKind = "customer_bom"
	KindBulkUpload  JobKind = "bulk_upload"
)

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusPaused     JobStatus = "paused"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Priority bounds. Lower is more urgent.
const (
	PriorityCustomer   = 1
	PriorityBackground = 10
	DefaultMaxRetries  = 3
)

var allowedTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusProcessing, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition or counter update is accepted.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseJobStatus accepts the persisted lowercase form.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidJob, v)
	}
	return s, nil
}

// Job is one unit of enrichment work derived from a BOM or a bulk upload.
type Job struct {
	ID               string     `json:"id"`
	Kind             JobKind    `json:"kind"`
	BomID            *string    `json:"bom_id,omitempty"`
	BulkUploadID     *string    `json:"bulk_upload_id,omitempty"`
	TenantID         *string    `json:"tenant_id,omitempty"`
	ArtifactKey      string     `json:"artifact_key,omitempty"`
	Priority         int        `json:"priority"`
	Status           JobStatus  `json:"status"`
	TotalItems       int        `json:"total_items"`
	ProcessedItems   int        `json:"processed_items"`
	SucceededItems   int        `json:"succeeded_items"`
	FailedItems      int        `json:"failed_items"`
	CurrentItemLabel string     `json:"current_item_label,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	LastError        *string    `json:"last_error,omitempty"`
	PausedBy         *string    `json:"paused_by,omitempty"`
	CancelledBy      *string    `json:"cancelled_by,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	ResumedAt        *time.Time `json:"resumed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// SourceRef returns whichever of the BOM or bulk-upload id is set.
func (j Job) SourceRef() string {
	if j.BomID != nil {
		return *j.BomID
	}
	if j.BulkUploadID != nil {
		return *j.BulkUploadID
	}
	return ""
}

// ProgressPercent is processed/total*100, or 0 for an empty job.
func (j Job) ProgressPercent() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	return float64(j.ProcessedItems) / float64(j.TotalItems) * 100
}

// FailureRate is failed/processed, or 0 before anything was processed.
func (j Job) FailureRate() float64 {
	if j.ProcessedItems <= 0 {
		return 0
	}
	return float64(j.FailedItems) / float64(j.ProcessedItems)
}

// Snapshot copies the progress fields denormalized into every ProgressEvent.
func (j Job) Snapshot() StateSnapshot {
	return StateSnapshot{
		Status:           j.Status,
		TotalItems:       j.TotalItems,
		ProcessedItems:   j.ProcessedItems,
		SucceededItems:   j.SucceededItems,
		FailedItems:      j.FailedItems,
		ProgressPercent:  j.ProgressPercent(),
		CurrentItemLabel: j.CurrentItemLabel,
		RetryCount:       j.RetryCount,
	}
}

// Validate checks the invariants a newly submitted job must satisfy.
func (j Job) Validate() error {
	switch j.Kind {
	case KindCustomerBOM:
		if j.BomID == nil || *j.BomID == "" || j.BulkUploadID != nil {
			return fmt.Errorf("%w: customer_bom jobs need exactly a bom_id", ErrInvalidJob)
		}
		if j.TenantID == nil || *j.TenantID == "" {
			return fmt.Errorf("%w: customer_bom jobs need a tenant", ErrInvalidJob)
		}
	case KindBulkUpload:
		if j.BulkUploadID == nil || *j.BulkUploadID == "" || j.BomID != nil {
			return fmt.Errorf("%w: bulk_upload jobs need exactly a bulk_upload_id", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if j.Priority < PriorityCustomer || j.Priority > PriorityBackground {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidJob, j.Priority, PriorityCustomer, PriorityBackground)
	}
	if j.TotalItems < 0 {
		return fmt.Errorf("%w: negative total_items", ErrInvalidJob)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", ErrInvalidJob)
	}
	return nil
}

// CounterDelta is an atomic increment applied to a job's item counters.
type CounterDelta struct {
	Processed int
	Succeeded int
	Failed    int
	// Label replaces current_item_label when non-empty.
	Label string
}

// Validate rejects deltas that would regress a counter or break processed = succeeded + failed.
func (d CounterDelta) Validate() error {
	if d.Processed < 0 || d.Succeeded < 0 || d.Failed < 0 {
		return fmt.Errorf("%w: negative counter delta", ErrCounterOverflow)
	}
	if d.Processed != d.Succeeded+d.Failed {
		return fmt.Errorf("%w: processed delta %d != succeeded %d + failed %d", ErrCounterOverflow, d.Processed, d.Succeeded, d.Failed)
	}
	return nil
}

// TransitionMeta carries the actor and side-effect fields of a status change.
type TransitionMeta struct {
	Actor  string
	Reason string
	At     time.Time
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   *JobStatus
	Priority *int
	Kind     *JobKind
	TenantID *string
	Limit    int
	Offset   int
}

// Item is one BOM line to enrich.
type Item struct {
	ComponentRef string `json:"component_ref"`
	PartNumber   string `json:"part_number"`
	Label        string `json:"label,omitempty"`
}

// DisplayLabel is the human-readable cursor shown while the item is in flight.
func (i Item) DisplayLabel() string {
	if i.Label != "" {
		return i.Label
	}
	if i.PartNumber != "" {
		return i.PartNumber
	}
	return i.ComponentRef
}
