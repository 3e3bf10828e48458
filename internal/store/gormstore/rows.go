package gormstore

import (
	"encoding/json"
	"time"

	"enrichment-orchestrator/internal/models"
)

type jobRow struct {
	ID               string `gorm:"primaryKey"`
	Kind             string `gorm:"not null"`
	BomID            *string
	BulkUploadID     *string
	TenantID         *string `gorm:"index"`
	ArtifactKey      string
	Priority         int    `gorm:"not null;index:idx_jobs_claim,priority:1"`
	Status           string `gorm:"not null;index"`
	TotalItems       int
	ProcessedItems   int
	SucceededItems   int
	FailedItems      int
	CurrentItemLabel string
	RetryCount       int
	MaxRetries       int
	LastError        *string
	PausedBy         *string
	CancelledBy      *string
	CancelReason     *string
	CreatedAt        time.Time `gorm:"autoCreateTime:false;index:idx_jobs_claim,priority:2"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
	StartedAt        *time.Time
	PausedAt         *time.Time
	ResumedAt        *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
}

func (jobRow) TableName() string { return "jobs" }

func jobToRow(j models.Job) jobRow {
	return jobRow{
		ID: j.ID, Kind: string(j.Kind), BomID: j.BomID, BulkUploadID: j.BulkUploadID, TenantID: j.TenantID,
		ArtifactKey: j.ArtifactKey, Priority: j.Priority, Status: string(j.Status),
		TotalItems: j.TotalItems, ProcessedItems: j.ProcessedItems, SucceededItems: j.SucceededItems,
		FailedItems: j.FailedItems, CurrentItemLabel: j.CurrentItemLabel,
		RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, LastError: j.LastError,
		PausedBy: j.PausedBy, CancelledBy: j.CancelledBy, CancelReason: j.CancelReason,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt, StartedAt: j.StartedAt, PausedAt: j.PausedAt,
		ResumedAt: j.ResumedAt, CompletedAt: j.CompletedAt, CancelledAt: j.CancelledAt,
	}
}

func (r jobRow) model() models.Job {
	return models.Job{
		ID: r.ID, Kind: models.JobKind(r.Kind), BomID: r.BomID, BulkUploadID: r.BulkUploadID, TenantID: r.TenantID,
		ArtifactKey: r.ArtifactKey, Priority: r.Priority, Status: models.JobStatus(r.Status),
		TotalItems: r.TotalItems, ProcessedItems: r.ProcessedItems, SucceededItems: r.SucceededItems,
		FailedItems: r.FailedItems, CurrentItemLabel: r.CurrentItemLabel,
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries, LastError: r.LastError,
		PausedBy: r.PausedBy, CancelledBy: r.CancelledBy, CancelReason: r.CancelReason,
		CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(), StartedAt: utcPtr(r.StartedAt),
		PausedAt: utcPtr(r.PausedAt), ResumedAt: utcPtr(r.ResumedAt), CompletedAt: utcPtr(r.CompletedAt),
		CancelledAt: utcPtr(r.CancelledAt),
	}
}

type entryRow struct {
	ID                    string `gorm:"primaryKey"`
	JobID                 string `gorm:"not null;index"`
	ComponentRef          string `gorm:"not null"`
	PartNumber            string
	ErrorMessage          string
	ErrorType             string `gorm:"not null"`
	RetryCount            int
	NextRetryDelaySeconds int
	Status                string `gorm:"not null;index"`
	ContextSnapshot       []byte
	ReviewedBy            *string
	CreatedAt             time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime:false"`
	LastFailedAt          time.Time
	NextRetryAt           *time.Time `gorm:"index"`
	ResolvedAt            *time.Time
}

func (entryRow) TableName() string { return "error_queue_entries" }

func entryToRow(e models.ErrorEntry) entryRow {
	return entryRow{
		ID: e.ID, JobID: e.JobID, ComponentRef: e.ComponentRef, PartNumber: e.PartNumber,
		ErrorMessage: e.ErrorMessage, ErrorType: string(e.ErrorType), RetryCount: e.RetryCount,
		NextRetryDelaySeconds: e.NextRetryDelaySeconds, Status: string(e.Status),
		ContextSnapshot: e.ContextSnapshot, ReviewedBy: e.ReviewedBy,
		CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt, LastFailedAt: e.LastFailedAt,
		NextRetryAt: e.NextRetryAt, ResolvedAt: e.ResolvedAt,
	}
}

func (r entryRow) model() models.ErrorEntry {
	e := models.ErrorEntry{
		ID: r.ID, JobID: r.JobID, ComponentRef: r.ComponentRef, PartNumber: r.PartNumber,
		ErrorMessage: r.ErrorMessage, ErrorType: models.ErrorType(r.ErrorType), RetryCount: r.RetryCount,
		NextRetryDelaySeconds: r.NextRetryDelaySeconds, Status: models.EntryStatus(r.Status),
		ReviewedBy: r.ReviewedBy, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
		LastFailedAt: r.LastFailedAt.UTC(), NextRetryAt: utcPtr(r.NextRetryAt), ResolvedAt: utcPtr(r.ResolvedAt),
	}
	if len(r.ContextSnapshot) > 0 {
		e.ContextSnapshot = json.RawMessage(r.ContextSnapshot)
	}
	return e
}

type eventRow struct {
	Position  int64  `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"not null;uniqueIndex"`
	JobID     string `gorm:"not null;uniqueIndex:idx_events_job_sequence,priority:1"`
	Sequence  int64  `gorm:"not null;uniqueIndex:idx_events_job_sequence,priority:2"`
	EventType string `gorm:"not null"`
	State     []byte `gorm:"not null"`
	Payload   []byte
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (eventRow) TableName() string { return "progress_events" }

func (r eventRow) model() (models.ProgressEvent, error) {
	ev := models.ProgressEvent{
		ID: r.EventID, JobID: r.JobID, Sequence: r.Sequence, Position: r.Position,
		Type: models.EventType(r.EventType), CreatedAt: r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal(r.State, &ev.Snapshot); err != nil {
		return models.ProgressEvent{}, err
	}
	if len(r.Payload) > 0 {
		ev.Payload = json.RawMessage(r.Payload)
	}
	return ev, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
