package core

import (
	"context"
	"time"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job data operations.
//
// A job row has exactly one writer at a time: the submitting request until the
// row is created, then the worker that reserved it. Mutating methods return a
// bool reporting whether the row was in a state that accepted the write, so
// callers can detect lost leases and already-finalized jobs without a read.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, kind model.JobKind, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context, kind model.JobKind) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	SetAnalysis(ctx context.Context, jobID, analysis string) (bool, error)
	// AppendError durably records a sub-task failure message on the job row.
	AppendError(ctx context.Context, jobID, message string) (bool, error)
	// Finalize moves a processing job to the given terminal status. It is a
	// no-op returning false when the job is already terminal.
	Finalize(ctx context.Context, params FinalizeJobParams) (bool, error)
	Stats(ctx context.Context, kind model.JobKind) (*model.JobStats, error)
}

// FinalizeJobParams groups parameters for JobRepository.Finalize.
type FinalizeJobParams struct {
	JobID  string
	Status model.JobStatus
}

// RequeueExpiredParams groups parameters for JobMaintenanceRepository.RequeueExpired.
type RequeueExpiredParams struct {
	Kind        model.JobKind
	MaxRequeues int
	BatchSize   int
}

// RequeueOutcome reports what a requeue sweep did. FailedIDs lists the jobs
// the sweep force-failed so the caller can publish their terminal events and
// fire webhooks.
type RequeueOutcome struct {
	Requeued  int64    `json:"requeued"`
	Failed    int64    `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// JobMaintenanceRepository defines the interface for job recovery operations.
type JobMaintenanceRepository interface {
	// RequeueExpired returns processing jobs whose lease has lapsed to pending
	// so another worker can pick them up. Jobs already requeued MaxRequeues
	// times are finalized as failed instead. Processes up to BatchSize jobs
	// per call to prevent long locks.
	RequeueExpired(ctx context.Context, params RequeueExpiredParams) (*RequeueOutcome, error)
}

// ArtifactRepository defines the interface for artifact data operations.
type ArtifactRepository interface {
	Create(ctx context.Context, req *model.CreateArtifactRequest) (*model.Artifact, error)
	GetByID(ctx context.Context, id string) (*model.Artifact, error)
	ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
	// MarkSaved flags an artifact as kept by the user and clears its expiry.
	MarkSaved(ctx context.Context, id string) (*model.Artifact, error)
	// ListExpired returns unsaved artifacts whose expiry passed before the
	// given instant, oldest first, so callers can delete the stored objects
	// before removing the rows.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.Artifact, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// WebhookSinkRepository defines the interface for webhook sink data operations.
type WebhookSinkRepository interface {
	Create(ctx context.Context, req *model.CreateWebhookSinkRequest) (*model.WebhookSink, error)
	GetByID(ctx context.Context, id string) (*model.WebhookSink, error)
	GetByName(ctx context.Context, name string) (*model.WebhookSink, error)
	List(ctx context.Context, limit, offset int) ([]*model.WebhookSink, error)
	Update(ctx context.Context, id string, req *model.UpdateWebhookSinkRequest) (*model.WebhookSink, error)
	Delete(ctx context.Context, id string) (bool, error)
	// ListEnabled returns every sink that should receive terminal job notifications.
	ListEnabled(ctx context.Context) ([]*model.WebhookSink, error)
}
