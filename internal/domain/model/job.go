// Package model defines the core data types and structures used throughout the keepsake generation system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind represents the kind of generation job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the current status of a job.
type JobStatus string

// DeliveryMode selects how a submitter consumes job progress.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type DeliveryMode string

const (
	// JobKindGeneration represents a multi-stage image generation job.
	JobKindGeneration JobKind = "generation"

	// JobStatusPending indicates a job is waiting to be picked up by a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a job is currently being driven through its stages.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates every requested artifact was produced.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusPartial indicates some, but not all, requested artifacts were produced.
	JobStatusPartial JobStatus = "partial"
	// JobStatusFailed indicates the job produced no artifacts.
	JobStatusFailed JobStatus = "failed"

	// DeliverySync blocks the submitter until the job reaches a terminal state.
	DeliverySync DeliveryMode = "sync"
	// DeliveryPush streams live events to the submitter over the event feed.
	DeliveryPush DeliveryMode = "push"
	// DeliveryPoll hands back handles for stateless status reads.
	DeliveryPoll DeliveryMode = "poll"
)

const (
	// MinArtifactCount and MaxArtifactCount bound preferences.count.
	MinArtifactCount = 1
	MaxArtifactCount = 5
	// DefaultArtifactCount applies when preferences.count is absent.
	DefaultArtifactCount = 3

	maxOccasionLen = 128
	maxInputRefLen = 1024
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// AbandonedJobMessage is recorded on jobs force-failed after their lease
// expired more times than the requeue allowance permits. The maintenance
// sweep publishes the same message on the job's terminal error event.
const AbandonedJobMessage = "job abandoned: lease expired after maximum requeues"

// ValidationError reports invalid submission input. It is raised before any
// job record exists and is surfaced synchronously to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidationError builds a ValidationError with the given reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jk := JobKind(v)
	if jk.Valid() {
		*k = jk
		return nil
	}
	return fmt.Errorf("invalid JobKind: %q", v)
}

// Valid returns true if the JobKind is valid.
func (k JobKind) Valid() bool {
	return k == JobKindGeneration
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusPartial || s == JobStatusFailed
}

// Terminal returns true if the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler for DeliveryMode.
func (m *DeliveryMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	dm := DeliveryMode(v)
	if dm.Valid() {
		*m = dm
		return nil
	}
	return fmt.Errorf("invalid DeliveryMode: %q", v)
}

// Valid returns true if the DeliveryMode is valid.
func (m DeliveryMode) Valid() bool {
	return m == DeliverySync || m == DeliveryPush || m == DeliveryPoll
}

// Preferences carries the submitter's generation preferences.
type Preferences struct {
	Count    int     `json:"count"              db:"count"`
	Occasion *string `json:"occasion,omitempty" db:"occasion"`
}

// Normalize applies defaults to absent preference fields.
func (p *Preferences) Normalize() {
	if p.Count == 0 {
		p.Count = DefaultArtifactCount
	}
	if p.Occasion != nil {
		o := strings.TrimSpace(*p.Occasion)
		if o == "" {
			p.Occasion = nil
		} else {
			p.Occasion = &o
		}
	}
}

// Validate validates the preference fields after normalization.
func (p *Preferences) Validate() error {
	if p.Count < MinArtifactCount || p.Count > MaxArtifactCount {
		return NewValidationError(fmt.Sprintf("count must be between %d and %d", MinArtifactCount, MaxArtifactCount))
	}
	if p.Occasion != nil && len(*p.Occasion) > maxOccasionLen {
		return NewValidationError("occasion cannot exceed 128 characters")
	}
	return nil
}

// Job represents a generation job with all its metadata and status information.
// The record is owned by the orchestrator and mutated only through stage transitions.
type Job struct {
	ID             string      `json:"id"                         db:"id"`
	SessionID      string      `json:"session_id"                 db:"session_id"`
	Kind           JobKind     `json:"kind"                       db:"kind"`
	Status         JobStatus   `json:"status"                     db:"status"`
	InputRef       string      `json:"input_reference"            db:"input_ref"`
	Preferences    Preferences `json:"preferences"`
	Analysis       *string     `json:"analysis,omitempty"         db:"analysis"`
	Errors         []string    `json:"errors"                     db:"errors"`
	RequeueCount   int         `json:"requeue_count"              db:"requeue_count"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time   `json:"created_at"                 db:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"     db:"completed_at"`
	UpdatedAt      time.Time   `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest represents a request to create a new generation job.
type CreateJobRequest struct {
	SessionID   string       `json:"session_id"`
	Kind        JobKind      `json:"kind,omitempty"`
	InputRef    string       `json:"input_reference"`
	Preferences Preferences  `json:"preferences"`
	Delivery    DeliveryMode `json:"delivery"`
}

// Normalize applies defaults to absent request fields.
func (r *CreateJobRequest) Normalize() {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.InputRef = strings.TrimSpace(r.InputRef)
	if r.Kind == "" {
		r.Kind = JobKindGeneration
	}
	if r.Delivery == "" {
		r.Delivery = DeliveryPoll
	}
	r.Preferences.Normalize()
}

// Validate validates the CreateJobRequest fields. All failures are
// ValidationErrors: no job record may be created from an invalid request.
func (r *CreateJobRequest) Validate() error {
	if !r.Kind.Valid() {
		return NewValidationError(fmt.Sprintf("invalid job kind %q", r.Kind))
	}
	if r.InputRef == "" {
		return NewValidationError("input_reference is required")
	}
	if len(r.InputRef) > maxInputRefLen {
		return NewValidationError("input_reference cannot exceed 1024 characters")
	}
	if !r.Delivery.Valid() {
		return NewValidationError(fmt.Sprintf("invalid delivery mode %q", r.Delivery))
	}
	return r.Preferences.Validate()
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Partial    int `json:"partial"`
	Failed     int `json:"failed"`
}

// StatusView is the poll projection of one job: everything a caller can learn
// about progress from the durable store at this instant.
type StatusView struct {
	JobID    string            `json:"job_id"`
	Status   JobStatus         `json:"status"`
	Analysis *string           `json:"analysis,omitempty"`
	Results  []ArtifactSummary `json:"results"`
	Errors   []string          `json:"errors"`
}

// SubmitAccepted is the immediate response for push/poll submissions.
type SubmitAccepted struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	StreamHandle string    `json:"stream_handle"`
	PollHandle   string    `json:"poll_handle"`
}

// TerminalStatus derives the terminal state from generate-stage outcomes,
// assuming the analyze stage already succeeded.
func TerminalStatus(artifacts, requested int) JobStatus {
	switch {
	case artifacts <= 0:
		return JobStatusFailed
	case artifacts < requested:
		return JobStatusPartial
	default:
		return JobStatusCompleted
	}
}
