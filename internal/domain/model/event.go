package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies one of the job event types on the feed.
type EventKind string

const (
	// EventAnalysis carries the analyze-stage description text.
	EventAnalysis EventKind = "analysis"
	// EventProgress reports settled sub-task counts. Progress is transient:
	// it is never replayed to late subscribers.
	EventProgress EventKind = "progress"
	// EventArtifact announces one persisted artifact.
	EventArtifact EventKind = "artifact"
	// EventComplete is the success-side terminal event (completed or partial).
	EventComplete EventKind = "complete"
	// EventError is the failure-side terminal event.
	EventError EventKind = "error"
)

// Terminal returns true if the event kind ends the stream.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError
}

// JobEvent is the superset envelope carried on the event feed. Only the
// fields for its Kind are populated; Payload projects the caller-facing shape.
type JobEvent struct {
	ID        string           `json:"id"`
	JobID     string           `json:"job_id"`
	Kind      EventKind        `json:"kind"`
	Text      string           `json:"text,omitempty"`
	Completed int              `json:"completed,omitempty"`
	Total     int              `json:"total,omitempty"`
	Artifact  *ArtifactSummary `json:"artifact,omitempty"`
	Status    JobStatus        `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

// AnalysisPayload is the wire shape of an analysis event.
type AnalysisPayload struct {
	Text string `json:"text"`
}

// ProgressPayload is the wire shape of a progress event.
type ProgressPayload struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// CompletePayload is the wire shape of a complete event.
type CompletePayload struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Total  int       `json:"total"`
}

// ErrorPayload is the wire shape of an error event.
type ErrorPayload struct {
	Message   string `json:"message"`
	Completed int    `json:"completed"`
}

// NewAnalysisEvent builds an analysis event for the job.
func NewAnalysisEvent(jobID, text string) JobEvent {
	return JobEvent{
		ID:    uuid.NewString(),
		JobID: jobID,
		Kind:  EventAnalysis,
		Text:  text,
		At:    time.Now().UTC(),
	}
}

// NewProgressEvent builds a progress event for the job.
func NewProgressEvent(jobID string, completed, total int) JobEvent {
	return JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Kind:      EventProgress,
		Completed: completed,
		Total:     total,
		At:        time.Now().UTC(),
	}
}

// NewArtifactEvent builds an artifact event for the job.
func NewArtifactEvent(jobID string, artifact ArtifactSummary) JobEvent {
	return JobEvent{
		ID:       uuid.NewString(),
		JobID:    jobID,
		Kind:     EventArtifact,
		Artifact: &artifact,
		At:       time.Now().UTC(),
	}
}

// NewCompleteEvent builds the terminal complete event for the job.
func NewCompleteEvent(jobID string, status JobStatus, total int) JobEvent {
	return JobEvent{
		ID:     uuid.NewString(),
		JobID:  jobID,
		Kind:   EventComplete,
		Status: status,
		Total:  total,
		At:     time.Now().UTC(),
	}
}

// NewErrorEvent builds the terminal error event for the job.
func NewErrorEvent(jobID, message string, completed int) JobEvent {
	return JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Kind:      EventError,
		Message:   message,
		Completed: completed,
		At:        time.Now().UTC(),
	}
}

// DedupeKey identifies events that repeat the same fact. Replayed history and
// the live feed can overlap; subscribers drop the second occurrence of a key.
// Terminal events share one key so a stream closes exactly once, and progress
// events are never deduplicated.
func (e JobEvent) DedupeKey() string {
	switch e.Kind {
	case EventAnalysis:
		return "analysis"
	case EventArtifact:
		if e.Artifact != nil {
			return "artifact:" + e.Artifact.ID
		}
		return "artifact:" + e.ID
	case EventComplete, EventError:
		return "terminal"
	default:
		return string(e.Kind) + ":" + e.ID
	}
}

// Payload projects the caller-facing wire shape for the event kind.
func (e JobEvent) Payload() any {
	switch e.Kind {
	case EventAnalysis:
		return AnalysisPayload{Text: e.Text}
	case EventProgress:
		return ProgressPayload{Completed: e.Completed, Total: e.Total}
	case EventArtifact:
		if e.Artifact != nil {
			return *e.Artifact
		}
		return ArtifactSummary{}
	case EventComplete:
		return CompletePayload{JobID: e.JobID, Status: e.Status, Total: e.Total}
	case EventError:
		return ErrorPayload{Message: e.Message, Completed: e.Completed}
	default:
		return e
	}
}
