package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Kind constants naming the operational condition being reported.
const (
	KindJobFailure  = "job_failure"
	KindCircuitOpen = "circuit_open"
)

// EventPayload captures the canonical data we emit for operational
// notifications: a job that burned through its budget, or a provider circuit
// opening.
type EventPayload struct {
	Kind       string
	JobID      string
	JobKind    string
	SessionID  string
	Provider   string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming operational notifications.
type Sink interface {
	SendEvent(ctx context.Context, payload EventPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload EventPayload) error

// SendEvent implements the Sink interface.
func (f SinkFunc) SendEvent(ctx context.Context, payload EventPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
