// Package testutil provides testing utilities and helpers for the keepsake job system.
package testutil

import (
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
// The built request is already valid; repositories validate without normalizing.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			SessionID: "sess-test",
			Kind:      model.JobKindGeneration,
			InputRef:  "uploads/sess-test/portrait.png",
			Preferences: model.Preferences{
				Count: model.DefaultArtifactCount,
			},
			Delivery: model.DeliveryPoll,
		},
	}
}

// WithKind sets the job kind.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithSessionID sets the session ID.
func (b *JobRequestBuilder) WithSessionID(sessionID string) *JobRequestBuilder {
	b.req.SessionID = sessionID
	return b
}

// WithInputRef sets the input reference.
func (b *JobRequestBuilder) WithInputRef(inputRef string) *JobRequestBuilder {
	b.req.InputRef = inputRef
	return b
}

// WithCount sets the requested artifact count.
func (b *JobRequestBuilder) WithCount(count int) *JobRequestBuilder {
	b.req.Preferences.Count = count
	return b
}

// WithOccasion sets the occasion preference.
func (b *JobRequestBuilder) WithOccasion(occasion string) *JobRequestBuilder {
	b.req.Preferences.Occasion = &occasion
	return b
}

// WithDelivery sets the delivery mode.
func (b *JobRequestBuilder) WithDelivery(mode model.DeliveryMode) *JobRequestBuilder {
	b.req.Delivery = mode
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// TestScenarioBuilder provides a fluent interface for building test scenarios.
type TestScenarioBuilder struct {
	jobs []JobScenario
}

// JobScenario represents a job and the actions to perform on it.
type JobScenario struct {
	Request *model.CreateJobRequest
	Actions []JobAction
}

// JobAction represents an action to perform on a job.
type JobAction struct {
	Type   string // "reserve", "finalize", "appendError", "heartbeat"
	Params map[string]interface{}
}

// NewTestScenario creates a new TestScenarioBuilder.
func NewTestScenario() *TestScenarioBuilder {
	return &TestScenarioBuilder{
		jobs: make([]JobScenario, 0),
	}
}

// AddJob adds a job scenario to the test.
func (b *TestScenarioBuilder) AddJob(request *model.CreateJobRequest, actions ...JobAction) *TestScenarioBuilder {
	b.jobs = append(b.jobs, JobScenario{
		Request: request,
		Actions: actions,
	})
	return b
}

// AddPendingJob adds a job that stays pending.
func (b *TestScenarioBuilder) AddPendingJob(sessionID string) *TestScenarioBuilder {
	req := NewJobRequest().
		WithSessionID(sessionID).
		WithInputRef("uploads/" + sessionID + "/pending.png").
		Build()
	return b.AddJob(req)
}

// AddProcessingJob adds a job that gets reserved and stays processing.
func (b *TestScenarioBuilder) AddProcessingJob(sessionID string) *TestScenarioBuilder {
	req := NewJobRequest().
		WithSessionID(sessionID).
		WithInputRef("uploads/" + sessionID + "/processing.png").
		Build()
	return b.AddJob(req, ReserveAction())
}

// AddFinalizedJob adds a job that gets reserved and finalized with the given terminal status.
func (b *TestScenarioBuilder) AddFinalizedJob(sessionID string, status model.JobStatus) *TestScenarioBuilder {
	req := NewJobRequest().
		WithSessionID(sessionID).
		WithInputRef("uploads/" + sessionID + "/finalized.png").
		Build()
	return b.AddJob(req, ReserveAction(), FinalizeAction(status))
}

// AddFailedJob adds a job that gets reserved, accumulates an error, and fails.
func (b *TestScenarioBuilder) AddFailedJob(sessionID, errorMsg string) *TestScenarioBuilder {
	req := NewJobRequest().
		WithSessionID(sessionID).
		WithInputRef("uploads/" + sessionID + "/failed.png").
		Build()
	return b.AddJob(req, ReserveAction(), AppendErrorAction(errorMsg), FinalizeAction(model.JobStatusFailed))
}

// Build returns the constructed job scenarios.
func (b *TestScenarioBuilder) Build() []JobScenario {
	return b.jobs
}

// Action builders for common job actions

// ReserveAction creates a reserve action.
func ReserveAction() JobAction {
	return JobAction{Type: "reserve"}
}

// FinalizeAction creates a finalize action with a terminal status.
func FinalizeAction(status model.JobStatus) JobAction {
	return JobAction{
		Type:   "finalize",
		Params: map[string]interface{}{"status": status},
	}
}

// AppendErrorAction creates an append-error action with an error message.
func AppendErrorAction(errorMsg string) JobAction {
	return JobAction{
		Type:   "appendError",
		Params: map[string]interface{}{"error": errorMsg},
	}
}

// HeartbeatAction creates a heartbeat action with lease seconds.
func HeartbeatAction(leaseSeconds int) JobAction {
	return JobAction{
		Type:   "heartbeat",
		Params: map[string]interface{}{"leaseSeconds": leaseSeconds},
	}
}

// Common test job request presets

// SyncJobRequest creates a job request with sync delivery.
func SyncJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithDelivery(model.DeliverySync).
		Build()
}

// PushJobRequest creates a job request with push delivery.
func PushJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithDelivery(model.DeliveryPush).
		Build()
}

// OccasionJobRequest creates a job request carrying an occasion preference.
func OccasionJobRequest(occasion string) *model.CreateJobRequest {
	return NewJobRequest().
		WithOccasion(occasion).
		Build()
}

// SingleArtifactJobRequest creates a job request for exactly one artifact.
func SingleArtifactJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithCount(1).
		Build()
}

// MaxArtifactJobRequest creates a job request at the artifact count ceiling.
func MaxArtifactJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithCount(model.MaxArtifactCount).
		Build()
}

// WebhookSinkRequestBuilder provides a fluent interface for building CreateWebhookSinkRequest objects.
type WebhookSinkRequestBuilder struct {
	req *model.CreateWebhookSinkRequest
}

// NewWebhookSinkRequest creates a new WebhookSinkRequestBuilder with sensible defaults.
func NewWebhookSinkRequest() *WebhookSinkRequestBuilder {
	return &WebhookSinkRequestBuilder{
		req: &model.CreateWebhookSinkRequest{
			Name: "test-sink",
			URL:  "https://hooks.example.com/keepsake",
		},
	}
}

// WithName sets the sink name.
func (b *WebhookSinkRequestBuilder) WithName(name string) *WebhookSinkRequestBuilder {
	b.req.Name = name
	return b
}

// WithURL sets the sink URL.
func (b *WebhookSinkRequestBuilder) WithURL(url string) *WebhookSinkRequestBuilder {
	b.req.URL = url
	return b
}

// WithTemplate sets the JMESPath template.
func (b *WebhookSinkRequestBuilder) WithTemplate(template string) *WebhookSinkRequestBuilder {
	b.req.Template = &template
	return b
}

// WithEnabled sets the enabled flag.
func (b *WebhookSinkRequestBuilder) WithEnabled(enabled bool) *WebhookSinkRequestBuilder {
	b.req.Enabled = &enabled
	return b
}

// Build returns the constructed CreateWebhookSinkRequest.
func (b *WebhookSinkRequestBuilder) Build() *model.CreateWebhookSinkRequest {
	return b.req
}
