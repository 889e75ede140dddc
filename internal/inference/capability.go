// Package inference wraps calls to external inference providers with
// per-attempt retry, a per-provider circuit breaker, and an ordered
// provider fallback chain. The package has no knowledge of jobs: callers
// get back a result or a typed failure and decide what to do with it.
package inference

import "context"

// Capability identifies one of the two operations every provider exposes.
type Capability string

const (
	// CapabilityAnalyze derives a text description from input content.
	CapabilityAnalyze Capability = "analyze"
	// CapabilityTransform produces one output payload from input content under a prompt.
	CapabilityTransform Capability = "transform"
)

// AnalyzeRequest asks a provider to describe the referenced input content.
type AnalyzeRequest struct {
	InputRef string
}

// AnalyzeResult carries the derived description text.
type AnalyzeResult struct {
	Text string
}

// TransformRequest asks a provider to produce one output from the referenced
// input under the given prompt.
type TransformRequest struct {
	InputRef string
	Prompt   string
}

// TransformResult carries one produced payload.
type TransformResult struct {
	Payload     []byte
	ContentType string
}

// Provider is one external inference backend. Implementations are selected
// by the chain's configured priority order, never by type inspection.
type Provider interface {
	// Name identifies the provider in errors, logs, and circuit state.
	Name() string
	Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error)
	Transform(ctx context.Context, req TransformRequest) (*TransformResult, error)
}
