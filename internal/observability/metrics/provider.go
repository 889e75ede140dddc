package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/keepsake-labs/keepsake/internal/inference"
)

// InstrumentProvider wraps an inference provider so every call is timed and
// counted. The chain itself stays metrics-free; instrumentation rides the
// Provider interface instead.
func InstrumentProvider(p inference.Provider) inference.Provider {
	return &instrumentedProvider{next: p}
}

type instrumentedProvider struct {
	next inference.Provider
}

var _ inference.Provider = (*instrumentedProvider)(nil)

func (ip *instrumentedProvider) Name() string { return ip.next.Name() }

func (ip *instrumentedProvider) Analyze(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResult, error) {
	start := time.Now()
	res, err := ip.next.Analyze(ctx, req)
	ip.observe(inference.CapabilityAnalyze, start, err)
	return res, err
}

func (ip *instrumentedProvider) Transform(ctx context.Context, req inference.TransformRequest) (*inference.TransformResult, error) {
	start := time.Now()
	res, err := ip.next.Transform(ctx, req)
	ip.observe(inference.CapabilityTransform, start, err)
	return res, err
}

func (ip *instrumentedProvider) observe(capability inference.Capability, start time.Time, err error) {
	name := ip.next.Name()
	ProviderCalls.WithLabelValues(name, string(capability), callOutcome(err)).Inc()
	ProviderLatency.WithLabelValues(name, string(capability)).Observe(time.Since(start).Seconds())
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

// ObserveBreakerChange mirrors a circuit transition into the state gauge and
// the transition counter. It matches the chain's OnBreakerChange signature so
// it can be wired directly, or composed with an alerting hook.
func ObserveBreakerChange(provider string, _, to inference.BreakerState) {
	BreakerState.WithLabelValues(provider).Set(breakerStateValue(to))
	BreakerTransitions.WithLabelValues(provider, string(to)).Inc()
}

func breakerStateValue(s inference.BreakerState) float64 {
	switch s {
	case inference.BreakerOpen:
		return 2
	case inference.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
