package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts      = 3
	defaultCallTimeout      = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// ChainOptions configures a provider Chain.
type ChainOptions struct {
	// Providers is the fallback order, highest priority first. Required.
	Providers []Provider

	// MaxAttempts is the per-provider attempt budget; defaults to 3.
	MaxAttempts int
	// CallTimeout bounds a single attempt; defaults to 30s.
	CallTimeout time.Duration
	// Backoff spaces retry attempts; defaults to full-jitter exponential.
	Backoff BackoffStrategy

	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit; defaults to 5.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit refuses calls before
	// allowing a half-open probe; defaults to 30s.
	BreakerCooldown time.Duration

	// MaxInFlightPerProvider caps concurrent calls per provider (0 = unbounded).
	MaxInFlightPerProvider int64
	// RatePerSecond caps the per-provider call rate (0 = unlimited).
	RatePerSecond float64
	// RateBurst is the rate limiter burst size; defaults to 1 when rate limiting.
	RateBurst int

	// OnBreakerChange observes circuit transitions (metrics, ops alerts).
	OnBreakerChange StateChangeFunc
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Chain tries providers in priority order until one succeeds. Each provider
// gets a bounded retry budget with backoff; an open circuit skips a provider
// without touching the network. The chain performs no persistence and emits
// no events.
type Chain struct {
	providers   []Provider
	maxAttempts int
	callTimeout time.Duration
	backoff     BackoffStrategy
	breakers    *breakerRegistry
	limiters    *limiterRegistry
	logger      *slog.Logger
}

// NewChain validates options and constructs a Chain.
func NewChain(opts ChainOptions) (*Chain, error) {
	if len(opts.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	for _, p := range opts.Providers {
		if p == nil || p.Name() == "" {
			return nil, errors.New("providers must be non-nil and named")
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	bo := opts.Backoff
	if bo == nil {
		bo = DefaultBackoff()
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		providers:   opts.Providers,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		backoff:     bo,
		breakers:    newBreakerRegistry(threshold, cooldown, now, opts.OnBreakerChange),
		limiters:    newLimiterRegistry(opts.MaxInFlightPerProvider, opts.RatePerSecond, opts.RateBurst),
		logger:      logger.With("component", "inference_chain"),
	}, nil
}

// MustNewChain constructs a Chain and panics on error.
// Use this when you want fail-fast behavior during application startup.
func MustNewChain(opts ChainOptions) *Chain {
	c, err := NewChain(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return c
}

// Analyze runs the analyze capability through the fallback chain.
func (c *Chain) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	out, err := c.execute(ctx, CapabilityAnalyze, func(ctx context.Context, p Provider) (any, error) {
		return p.Analyze(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*AnalyzeResult), nil
}

// Transform runs the transform capability through the fallback chain.
func (c *Chain) Transform(ctx context.Context, req TransformRequest) (*TransformResult, error) {
	out, err := c.execute(ctx, CapabilityTransform, func(ctx context.Context, p Provider) (any, error) {
		return p.Transform(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*TransformResult), nil
}

// BreakerStates snapshots every known provider circuit, for health and
// admin surfaces.
func (c *Chain) BreakerStates() map[string]BreakerState {
	c.breakers.mu.Lock()
	defer c.breakers.mu.Unlock()
	states := make(map[string]BreakerState, len(c.breakers.breakers))
	for name, br := range c.breakers.breakers {
		states[name] = br.State()
	}
	return states
}

// execute walks the provider chain in priority order and stops at the first
// success. Every provider failure is absorbed into the aggregate error; the
// only error that escapes early is the caller's own context ending.
func (c *Chain) execute(ctx context.Context, capability Capability, call func(context.Context, Provider) (any, error)) (any, error) {
	attempted := make([]string, 0, len(c.providers))
	var last error

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempted = append(attempted, p.Name())

		out, err := c.tryProvider(ctx, capability, p, call)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		last = err

		var open *CircuitOpenError
		if errors.As(err, &open) {
			c.logger.WarnContext(ctx, "provider skipped, circuit open",
				"provider", p.Name(), "capability", string(capability), "retry_after", open.RetryAfter)
			continue
		}
		c.logger.WarnContext(ctx, "provider exhausted, falling back",
			"provider", p.Name(), "capability", string(capability), "error", err)
	}

	return nil, &AllProvidersFailedError{Capability: capability, Attempted: attempted, Last: last}
}

// tryProvider spends one provider's retry budget. The circuit is rechecked
// before every attempt: it can open mid-budget from this goroutine's own
// failures or a sibling's.
func (c *Chain) tryProvider(ctx context.Context, capability Capability, p Provider, call func(context.Context, Provider) (any, error)) (any, error) {
	br := c.breakers.get(p.Name())
	var last error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		allowed, retryAfter := br.Allow()
		if !allowed {
			// Opened mid-budget by this goroutine's own failures: the real
			// call error is the more useful contribution to the aggregate.
			if last != nil {
				return nil, last
			}
			return nil, &CircuitOpenError{Provider: p.Name(), Capability: capability, RetryAfter: retryAfter}
		}

		out, err := c.invoke(ctx, p, call)
		if err == nil {
			br.RecordSuccess()
			return out, nil
		}

		if pErr := ctx.Err(); pErr != nil {
			// Caller gone; the provider is not at fault.
			return nil, pErr
		}

		br.RecordFailure()
		last = &ProviderCallError{Provider: p.Name(), Capability: capability, Err: err}
		c.logger.DebugContext(ctx, "provider attempt failed",
			"provider", p.Name(), "capability", string(capability), "attempt", attempt, "error", err)
	}

	return nil, last
}

// invoke performs a single bounded attempt: limiter slot, rate token, then
// the call under the per-attempt timeout.
func (c *Chain) invoke(ctx context.Context, p Provider, call func(context.Context, Provider) (any, error)) (any, error) {
	lim := c.limiters.get(p.Name())
	if err := lim.acquire(ctx); err != nil {
		return nil, err
	}
	defer lim.release()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return call(callCtx, p)
}

func (c *Chain) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
