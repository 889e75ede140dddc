package inference

import (
	"fmt"
	"strings"
	"time"
)

// ProviderCallError reports one failed provider attempt, timeouts included.
// It is transient from the chain's point of view: the attempt is retried
// until the provider's budget is exhausted.
type ProviderCallError struct {
	Provider   string
	Capability Capability
	Err        error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider %s: %s call failed: %v", e.Provider, e.Capability, e.Err)
}

// Unwrap returns the underlying call error.
func (e *ProviderCallError) Unwrap() error {
	return e.Err
}

// CircuitOpenError reports a call short-circuited by an open breaker. No
// retry budget is consumed and the network boundary is never reached, but
// the provider still counts as attempted for chain exhaustion.
type CircuitOpenError struct {
	Provider   string
	Capability Capability
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("provider %s: circuit open, retry after %s", e.Provider, e.RetryAfter)
}

// AllProvidersFailedError reports that every provider in the chain was
// exhausted for one invocation. Attempted preserves the configured priority
// order; Last is the final underlying failure.
type AllProvidersFailedError struct {
	Capability Capability
	Attempted  []string
	Last       error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed for %s (attempted %s): %v",
		e.Capability, strings.Join(e.Attempted, ", "), e.Last)
}

// Unwrap returns the last underlying failure.
func (e *AllProvidersFailedError) Unwrap() error {
	return e.Last
}
