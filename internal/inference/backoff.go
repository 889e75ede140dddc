package inference

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before a retry attempt. Strategies are
// stateless and safe for concurrent use.
type BackoffStrategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ConstantBackoff always returns the same delay regardless of attempt number.
type ConstantBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c *ConstantBackoff) Delay(_ int) time.Duration {
	return c.Interval
}

// LinearBackoff increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type LinearBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * attempt, capped at Max.
func (l *LinearBackoff) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ExponentialBackoff doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// JitterBackoff applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// Full jitter spreads simultaneous retries against the same provider.
type JitterBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (j *JitterBackoff) Delay(attempt int) time.Duration {
	base := float64(j.Initial) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && base > float64(j.Max) {
		base = float64(j.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// DefaultBackoff returns the strategy the chain uses when none is configured:
// full jitter over an exponential base, 250ms initial and 5s max.
func DefaultBackoff() BackoffStrategy {
	return &JitterBackoff{Initial: 250 * time.Millisecond, Max: 5 * time.Second}
}
