package inference

import (
	"sync"
	"time"
)

// BreakerState is the current mode of one provider's circuit.
type BreakerState string

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen short-circuits every call until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets exactly one trial call through after cooldown.
	BreakerHalfOpen BreakerState = "half_open"
)

// StateChangeFunc observes breaker transitions. Called outside the breaker
// lock; implementations must not call back into the breaker.
type StateChangeFunc func(provider string, from, to BreakerState)

// Breaker is the circuit for a single provider, shared process-wide across
// every job calling that provider. All accounting is serialized under one
// mutex so concurrent failures cannot lose increments.
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// newBreaker creates a closed breaker for the provider.
func newBreaker(provider string, threshold int, cooldown time.Duration, now func() time.Time, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		onChange:  onChange,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. When the cooldown of an open
// circuit has elapsed, Allow claims the single half-open probe slot for the
// caller; every other caller is refused until the probe's outcome is
// recorded. retryAfter is the remaining cooldown when refused while open.
func (b *Breaker) Allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return true, 0
	case BreakerHalfOpen:
		// Probe already in flight.
		b.mu.Unlock()
		return false, 0
	default:
	}

	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		remaining := b.cooldown - elapsed
		b.mu.Unlock()
		return false, remaining
	}

	b.state = BreakerHalfOpen
	b.mu.Unlock()
	b.notify(BreakerOpen, BreakerHalfOpen)
	return true, 0
}

// RecordSuccess resets the circuit. A half-open probe success closes it and
// zeroes the failure counter; a success while closed clears any partial
// consecutive-failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = BreakerClosed
	b.failures = 0
	b.mu.Unlock()

	if from == BreakerHalfOpen {
		b.notify(from, BreakerClosed)
	}
}

// RecordFailure counts one failed call. Reaching the threshold while closed
// opens the circuit; a half-open probe failure reopens it and restarts the
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	b.lastFailure = now

	from := b.state
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = now
		}
	default:
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// State returns the current mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) notify(from, to BreakerState) {
	if b.onChange != nil {
		b.onChange(b.provider, from, to)
	}
}

// breakerRegistry creates breakers lazily on the first call to a provider.
type breakerRegistry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func newBreakerRegistry(threshold int, cooldown time.Duration, now func() time.Time, onChange StateChangeFunc) *breakerRegistry {
	return &breakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		onChange:  onChange,
		breakers:  make(map[string]*Breaker),
	}
}

func (r *breakerRegistry) get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[provider]
	if !ok {
		br = newBreaker(provider, r.threshold, r.cooldown, r.now, r.onChange)
		r.breakers[provider] = br
	}
	return br
}
