package inference

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// providerLimiter bounds in-flight calls and call rate to one provider. Both
// limits are process-wide for the provider, shared across jobs, so fan-out
// concurrency never exceeds what the upstream tolerates.
type providerLimiter struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func newProviderLimiter(maxInFlight int64, perSecond float64, burst int) *providerLimiter {
	pl := &providerLimiter{}
	if maxInFlight > 0 {
		pl.sem = semaphore.NewWeighted(maxInFlight)
	}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		pl.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return pl
}

// acquire blocks until an in-flight slot and a rate token are available, or
// the context is done. Callers must release after the call settles.
func (pl *providerLimiter) acquire(ctx context.Context) error {
	if pl.sem != nil {
		if err := pl.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if pl.limiter != nil {
		if err := pl.limiter.Wait(ctx); err != nil {
			if pl.sem != nil {
				pl.sem.Release(1)
			}
			return err
		}
	}
	return nil
}

func (pl *providerLimiter) release() {
	if pl.sem != nil {
		pl.sem.Release(1)
	}
}

// limiterRegistry creates limiters lazily per provider, mirroring the
// breaker registry.
type limiterRegistry struct {
	maxInFlight int64
	perSecond   float64
	burst       int

	mu       sync.Mutex
	limiters map[string]*providerLimiter
}

func newLimiterRegistry(maxInFlight int64, perSecond float64, burst int) *limiterRegistry {
	return &limiterRegistry{
		maxInFlight: maxInFlight,
		perSecond:   perSecond,
		burst:       burst,
		limiters:    make(map[string]*providerLimiter),
	}
}

func (r *limiterRegistry) get(provider string) *providerLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.limiters[provider]
	if !ok {
		pl = newProviderLimiter(r.maxInFlight, r.perSecond, r.burst)
		r.limiters[provider] = pl
	}
	return pl
}
