package config

import (
	"strings"
	"time"
)

// InferenceConfig configures the provider fallback chain and the resilience
// wrapper around every provider call.
type InferenceConfig struct {
	// Providers is the ordered fallback chain, comma-delimited. The first
	// provider is primary; later entries are tried when earlier ones fail
	// or their breakers are open.
	Providers []string `env:"PROVIDERS" envDefault:"dev"`

	// MaxAttempts bounds retries of one logical call against one provider
	// before the chain moves to the next provider.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3"`

	// CallTimeout bounds a single provider invocation.
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`

	// JobBudget bounds a whole job's pipeline (analyze + all transforms).
	// When the budget lapses mid-run, finished artifacts stand and the job
	// finalizes from whatever completed.
	JobBudget time.Duration `env:"JOB_BUDGET" envDefault:"5m"`

	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	BreakerThreshold int `env:"BREAKER_THRESHOLD" envDefault:"5"`

	// BreakerCooldown is how long an open circuit rejects calls before
	// admitting a single half-open probe.
	BreakerCooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`

	// MaxInFlight caps concurrent calls per provider. Zero disables the cap.
	MaxInFlight int `env:"MAX_IN_FLIGHT" envDefault:"4"`

	// RatePerSecond throttles calls per provider. Zero disables throttling.
	RatePerSecond float64 `env:"RATE_PER_SECOND" envDefault:"0"`

	// RateBurst is the token bucket burst when RatePerSecond is set.
	RateBurst int `env:"RATE_BURST" envDefault:"1"`

	// BackoffInitial and BackoffMax bound the jittered exponential delay
	// between retry attempts.
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"250ms"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX"     envDefault:"5s"`
}

// Sanitize applies guardrails to inference configuration values.
func (i *InferenceConfig) Sanitize() {
	cleaned := make([]string, 0, len(i.Providers))
	for _, p := range i.Providers {
		if name := strings.ToLower(strings.TrimSpace(p)); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"dev"}
	}
	i.Providers = cleaned

	if i.MaxAttempts < 1 {
		i.MaxAttempts = 1
	}
	if i.CallTimeout <= 0 {
		i.CallTimeout = 30 * time.Second
	}
	if i.JobBudget < i.CallTimeout {
		i.JobBudget = 5 * time.Minute
	}
	if i.BreakerThreshold < 1 {
		i.BreakerThreshold = 1
	}
	if i.BreakerCooldown <= 0 {
		i.BreakerCooldown = 30 * time.Second
	}
	if i.MaxInFlight < 0 {
		i.MaxInFlight = 0
	}
	if i.RatePerSecond < 0 {
		i.RatePerSecond = 0
	}
	if i.RateBurst < 1 {
		i.RateBurst = 1
	}
	if i.BackoffInitial <= 0 {
		i.BackoffInitial = 250 * time.Millisecond
	}
	if i.BackoffMax < i.BackoffInitial {
		i.BackoffMax = i.BackoffInitial
	}
}
