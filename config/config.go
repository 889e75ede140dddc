package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library under the KEEPSAKE_ prefix. See
// individual domain config files for details on available variables:
//   - database.go: Postgres, Redis, cache, and feed configuration
//   - http.go: HTTP server and delivery configuration
//   - inference.go: provider chain and resilience configuration
//   - storage.go: object store and artifact retention configuration
//   - services.go: service mode, worker, and sweeper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (local object store defaults,
	// relaxed guardrails). Set KEEPSAKE_DEV=true or NODE_ENV=development.
	IsDev bool `env:"KEEPSAKE_DEV" envDefault:"false"`

	// Version is reported by the health endpoint. Deployments override it
	// with the release tag; the default marks ad-hoc builds.
	Version string `env:"KEEPSAKE_VERSION" envDefault:"dev"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"KEEPSAKE_DB_"`
	Redis    RedisConfig `envPrefix:"KEEPSAKE_REDIS_"`
	Cache    CacheConfig `envPrefix:"KEEPSAKE_CACHE_"`
	Feed     FeedConfig  `envPrefix:"KEEPSAKE_FEED_"`

	// HTTP server and result delivery configuration
	HTTP     HTTPConfig     `envPrefix:"KEEPSAKE_HTTP_"`
	Delivery DeliveryConfig `envPrefix:"KEEPSAKE_DELIVERY_"`

	// Service mode configuration. All three modes in one process is the
	// development default; production splits them across deployments.
	Services string `env:"KEEPSAKE_SERVICES" envDefault:"http,worker,sweeper"`

	// Generation worker configuration
	Worker WorkerConfig `envPrefix:"KEEPSAKE_WORKER_"`

	// Sweeper configuration
	Sweep SweepConfig `envPrefix:"KEEPSAKE_SWEEP_"`

	// Inference provider chain configuration
	Inference InferenceConfig `envPrefix:"KEEPSAKE_INFERENCE_"`

	// Object storage configuration
	Storage StorageConfig `envPrefix:"KEEPSAKE_STORAGE_"`

	// Observability configuration
	Observability ObservabilityConfig `envPrefix:"KEEPSAKE_"`
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Delivery.Sanitize()
	c.Worker.Sanitize()
	c.Sweep.Sanitize()
	c.Inference.Sanitize()
	c.Storage.Sanitize()
	c.Cache.Sanitize()
	c.Feed.Sanitize()
	c.Observability.Sanitize()

	if strings.TrimSpace(c.Version) == "" {
		c.Version = "dev"
	}

	// Sync waits can never outlive the per-job budget.
	if c.Delivery.MaxWait > c.Inference.JobBudget {
		c.Delivery.MaxWait = c.Inference.JobBudget
	}

	c.detectDevMode()
}

// detectDevMode checks both KEEPSAKE_DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsWorkerEnabled returns true if the generation worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsSweeperEnabled returns true if the sweeper service is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeSweeper]
}
