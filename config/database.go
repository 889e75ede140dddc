package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"keepsake"`
	Password string `env:"PASSWORD" envDefault:"keepsake"`
	Name     string `env:"NAME"     envDefault:"keepsake"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig controls the Redis-backed status view cache. Only terminal
// jobs are cached, where the shaped view is immutable.
type CacheConfig struct {
	// StatusTTL is the TTL for cached terminal status views.
	StatusTTL time.Duration `env:"STATUS_TTL" envDefault:"10m"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 10 * time.Minute
	}
}

// Feed backends selectable via FeedConfig.Backend.
const (
	// FeedBackendMemory keeps the live event feed in-process. Correct when
	// the http and worker modes share one process.
	FeedBackendMemory = "memory"
	// FeedBackendRedis bridges the live event feed over Redis Pub/Sub so
	// http and worker modes can run as separate deployments.
	FeedBackendRedis = "redis"
)

// FeedConfig selects the live event feed implementation.
type FeedConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
}

// Sanitize normalises the feed backend and falls back to in-process.
func (f *FeedConfig) Sanitize() {
	f.Backend = strings.ToLower(strings.TrimSpace(f.Backend))
	switch f.Backend {
	case FeedBackendMemory, FeedBackendRedis:
	default:
		f.Backend = FeedBackendMemory
	}
}
