package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the generation job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeSweeper runs the artifact and job sweeper.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains generation worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs processed concurrently per process.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// JobLease is the duration a reserved job stays leased to its worker.
	// The orchestrator extends the lease between stages; a crashed worker's
	// job becomes reclaimable once the lease lapses.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"30s"`

	// MaxRequeues is how many times an expired lease may put a job back to
	// pending before the sweeper force-fails it.
	MaxRequeues int `env:"MAX_REQUEUES" envDefault:"3"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.MaxRequeues < 0 {
		w.MaxRequeues = 0
	}
	if w.MaxRequeues > 10 {
		w.MaxRequeues = 10
	}
}

// SweepConfig contains sweeper service configuration.
type SweepConfig struct {
	// Interval is the sweeper tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweepConfig) Sanitize() {
	// Enforce a minimum interval to prevent excessive database load
	if s.Interval < 1*time.Minute {
		s.Interval = 1 * time.Minute
	}

	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}
