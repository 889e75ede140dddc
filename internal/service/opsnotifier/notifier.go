// Package opsnotifier fans operational events out to the configured
// notification sinks.
package opsnotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keepsake-labs/keepsake/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the operational notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration

	// SuppressWindow rate-limits repeat circuit-open notifications per
	// provider so a flapping breaker cannot flood the sinks. Zero disables
	// suppression.
	SuppressWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service dispatches operational events to all registered sinks.
type Service struct {
	logger         *slog.Logger
	sinks          []SinkRegistration
	suppressWindow time.Duration
	now            func() time.Time

	mu              sync.Mutex
	lastCircuitOpen map[string]time.Time
}

// NewService constructs an operational notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ops_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logger:          logger,
		sinks:           sinks,
		suppressWindow:  opts.SuppressWindow,
		now:             now,
		lastCircuitOpen: make(map[string]time.Time),
	}
}

// Notify fan-outs the payload to all sinks and waits for delivery.
func (s *Service) Notify(ctx context.Context, payload notify.EventPayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.Kind == notify.KindCircuitOpen && s.suppressCircuitOpen(payload.Provider) {
		s.logger.DebugContext(ctx, "suppressing repeat circuit-open notification",
			"provider", payload.Provider,
			"window", s.suppressWindow,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = defaultSeverity(payload.Kind)
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = s.now()
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendEvent(ctx, payload); err != nil {
				s.logger.Error("notification delivery error",
					"sink", entry.Name,
					"kind", payload.Kind,
					"job_id", payload.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// suppressCircuitOpen reports whether a circuit-open notification for the
// provider already fired within the suppression window, recording this one
// otherwise.
func (s *Service) suppressCircuitOpen(provider string) bool {
	if s.suppressWindow <= 0 || provider == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowTime := s.now()
	if last, ok := s.lastCircuitOpen[provider]; ok && nowTime.Sub(last) < s.suppressWindow {
		return true
	}
	s.lastCircuitOpen[provider] = nowTime
	return false
}

func defaultSeverity(kind string) string {
	if kind == notify.KindCircuitOpen {
		return notify.SeverityWarning
	}
	return notify.SeverityCritical
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
