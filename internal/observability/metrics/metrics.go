// Package metrics exposes the process-wide Prometheus collectors and the
// /metrics handler. Collectors are package-level so any component can record
// without threading a registry through constructors; registration happens
// once, on the first Handler call.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// Job lifecycle.
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "keepsake_jobs_submitted_total", Help: "Jobs accepted for processing"})
	JobsTerminal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keepsake_jobs_terminal_total", Help: "Jobs reaching a terminal status"}, []string{"status"})
	JobsRequeued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "keepsake_jobs_requeued_total", Help: "Expired leases returned to the queue"})
	JobsInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "keepsake_jobs_inflight", Help: "Jobs currently leased by workers"})
	JobDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "keepsake_job_seconds", Help: "Submit-to-terminal job latency by status", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)}, []string{"status"})

	// Provider chain.
	ProviderCalls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keepsake_provider_calls_total", Help: "Inference calls by provider, capability, and outcome"}, []string{"provider", "capability", "outcome"})
	ProviderLatency    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "keepsake_provider_call_seconds", Help: "Inference call latency by provider and capability", Buckets: prometheus.DefBuckets}, []string{"provider", "capability"})
	BreakerState       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "keepsake_breaker_state", Help: "Circuit state per provider (0=closed, 1=half_open, 2=open)"}, []string{"provider"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keepsake_breaker_transitions_total", Help: "Circuit transitions by provider and target state"}, []string{"provider", "to"})

	// Artifacts and sweeping.
	ArtifactsStored = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keepsake_artifacts_stored_total", Help: "Artifacts written to the object store, by kind"}, []string{"kind"})
	SweptArtifacts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "keepsake_swept_artifacts_total", Help: "Expired artifacts removed by the sweeper"})

	// Event fan-out.
	FeedDroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{Name: "keepsake_feed_dropped_events_total", Help: "Events dropped on full subscriber buffers"})
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keepsake_webhook_deliveries_total", Help: "Webhook deliveries by outcome"}, []string{"outcome"})

	// HTTP surface.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "keepsake_http_request_seconds", Help: "HTTP request latency by method and status class", Buckets: prometheus.DefBuckets}, []string{"method", "status"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsTerminal,
			JobsRequeued,
			JobsInFlight,
			JobDuration,
			ProviderCalls,
			ProviderLatency,
			BreakerState,
			BreakerTransitions,
			ArtifactsStored,
			SweptArtifacts,
			FeedDroppedEvents,
			WebhookDeliveries,
			HTTPRequestDuration,
		)
	})
	return promhttp.Handler()
}
