package metrics

import "time"

// Outcome label values shared across call and delivery counters.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// JobOutcome captures a job's terminal transition for metric emission.
type JobOutcome struct {
	Status   string
	Duration time.Duration
}

// ObserveJobOutcome records a terminal transition and, when known, the
// submit-to-terminal latency.
func ObserveJobOutcome(out JobOutcome) {
	JobsTerminal.WithLabelValues(out.Status).Inc()
	if out.Duration > 0 {
		JobDuration.WithLabelValues(out.Status).Observe(out.Duration.Seconds())
	}
}
