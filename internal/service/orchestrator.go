package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/inference"
	oerrors "github.com/keepsake-labs/keepsake/internal/observability/errors"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
	"github.com/keepsake-labs/keepsake/internal/observability/notify"
)

// DefaultJobBudget bounds one job's wall-clock processing time.
const DefaultJobBudget = 2 * time.Minute

// errLeaseLost reports that the job record left processing under us: the
// sweeper requeued or force-failed it, and a new holder owns it now.
var errLeaseLost = errors.New("job lease lost")

// Analyzer is the single capability the orchestrator itself needs from the
// provider chain; transform calls go through the fan-out engine.
type Analyzer interface {
	Analyze(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResult, error)
}

// TerminalHook receives the terminal event of every finalized job.
// Implementations must not block; webhook dispatch runs asynchronously.
type TerminalHook interface {
	Dispatch(ctx context.Context, event model.JobEvent)
}

// OpsNotifier receives operational alerts for force-finalized jobs.
type OpsNotifier interface {
	Notify(ctx context.Context, payload notify.EventPayload)
}

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Jobs      core.JobRepository      // Required: stage transitions
	Artifacts core.ArtifactRepository // Required: produced-count recovery on force paths
	Analyzer  Analyzer                // Required: analyze stage
	Engine    *FanoutEngine           // Required: generate stage
	Feed      core.EventFeed          // Required: stage + terminal events

	// JobBudget bounds one job's processing wall clock; defaults to DefaultJobBudget.
	JobBudget time.Duration

	Hooks  TerminalHook // Optional: webhook dispatch on terminal events
	Ops    OpsNotifier  // Optional: alerts for budget/persistence force-failures
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Orchestrator drives one reserved job through its stages: analyze, fan-out
// generate, finalize. It is the job record's single writer from reservation
// to the terminal state; everything it emits is derivable from what it has
// already persisted.
type Orchestrator struct {
	jobs      core.JobRepository
	artifacts core.ArtifactRepository
	analyzer  Analyzer
	engine    *FanoutEngine
	feed      core.EventFeed
	jobBudget time.Duration
	hooks     TerminalHook
	ops       OpsNotifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator validates options and constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactRepository is required")
	}
	if opts.Analyzer == nil {
		return nil, errors.New("Analyzer is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("FanoutEngine is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("EventFeed is required")
	}

	jobBudget := opts.JobBudget
	if jobBudget <= 0 {
		jobBudget = DefaultJobBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		jobs:      opts.Jobs,
		artifacts: opts.Artifacts,
		analyzer:  opts.Analyzer,
		engine:    opts.Engine,
		feed:      opts.Feed,
		jobBudget: jobBudget,
		hooks:     opts.Hooks,
		ops:       opts.Ops,
		logger:    logger.With("component", "orchestrator"),
		now:       now,
	}, nil
}

// MustNewOrchestrator constructs an Orchestrator and panics on error.
func MustNewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	o, err := NewOrchestrator(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Orchestrator: %v", err))
	}
	return o
}

// ProcessJob drives one reserved job to a terminal state under the job
// budget. The returned error means the terminal write itself failed; the
// lease will lapse and the sweep requeues the job, where the idempotent
// finalize absorbs any replay.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *model.Job) error {
	ctx, cancel := context.WithTimeout(ctx, o.jobBudget)
	defer cancel()

	o.logger.InfoContext(ctx, "processing job",
		"job_id", job.ID, "kind", job.Kind, "count", job.Preferences.Count)

	analysis, err := o.runAnalyze(ctx, job)
	switch {
	case errors.Is(err, errLeaseLost):
		o.logger.WarnContext(ctx, "job no longer processing, abandoning", "job_id", job.ID)
		return nil
	case err != nil && ctx.Err() != nil:
		return o.settleOverBudget(ctx, job)
	case err != nil:
		var pErr *PersistenceError
		if errors.As(err, &pErr) {
			return o.settleForPersistence(ctx, job, pErr)
		}
		return o.settleForAnalyze(ctx, job, err)
	}

	outcome, err := o.engine.Run(ctx, job, analysis)
	if err != nil {
		if ctx.Err() != nil {
			return o.settleOverBudget(ctx, job)
		}
		var pErr *PersistenceError
		if errors.As(err, &pErr) {
			return o.settleForPersistence(ctx, job, pErr)
		}
		return fmt.Errorf("generate stage for job %s: %w", job.ID, err)
	}

	if ctx.Err() != nil {
		return o.settleOverBudget(ctx, job)
	}

	status := model.TerminalStatus(len(outcome.Artifacts), job.Preferences.Count)
	message := ""
	if status == model.JobStatusFailed {
		message = "no artifacts produced"
		if n := len(outcome.Errors); n > 0 {
			message = outcome.Errors[n-1]
		}
	}

	return o.settle(ctx, job, terminalOutcome{
		status:   status,
		produced: len(outcome.Artifacts),
		message:  message,
	})
}

// runAnalyze performs the analyze stage: one resilient call, persist the
// text, then emit the analysis event.
func (o *Orchestrator) runAnalyze(ctx context.Context, job *model.Job) (string, error) {
	res, err := o.analyzer.Analyze(ctx, inference.AnalyzeRequest{InputRef: job.InputRef})
	if err != nil {
		return "", err
	}

	recorded, err := o.jobs.SetAnalysis(ctx, job.ID, res.Text)
	if err != nil {
		return "", &PersistenceError{Op: "set analysis", Err: err}
	}
	if !recorded {
		return "", errLeaseLost
	}

	if err := o.feed.Publish(ctx, model.NewAnalysisEvent(job.ID, res.Text)); err != nil {
		o.logger.WarnContext(ctx, "analysis event publish failed", "job_id", job.ID, "error", err)
	}

	return res.Text, nil
}

// settleForAnalyze finalizes a job whose analyze stage exhausted every
// provider: record the error, skip the generate stage entirely.
func (o *Orchestrator) settleForAnalyze(ctx context.Context, job *model.Job, cause error) error {
	message := fmt.Sprintf("analyze: %v", cause)
	o.recordError(ctx, job.ID, message)
	return o.settle(ctx, job, terminalOutcome{
		status:  model.JobStatusFailed,
		message: message,
	})
}

// settleForPersistence finalizes a job killed by a store write failure.
// The store may be unhealthy, so every write on this path is best effort
// except the finalize itself.
func (o *Orchestrator) settleForPersistence(ctx context.Context, job *model.Job, pErr *PersistenceError) error {
	message := pErr.Error()
	o.recordError(ctx, job.ID, message)
	return o.settle(ctx, job, terminalOutcome{
		status:  model.JobStatusFailed,
		message: message,
		cause:   pErr.Err,
		alert:   true,
	})
}

// settleOverBudget force-finalizes a job whose wall-clock budget expired:
// partial when artifacts were already persisted, failed otherwise.
func (o *Orchestrator) settleOverBudget(ctx context.Context, job *model.Job) error {
	base := context.WithoutCancel(ctx)

	produced, err := o.artifacts.CountByJob(base, job.ID)
	if err != nil {
		o.logger.WarnContext(base, "artifact count unavailable on budget expiry",
			"job_id", job.ID, "error", err)
		produced = 0
	}

	message := fmt.Sprintf("job budget of %s exceeded", o.jobBudget)
	o.recordError(ctx, job.ID, message)

	status := model.JobStatusFailed
	severity := ""
	if produced > 0 {
		status = model.JobStatusPartial
		severity = notify.SeverityWarning
	}

	return o.settle(ctx, job, terminalOutcome{
		status:   status,
		produced: produced,
		message:  message,
		cause:    context.DeadlineExceeded,
		alert:    true,
		severity: severity,
	})
}

// recordError appends one message to the job's durable error list, best
// effort: this runs on paths where the budget may have expired or the store
// may be down, and the finalize that follows matters more.
func (o *Orchestrator) recordError(ctx context.Context, jobID, message string) {
	recorded, err := o.jobs.AppendError(context.WithoutCancel(ctx), jobID, message)
	if err != nil {
		o.logger.WarnContext(ctx, "error append failed", "job_id", jobID, "error", err)
		return
	}
	if !recorded {
		o.logger.WarnContext(ctx, "error append skipped, job no longer processing", "job_id", jobID)
	}
}

// terminalOutcome carries everything settle needs to close out a job.
type terminalOutcome struct {
	status   model.JobStatus
	produced int
	message  string // error-event message when status is failed
	cause    error  // underlying cause, classified into ops alerts
	alert    bool   // fire an ops notification
	severity string // overrides the alert severity when set
}

// settle persists the terminal status and, exactly when that write wins,
// emits the terminal event, dispatches webhooks, and raises ops alerts.
// A lost finalize race means another holder settled the job; everything
// downstream of the write is skipped.
func (o *Orchestrator) settle(ctx context.Context, job *model.Job, out terminalOutcome) error {
	base := context.WithoutCancel(ctx)

	updated, err := o.jobs.Finalize(base, core.FinalizeJobParams{JobID: job.ID, Status: out.status})
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	if !updated {
		o.logger.WarnContext(base, "job already finalized, skipping terminal event",
			"job_id", job.ID, "status", out.status)
		return nil
	}

	duration := o.now().Sub(job.CreatedAt)
	metrics.ObserveJobOutcome(metrics.JobOutcome{Status: string(out.status), Duration: duration})

	event := model.NewCompleteEvent(job.ID, out.status, out.produced)
	if out.status == model.JobStatusFailed {
		event = model.NewErrorEvent(job.ID, out.message, out.produced)
	}
	if err := o.feed.Publish(base, event); err != nil {
		o.logger.WarnContext(base, "terminal event publish failed", "job_id", job.ID, "error", err)
	}

	if o.hooks != nil {
		o.hooks.Dispatch(base, event)
	}
	if out.alert && o.ops != nil {
		o.ops.Notify(base, notify.EventPayload{
			Kind:       notify.KindJobFailure,
			JobID:      job.ID,
			JobKind:    string(job.Kind),
			SessionID:  job.SessionID,
			Error:      out.message,
			ErrorClass: oerrors.Classify(out.cause),
			Severity:   out.severity,
		})
	}

	o.logger.InfoContext(base, "job finalized",
		"job_id", job.ID,
		"status", out.status,
		"artifacts", out.produced,
		"duration", duration.Round(time.Millisecond))
	return nil
}
