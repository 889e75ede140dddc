// Package genrunner pulls reserved generation jobs and drives them through
// the orchestrator with a pool of workers.
package genrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// Processor drives one reserved job to a terminal state.
type Processor interface {
	ProcessJob(ctx context.Context, job *model.Job) error
}

// JobSource is the slice of JobService the runner needs: reservation,
// availability wake-ups, and lease extension.
type JobSource interface {
	ReserveNext(ctx context.Context, kind model.JobKind, lease time.Duration) (*model.Job, error)
	Subscribe(kind model.JobKind) (func(), <-chan struct{})
	Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error)
}

// RunnerOptions configures the generation job runner.
type RunnerOptions struct {
	Jobs      JobSource // Required: reservation and lease management
	Processor Processor // Required: per-job orchestration

	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	Kind        model.JobKind // job kind to process; defaults to generation

	Logger *slog.Logger
}

// Runner reserves jobs and executes them on a bounded worker pool. Each
// in-flight job's lease is renewed at half-lease cadence; a lost heartbeat
// cancels the job's context so the new lease holder does not race a zombie.
type Runner struct {
	jobs      JobSource
	processor Processor
	lease     time.Duration
	kind      model.JobKind
	workers   int
	logger    *slog.Logger
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobSource is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("Processor is required")
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	kind := opts.Kind
	if !kind.Valid() {
		kind = model.JobKindGeneration
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		jobs:      opts.Jobs,
		processor: opts.Processor,
		lease:     lease,
		kind:      kind,
		workers:   workers,
		logger:    logger.With("component", "gen_runner"),
	}, nil
}

// MustNewRunner constructs a Runner and panics on error.
func MustNewRunner(opts RunnerOptions) *Runner {
	r, err := NewRunner(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create gen runner: %v", err))
	}
	return r
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting generation runner",
		"kind", r.kind, "workers", r.workers, "lease", r.lease)

	// Derive a cancellable context we can signal on first fatal error.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, ch := r.jobs.Subscribe(r.kind)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.kind, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

// processJob runs one reserved job under a heartbeat. The orchestrator owns
// every terminal transition; an error here means the terminal write itself
// failed and the lease lapse will hand the job back to the queue.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	jobCtx, stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	if err := r.processor.ProcessJob(jobCtx, job); err != nil {
		r.logger.ErrorContext(ctx, "job processing failed", "job_id", job.ID, "error", err)
	}
}

// startHeartbeat renews the job's lease at half-lease cadence until stopped.
// When a renewal reports the lease gone, the returned context is cancelled:
// the sweep reassigned the job and this holder must stand down.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	interval := r.lease / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				extended, err := r.jobs.Heartbeat(jobCtx, jobID, r.lease)
				if err != nil {
					r.logger.WarnContext(jobCtx, "heartbeat failed", "job_id", jobID, "error", err)
					continue
				}
				if !extended {
					r.logger.WarnContext(jobCtx, "lease lost, cancelling job", "job_id", jobID)
					cancel()
					return
				}
			}
		}
	}()

	return jobCtx, func() {
		cancel()
		<-done
	}
}

// compile-time check: the orchestrator satisfies the runner's Processor.
var _ Processor = (*service.Orchestrator)(nil)
