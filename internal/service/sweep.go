package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keepsake-labs/keepsake/config"
	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
	"github.com/keepsake-labs/keepsake/internal/observability/notify"
)

// maxReportedAbandonedIDs caps how many job ids an abandoned-jobs
// notification lists before summarizing the rest.
const maxReportedAbandonedIDs = 5

// SweepServiceOptions groups dependencies for SweepService.
type SweepServiceOptions struct {
	Artifacts   core.ArtifactRepository       // Required: expired artifact listing and row deletion
	Maintenance core.JobMaintenanceRepository // Required: lease recovery and force-fail
	Store       core.ObjectStore              // Required: artifact payload deletion
	Config      config.SweepConfig            // Required: interval and batch size
	MaxRequeues int                           // Optional: requeue allowance before force-fail
	Feed        core.EventFeed                // Optional: terminal events for force-failed jobs
	Hooks       TerminalHook                  // Optional: webhook dispatch on force-fail
	Ops         OpsNotifier                   // Optional: abandoned-job notifications
	Logger      *slog.Logger                  // Optional: structured logger
	Now         func() time.Time              // Optional: clock override for tests
}

// SweepService reclaims what the hot path leaves behind.
//
// This service manages:
// - Deleting expired unsaved artifacts, stored payloads first and rows after.
// - Returning expired-lease jobs to the queue.
// - Force-failing jobs that burned through their requeue allowance, with the
//   same terminal notifications a worker would have produced.
type SweepService struct {
	artifacts   core.ArtifactRepository
	maintenance core.JobMaintenanceRepository
	store       core.ObjectStore
	cfg         config.SweepConfig
	maxRequeues int
	feed        core.EventFeed
	hooks       TerminalHook
	ops         OpsNotifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewSweepService constructs a new SweepService.
func NewSweepService(opts SweepServiceOptions) (*SweepService, error) {
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactRepository is required")
	}
	if opts.Maintenance == nil {
		return nil, errors.New("JobMaintenanceRepository is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ObjectStore is required")
	}

	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &SweepService{
		artifacts:   opts.Artifacts,
		maintenance: opts.Maintenance,
		store:       opts.Store,
		cfg:         cfg,
		maxRequeues: opts.MaxRequeues,
		feed:        opts.Feed,
		hooks:       opts.Hooks,
		ops:         opts.Ops,
		logger:      logger.With("component", "sweeper"),
		now:         now,
	}, nil
}

// MustNewSweepService constructs a new SweepService and panics on error.
func MustNewSweepService(opts SweepServiceOptions) *SweepService {
	svc, err := NewSweepService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// SweepOutcome reports what one sweep pass did.
type SweepOutcome struct {
	ArtifactsSwept int64 `json:"artifacts_swept"`
	JobsRequeued   int64 `json:"jobs_requeued"`
	JobsFailed     int64 `json:"jobs_failed"`
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SweepService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting sweeper", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	// Jitter spreads the first pass so multiple instances starting together
	// do not hammer the database in lockstep.
	s.waitWithJitter(ctx)
	if ctx.Err() != nil {
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(ctx, err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logSweepError(ctx, err, "sweep")
			}
		}
	}
}

// waitWithJitter delays up to 10% of the interval.
func (s *SweepService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// Sweep performs one pass: expired artifacts first, then stuck jobs. The
// steps are independent, so one failing does not skip the other.
func (s *SweepService) Sweep(ctx context.Context) (*SweepOutcome, error) {
	start := s.now()
	outcome := &SweepOutcome{}
	var errs []error

	swept, err := s.sweepExpiredArtifacts(ctx)
	outcome.ArtifactsSwept = swept
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep expired artifacts: %w", err))
	}

	requeued, failed, err := s.recoverStuckJobs(ctx)
	outcome.JobsRequeued = requeued
	outcome.JobsFailed = failed
	if err != nil {
		errs = append(errs, fmt.Errorf("recover stuck jobs: %w", err))
	}

	if outcome.ArtifactsSwept > 0 || outcome.JobsRequeued > 0 || outcome.JobsFailed > 0 {
		s.logger.InfoContext(ctx, "sweep pass finished",
			"artifacts_swept", outcome.ArtifactsSwept,
			"jobs_requeued", outcome.JobsRequeued,
			"jobs_failed", outcome.JobsFailed,
			"elapsed", s.now().Sub(start).Round(time.Millisecond))
	}

	if len(errs) > 0 {
		return outcome, errors.Join(errs...)
	}
	return outcome, nil
}

// sweepExpiredArtifacts deletes expired unsaved artifacts in batches. Stored
// objects go first: a row without a payload is a broken read, a payload
// without a row is invisible garbage the next pass can still find. Rows
// whose payload delete failed are kept for retry, and the pass stops early
// so a down store does not spin the loop.
func (s *SweepService) sweepExpiredArtifacts(ctx context.Context) (int64, error) {
	var total int64
	for {
		expired, err := s.artifacts.ListExpired(ctx, s.now().UTC(), s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list expired artifacts: %w", err)
		}
		if len(expired) == 0 {
			return total, nil
		}

		ids := make([]string, 0, len(expired))
		skipped := 0
		for _, artifact := range expired {
			if err := s.deleteStoredObjects(ctx, artifact); err != nil {
				skipped++
				s.logger.WarnContext(ctx, "failed to delete artifact payload, keeping row for retry",
					"artifact_id", artifact.ID,
					"reference", artifact.Reference,
					"error", err)
				continue
			}
			ids = append(ids, artifact.ID)
		}

		if len(ids) > 0 {
			deleted, err := s.artifacts.DeleteByIDs(ctx, ids)
			if err != nil {
				return total, fmt.Errorf("delete artifact rows: %w", err)
			}
			total += deleted
			metrics.SweptArtifacts.Add(float64(deleted))
		}

		if skipped > 0 {
			// Store failures rarely clear mid-pass; let the next pass retry.
			return total, fmt.Errorf("failed to delete %d artifact payload(s)", skipped)
		}
		if len(expired) < s.cfg.BatchSize {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// deleteStoredObjects removes an artifact's payload and its thumbnail. The
// thumbnail may not exist; both stores treat deleting a missing key as
// success, so only real store failures surface.
func (s *SweepService) deleteStoredObjects(ctx context.Context, artifact *model.Artifact) error {
	if err := s.store.Delete(ctx, artifact.Reference); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	if err := s.store.Delete(ctx, ThumbnailKey(artifact.Reference)); err != nil {
		return fmt.Errorf("delete thumbnail: %w", err)
	}
	return nil
}

// recoverStuckJobs requeues expired-lease jobs and emits terminal
// notifications for the ones the sweep force-failed. The repository already
// settled those rows; this side publishes the events a worker would have.
func (s *SweepService) recoverStuckJobs(ctx context.Context) (requeued, failed int64, err error) {
	outcome, err := s.maintenance.RequeueExpired(ctx, core.RequeueExpiredParams{
		Kind:        model.JobKindGeneration,
		MaxRequeues: s.maxRequeues,
		BatchSize:   s.cfg.BatchSize,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("requeue expired jobs: %w", err)
	}

	if outcome.Requeued > 0 {
		metrics.JobsRequeued.Add(float64(outcome.Requeued))
		s.logger.InfoContext(ctx, "requeued expired-lease jobs", "count", outcome.Requeued)
	}

	for _, jobID := range outcome.FailedIDs {
		s.notifyForceFailed(ctx, jobID)
	}
	if outcome.Failed > 0 {
		s.notifyOpsAbandoned(ctx, outcome)
	}

	return outcome.Requeued, outcome.Failed, nil
}

// notifyForceFailed publishes the terminal error event for one force-failed
// job and hands it to the webhook hook, mirroring what finalize does on the
// worker path.
func (s *SweepService) notifyForceFailed(ctx context.Context, jobID string) {
	produced, err := s.artifacts.CountByJob(ctx, jobID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count artifacts for abandoned job",
			"job_id", jobID,
			"error", err)
		produced = 0
	}

	metrics.ObserveJobOutcome(metrics.JobOutcome{Status: string(model.JobStatusFailed)})

	event := model.NewErrorEvent(jobID, model.AbandonedJobMessage, produced)
	if s.feed != nil {
		if err := s.feed.Publish(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "failed to publish abandoned-job event",
				"job_id", jobID,
				"error", err)
		}
	}
	if s.hooks != nil {
		s.hooks.Dispatch(ctx, event)
	}

	s.logger.WarnContext(ctx, "force-failed abandoned job", "job_id", jobID, "artifacts", produced)
}

// notifyOpsAbandoned sends one aggregated operational alert per pass. A burst
// of abandoned jobs means workers are crashing or hanging; paging once with a
// count beats paging per job.
func (s *SweepService) notifyOpsAbandoned(ctx context.Context, outcome *core.RequeueOutcome) {
	if s.ops == nil {
		return
	}

	s.ops.Notify(ctx, notify.EventPayload{
		Kind:       notify.KindJobFailure,
		JobKind:    string(model.JobKindGeneration),
		Error:      fmt.Sprintf("%d job(s) abandoned after lease expiry", outcome.Failed),
		ErrorClass: "abandoned",
		Severity:   notify.SeverityCritical,
		OccurredAt: s.now().UTC(),
		Metadata: map[string]string{
			"job_ids": summarizeIDs(outcome.FailedIDs, maxReportedAbandonedIDs),
		},
	})
}

// summarizeIDs renders up to limit ids, noting how many were elided.
func summarizeIDs(ids []string, limit int) string {
	if len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(ids[:limit], ", "), len(ids)-limit)
}

func (s *SweepService) logSweepError(ctx context.Context, err error, label string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}
