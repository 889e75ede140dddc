package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
	domainjob "github.com/keepsake-labs/keepsake/internal/domain/job"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo         core.JobRepository       // Required: job repository
	Artifacts    core.ArtifactRepository  // Required: artifact repository
	Store        core.ObjectStore         // Required: artifact payload store
	DefaultLease time.Duration            // Required: default lease duration for reservations
	StatusCache  *core.StatusCacheService // Optional: terminal status view cache
	Logger       *slog.Logger             // Optional: structured logger

	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for job submission, reservation, and the
// read surfaces (status views, artifact saves, artifact content).
//
// This service manages:
// - Submission validation and creation of pending jobs
// - Job reservation and lease management for workers
// - Pub/sub notification fan-out for job availability
// - The poll projection, backed by a terminal-view cache
// - Artifact save and content reads against the object store.
type JobService struct {
	repo        core.JobRepository
	artifacts   core.ArtifactRepository
	store       core.ObjectStore
	statusCache *core.StatusCacheService
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactRepository is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ObjectStore is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:        opts.Repo,
		artifacts:   opts.Artifacts,
		store:       opts.Store,
		statusCache: opts.StatusCache,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create validates the submission and creates a pending job. Validation
// failures return a model.ValidationError before any record exists.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, model.NewValidationError("request body is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	metrics.JobsSubmitted.Inc()

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"kind", job.Kind,
			"count", job.Preferences.Count,
			"delivery", req.Delivery,
		)
	}

	return job, nil
}

// ReserveNext reserves the next available job of the given kind for processing.
func (s *JobService) ReserveNext(
	ctx context.Context,
	kind model.JobKind,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"job_kind", kind)
	}

	job, err := s.repo.ReserveNext(ctx, kind, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"kind", kind,
			"lease_seconds", decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job-availability notifications of the
// given kind. Returns an unsubscribe function and a channel carrying coalesced
// wake-up signals.
func (s *JobService) Subscribe(kind model.JobKind) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(kind)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// Status returns the poll projection of a job: status, analysis, artifact
// summaries, and errors, exactly as durable at this instant. Terminal views
// are served from the status cache when one is configured.
func (s *JobService) Status(ctx context.Context, id string) (*model.StatusView, error) {
	if s.statusCache != nil {
		view, err := s.statusCache.GetCachedStatus(ctx, id)
		if err != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "status cache read failed, falling back to store",
					"job_id", id, "error", err)
			}
		} else if view != nil {
			return view, nil
		}
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	artifacts, err := s.artifacts.ListByJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for job %s: %w", id, err)
	}

	view := BuildStatusView(job, artifacts)

	if s.statusCache != nil && job.Status.Terminal() {
		if err := s.statusCache.CacheTerminalStatus(ctx, view); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "status cache write failed",
				"job_id", id, "error", err)
		}
	}

	return view, nil
}

// SaveArtifact flips an artifact to saved, which clears its expiry and takes
// it out of the sweeper's reach. The job's cached status view is invalidated
// so later polls observe the change promptly.
func (s *JobService) SaveArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	artifact, err := s.artifacts.MarkSaved(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("save artifact %s: %w", id, err)
	}

	if s.statusCache != nil {
		if err := s.statusCache.InvalidateStatus(ctx, artifact.JobID); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "status cache invalidation failed",
				"job_id", artifact.JobID, "error", err)
		}
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "artifact saved", "id", id, "job_id", artifact.JobID)
	}

	return artifact, nil
}

// ArtifactContent reads an artifact row and its stored payload.
func (s *JobService) ArtifactContent(ctx context.Context, id string) (*model.Artifact, *core.StoredObject, error) {
	artifact, err := s.artifacts.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get artifact %s: %w", id, err)
	}

	obj, err := s.store.Get(ctx, artifact.Reference)
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact %s content: %w", id, err)
	}

	return artifact, obj, nil
}

// Stats returns counts of jobs of the given kind in each status.
func (s *JobService) Stats(ctx context.Context, kind model.JobKind) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("get job stats for kind %s: %w", kind, err)
	}
	return stats, nil
}

// Close stops the availability notifier and its store listeners.
func (s *JobService) Close() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// BuildStatusView projects a job and its artifacts into the poll shape.
// Results and Errors are never nil so the wire shape always carries arrays.
func BuildStatusView(job *model.Job, artifacts []*model.Artifact) *model.StatusView {
	view := &model.StatusView{
		JobID:    job.ID,
		Status:   job.Status,
		Analysis: job.Analysis,
		Results:  make([]model.ArtifactSummary, 0, len(artifacts)),
		Errors:   job.Errors,
	}
	for _, artifact := range artifacts {
		view.Results = append(view.Results, artifact.Summary())
	}
	if view.Errors == nil {
		view.Errors = []string{}
	}
	return view
}
