package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/inference"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
)

// Transformer is the single capability the fan-out engine needs from the
// provider chain.
type Transformer interface {
	Transform(ctx context.Context, req inference.TransformRequest) (*inference.TransformResult, error)
}

// PersistenceError marks a store write failure inside the engine: object
// store writes and artifact or error row writes. Unlike a provider failure,
// which costs one variation, a persistence failure is fatal for the job.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FanoutOptions groups dependencies for FanoutEngine.
type FanoutOptions struct {
	Jobs        core.JobRepository      // Required: durable error list writes
	Artifacts   core.ArtifactRepository // Required: artifact row inserts
	Store       core.ObjectStore        // Required: payload writes
	Feed        core.EventFeed          // Required: artifact/progress emission
	Transformer Transformer             // Required: provider chain

	// MaxConcurrent bounds concurrent sub-tasks per job; defaults to the
	// maximum artifact count. Provider-level caps apply independently.
	MaxConcurrent int
	// ArtifactTTL is the expiry horizon stamped on unsaved artifacts;
	// defaults to 24h.
	ArtifactTTL time.Duration
	// ThumbnailWidth enables thumbnail derivation when positive.
	ThumbnailWidth int

	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// FanoutEngine runs the generate stage of one job: N transform sub-tasks in
// parallel, each persisting its output before announcing it. The engine owns
// no job state transitions; it reports the settled aggregate and leaves the
// terminal decision to the orchestrator.
type FanoutEngine struct {
	jobs           core.JobRepository
	artifacts      core.ArtifactRepository
	store          core.ObjectStore
	feed           core.EventFeed
	transformer    Transformer
	maxConcurrent  int
	artifactTTL    time.Duration
	thumbnailWidth int
	logger         *slog.Logger
	now            func() time.Time
}

// NewFanoutEngine validates options and constructs a FanoutEngine.
func NewFanoutEngine(opts FanoutOptions) (*FanoutEngine, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactRepository is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ObjectStore is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("EventFeed is required")
	}
	if opts.Transformer == nil {
		return nil, errors.New("Transformer is required")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = model.MaxArtifactCount
	}
	artifactTTL := opts.ArtifactTTL
	if artifactTTL <= 0 {
		artifactTTL = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FanoutEngine{
		jobs:           opts.Jobs,
		artifacts:      opts.Artifacts,
		store:          opts.Store,
		feed:           opts.Feed,
		transformer:    opts.Transformer,
		maxConcurrent:  maxConcurrent,
		artifactTTL:    artifactTTL,
		thumbnailWidth: opts.ThumbnailWidth,
		logger:         logger.With("component", "fanout_engine"),
		now:            now,
	}, nil
}

// MustNewFanoutEngine constructs a FanoutEngine and panics on error.
func MustNewFanoutEngine(opts FanoutOptions) *FanoutEngine {
	e, err := NewFanoutEngine(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create FanoutEngine: %v", err))
	}
	return e
}

// FanoutOutcome aggregates the settled sub-tasks of one generate stage.
// Partial failure is a normal outcome, never an error return.
type FanoutOutcome struct {
	// Artifacts lists the persisted outputs, in settle order.
	Artifacts []*model.Artifact
	// Errors lists the durably recorded sub-task failures, in settle order.
	Errors []string
	// Aborted counts sub-tasks cut short by the caller's context ending.
	// Nothing durable was recorded for them.
	Aborted int
}

// Run derives one prompt per requested artifact and settles every sub-task.
// The only error return is a PersistenceError (or the caller's context
// error), on which remaining sub-tasks are cancelled best-effort.
func (e *FanoutEngine) Run(ctx context.Context, job *model.Job, analysis string) (*FanoutOutcome, error) {
	prompts := DerivePrompts(analysis, job.Preferences)
	total := len(prompts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	var mu sync.Mutex
	outcome := &FanoutOutcome{}
	settled := 0

	for i, prompt := range prompts {
		g.Go(func() error {
			artifact, err := e.runSubTask(gctx, job, i, prompt)

			mu.Lock()
			defer mu.Unlock()
			settled++

			if err != nil {
				var pErr *PersistenceError
				if errors.As(err, &pErr) {
					// Fatal: returning the error cancels gctx and aborts
					// the remaining sub-tasks.
					return err
				}
				if gctx.Err() != nil {
					outcome.Aborted++
					return nil
				}
				message := fmt.Sprintf("variation %d: %v", i+1, err)
				if appendErr := e.appendJobError(gctx, job.ID, message); appendErr != nil {
					return appendErr
				}
				outcome.Errors = append(outcome.Errors, message)
				e.publishProgress(gctx, job.ID, settled, total)
				return nil
			}

			outcome.Artifacts = append(outcome.Artifacts, artifact)
			e.publishProgress(gctx, job.ID, settled, total)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcome, nil
}

// runSubTask performs one variation end to end: transform, persist the
// payload, persist the row, then announce the artifact. Persistence strictly
// precedes emission, so a consumer acting on the event can immediately fetch
// the artifact.
func (e *FanoutEngine) runSubTask(ctx context.Context, job *model.Job, index int, prompt string) (*model.Artifact, error) {
	out, err := e.transformer.Transform(ctx, inference.TransformRequest{
		InputRef: job.InputRef,
		Prompt:   prompt,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "transform sub-task failed",
			"job_id", job.ID, "variation", index+1, "error", err)
		return nil, err
	}

	key := artifactKey(job.ID, out.ContentType)
	if err := e.store.Put(ctx, core.PutObjectParams{
		Key:         key,
		Body:        out.Payload,
		ContentType: out.ContentType,
	}); err != nil {
		return nil, &PersistenceError{Op: "store object", Err: err}
	}

	e.storeThumbnail(ctx, job.ID, key, out)

	expiresAt := e.now().UTC().Add(e.artifactTTL)
	artifact, err := e.artifacts.Create(ctx, &model.CreateArtifactRequest{
		JobID:       job.ID,
		Kind:        model.ArtifactKindGenerated,
		Prompt:      prompt,
		Reference:   key,
		ContentType: out.ContentType,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		// Best-effort removal of the orphaned payload; the row is the
		// source of truth and it was never written.
		if delErr := e.store.Delete(ctx, key); delErr != nil && !errors.Is(delErr, context.Canceled) {
			e.logger.WarnContext(ctx, "orphaned payload cleanup failed", "key", key, "error", delErr)
		}
		return nil, &PersistenceError{Op: "insert artifact", Err: err}
	}

	metrics.ArtifactsStored.WithLabelValues(string(artifact.Kind)).Inc()

	if err := e.feed.Publish(ctx, model.NewArtifactEvent(job.ID, artifact.Summary())); err != nil {
		e.logger.WarnContext(ctx, "artifact event publish failed",
			"job_id", job.ID, "artifact_id", artifact.ID, "error", err)
	}

	return artifact, nil
}

// storeThumbnail derives and stores a preview alongside the payload.
// Thumbnail failures are logged, never fatal.
func (e *FanoutEngine) storeThumbnail(ctx context.Context, jobID, key string, out *inference.TransformResult) {
	if e.thumbnailWidth <= 0 {
		return
	}

	thumb, contentType, err := DeriveThumbnail(out.Payload, e.thumbnailWidth)
	if err != nil {
		e.logger.WarnContext(ctx, "thumbnail derivation failed", "job_id", jobID, "key", key, "error", err)
		return
	}

	if err := e.store.Put(ctx, core.PutObjectParams{
		Key:         ThumbnailKey(key),
		Body:        thumb,
		ContentType: contentType,
	}); err != nil {
		e.logger.WarnContext(ctx, "thumbnail store failed", "job_id", jobID, "key", key, "error", err)
	}
}

func (e *FanoutEngine) appendJobError(ctx context.Context, jobID, message string) error {
	recorded, err := e.jobs.AppendError(ctx, jobID, message)
	if err != nil {
		return &PersistenceError{Op: "append error", Err: err}
	}
	if !recorded {
		// The job left processing under us (lease loss); stop quietly, the
		// new holder owns the record now.
		e.logger.WarnContext(ctx, "error append skipped, job no longer processing", "job_id", jobID)
	}
	return nil
}

func (e *FanoutEngine) publishProgress(ctx context.Context, jobID string, settled, total int) {
	if ctx.Err() != nil {
		return
	}
	if err := e.feed.Publish(ctx, model.NewProgressEvent(jobID, settled, total)); err != nil {
		e.logger.WarnContext(ctx, "progress event publish failed", "job_id", jobID, "error", err)
	}
}

// promptStyles are the art-direction variants cycled across sub-tasks, so the
// N outputs differ even under an identical analysis.
var promptStyles = []string{
	"a warm watercolor wash",
	"a soft pastel illustration",
	"a bold vintage poster",
	"delicate line art with gold accents",
	"a dreamy impressionist oil painting",
}

// DerivePrompts builds one distinct generation prompt per requested artifact
// from the analysis text and the submitter's occasion.
func DerivePrompts(analysis string, prefs model.Preferences) []string {
	count := prefs.Count
	if count < model.MinArtifactCount {
		count = model.MinArtifactCount
	}
	if count > model.MaxArtifactCount {
		count = model.MaxArtifactCount
	}

	analysis = strings.TrimSpace(analysis)
	prompts := make([]string, 0, count)
	for i := range count {
		var b strings.Builder
		fmt.Fprintf(&b, "Keepsake %d of %d: reimagine the subject (%s) as %s",
			i+1, count, analysis, promptStyles[i%len(promptStyles)])
		if prefs.Occasion != nil {
			fmt.Fprintf(&b, ", celebrating %s", *prefs.Occasion)
		}
		prompts = append(prompts, b.String())
	}
	return prompts
}

// artifactKey builds the object key for one generated payload. Keys embed a
// fresh id rather than the row id so the payload can be written before the
// row exists.
func artifactKey(jobID, contentType string) string {
	return fmt.Sprintf("jobs/%s/%s%s", jobID, uuid.NewString(), extensionForContentType(contentType))
}

// ThumbnailKey derives the thumbnail object key from an artifact reference.
func ThumbnailKey(reference string) string {
	ext := ""
	if i := strings.LastIndex(reference, "."); i > strings.LastIndex(reference, "/") {
		ext = reference[i:]
		reference = reference[:i]
	}
	return reference + "_thumb" + ext
}

func extensionForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
