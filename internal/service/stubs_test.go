package service

// Shared in-package stubs for the generation services. Behaviors default to
// accepting every call; tests override the Fn fields they care about.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/inference"
	"github.com/keepsake-labs/keepsake/internal/observability/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubJobRepo struct {
	mu sync.Mutex

	CreateFn      func(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByIDFn     func(ctx context.Context, id string) (*model.Job, error)
	ReserveNextFn func(ctx context.Context, kind model.JobKind, leaseSeconds int) (*model.Job, error)
	HeartbeatFn   func(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	SetAnalysisFn func(ctx context.Context, jobID, analysis string) (bool, error)
	AppendErrorFn func(ctx context.Context, jobID, message string) (bool, error)
	FinalizeFn    func(ctx context.Context, params core.FinalizeJobParams) (bool, error)
	StatsFn       func(ctx context.Context, kind model.JobKind) (*model.JobStats, error)

	appended  []string
	analyses  []string
	finalized []core.FinalizeJobParams
}

func (s *stubJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, req)
	}
	return &model.Job{
		ID:          "job-1",
		SessionID:   req.SessionID,
		Kind:        req.Kind,
		Status:      model.JobStatusPending,
		InputRef:    req.InputRef,
		Preferences: req.Preferences,
		Errors:      []string{},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *stubJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if s.GetByIDFn != nil {
		return s.GetByIDFn(ctx, id)
	}
	return nil, data.ErrJobNotFound
}

func (s *stubJobRepo) ReserveNext(ctx context.Context, kind model.JobKind, leaseSeconds int) (*model.Job, error) {
	if s.ReserveNextFn != nil {
		return s.ReserveNextFn(ctx, kind, leaseSeconds)
	}
	return nil, model.ErrNoJobsAvailable
}

func (s *stubJobRepo) WaitForNotification(ctx context.Context, _ model.JobKind) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubJobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if s.HeartbeatFn != nil {
		return s.HeartbeatFn(ctx, jobID, leaseSeconds)
	}
	return true, nil
}

func (s *stubJobRepo) SetAnalysis(ctx context.Context, jobID, analysis string) (bool, error) {
	if s.SetAnalysisFn != nil {
		return s.SetAnalysisFn(ctx, jobID, analysis)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses = append(s.analyses, analysis)
	return true, nil
}

func (s *stubJobRepo) AppendError(ctx context.Context, jobID, message string) (bool, error) {
	if s.AppendErrorFn != nil {
		return s.AppendErrorFn(ctx, jobID, message)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, message)
	return true, nil
}

func (s *stubJobRepo) Finalize(ctx context.Context, params core.FinalizeJobParams) (bool, error) {
	if s.FinalizeFn != nil {
		return s.FinalizeFn(ctx, params)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, params)
	return true, nil
}

func (s *stubJobRepo) Stats(ctx context.Context, kind model.JobKind) (*model.JobStats, error) {
	if s.StatsFn != nil {
		return s.StatsFn(ctx, kind)
	}
	return &model.JobStats{}, nil
}

func (s *stubJobRepo) appendedMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.appended...)
}

func (s *stubJobRepo) analysisTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.analyses...)
}

func (s *stubJobRepo) finalizedParams() []core.FinalizeJobParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.FinalizeJobParams(nil), s.finalized...)
}

type stubMaintenanceRepo struct {
	mu sync.Mutex

	RequeueExpiredFn func(ctx context.Context, params core.RequeueExpiredParams) (*core.RequeueOutcome, error)

	calls []core.RequeueExpiredParams
}

func (s *stubMaintenanceRepo) RequeueExpired(ctx context.Context, params core.RequeueExpiredParams) (*core.RequeueOutcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, params)
	s.mu.Unlock()
	if s.RequeueExpiredFn != nil {
		return s.RequeueExpiredFn(ctx, params)
	}
	return &core.RequeueOutcome{}, nil
}

func (s *stubMaintenanceRepo) requeueCalls() []core.RequeueExpiredParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RequeueExpiredParams(nil), s.calls...)
}

type stubArtifactRepo struct {
	mu sync.Mutex

	CreateFn      func(ctx context.Context, req *model.CreateArtifactRequest) (*model.Artifact, error)
	GetByIDFn     func(ctx context.Context, id string) (*model.Artifact, error)
	ListByJobFn   func(ctx context.Context, jobID string) ([]*model.Artifact, error)
	MarkSavedFn   func(ctx context.Context, id string) (*model.Artifact, error)
	ListExpiredFn func(ctx context.Context, before time.Time, limit int) ([]*model.Artifact, error)
	DeleteByIDsFn func(ctx context.Context, ids []string) (int64, error)

	created []*model.Artifact
	deleted [][]string
}

func (s *stubArtifactRepo) Create(ctx context.Context, req *model.CreateArtifactRequest) (*model.Artifact, error) {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires := req.ExpiresAt
	artifact := &model.Artifact{
		ID:          fmt.Sprintf("artifact-%d", len(s.created)+1),
		JobID:       req.JobID,
		Kind:        req.Kind,
		Prompt:      req.Prompt,
		Reference:   req.Reference,
		ContentType: req.ContentType,
		ExpiresAt:   &expires,
		CreatedAt:   time.Now().UTC(),
	}
	s.created = append(s.created, artifact)
	return artifact, nil
}

func (s *stubArtifactRepo) GetByID(ctx context.Context, id string) (*model.Artifact, error) {
	if s.GetByIDFn != nil {
		return s.GetByIDFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, artifact := range s.created {
		if artifact.ID == id {
			return artifact, nil
		}
	}
	return nil, data.ErrArtifactNotFound
}

func (s *stubArtifactRepo) ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	if s.ListByJobFn != nil {
		return s.ListByJobFn(ctx, jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Artifact
	for _, artifact := range s.created {
		if artifact.JobID == jobID {
			out = append(out, artifact)
		}
	}
	return out, nil
}

func (s *stubArtifactRepo) CountByJob(ctx context.Context, jobID string) (int, error) {
	artifacts, err := s.ListByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return len(artifacts), nil
}

func (s *stubArtifactRepo) MarkSaved(ctx context.Context, id string) (*model.Artifact, error) {
	if s.MarkSavedFn != nil {
		return s.MarkSavedFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, artifact := range s.created {
		if artifact.ID == id {
			artifact.Saved = true
			artifact.ExpiresAt = nil
			return artifact, nil
		}
	}
	return nil, data.ErrArtifactNotFound
}

func (s *stubArtifactRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.Artifact, error) {
	if s.ListExpiredFn != nil {
		return s.ListExpiredFn(ctx, before, limit)
	}
	return nil, nil
}

func (s *stubArtifactRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if s.DeleteByIDsFn != nil {
		return s.DeleteByIDsFn(ctx, ids)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, append([]string(nil), ids...))
	return int64(len(ids)), nil
}

func (s *stubArtifactRepo) createdArtifacts() []*model.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Artifact(nil), s.created...)
}

func (s *stubArtifactRepo) deletedBatches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.deleted...)
}

type stubObjectStore struct {
	mu sync.Mutex

	PutFn    func(ctx context.Context, params core.PutObjectParams) error
	GetFn    func(ctx context.Context, key string) (*core.StoredObject, error)
	DeleteFn func(ctx context.Context, key string) error

	objects map[string]core.PutObjectParams
	deletes []string
}

func (s *stubObjectStore) Put(ctx context.Context, params core.PutObjectParams) error {
	if s.PutFn != nil {
		return s.PutFn(ctx, params)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]core.PutObjectParams)
	}
	s.objects[params.Key] = params
	return nil
}

func (s *stubObjectStore) Get(ctx context.Context, key string) (*core.StoredObject, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	params, ok := s.objects[key]
	if !ok {
		return nil, data.ErrObjectNotFound
	}
	return &core.StoredObject{Body: params.Body, ContentType: params.ContentType}, nil
}

func (s *stubObjectStore) Delete(ctx context.Context, key string) error {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	delete(s.objects, key)
	return nil
}

func (s *stubObjectStore) Health(context.Context) error { return nil }

func (s *stubObjectStore) storedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	return keys
}

func (s *stubObjectStore) stored(key string) (core.PutObjectParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	params, ok := s.objects[key]
	return params, ok
}

func (s *stubObjectStore) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// recordingFeed records published events. Tests that need live delivery wire
// a real stream.Feed instead.
type recordingFeed struct {
	mu sync.Mutex

	PublishFn   func(ctx context.Context, event model.JobEvent) error
	SubscribeFn func(ctx context.Context, jobID string) (core.EventSubscription, error)

	events []model.JobEvent
}

func (f *recordingFeed) Publish(ctx context.Context, event model.JobEvent) error {
	if f.PublishFn != nil {
		return f.PublishFn(ctx, event)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *recordingFeed) Subscribe(ctx context.Context, jobID string) (core.EventSubscription, error) {
	if f.SubscribeFn != nil {
		return f.SubscribeFn(ctx, jobID)
	}
	return nil, errors.New("subscribe not supported")
}

func (f *recordingFeed) published() []model.JobEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.JobEvent(nil), f.events...)
}

func (f *recordingFeed) publishedKinds() []model.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]model.EventKind, 0, len(f.events))
	for _, event := range f.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (f *recordingFeed) countKind(kind model.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, event := range f.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

// stubChain stands in for the provider chain on both capabilities.
type stubChain struct {
	mu sync.Mutex

	AnalyzeFn   func(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResult, error)
	TransformFn func(ctx context.Context, req inference.TransformRequest) (*inference.TransformResult, error)

	analyzeCalls   []inference.AnalyzeRequest
	transformCalls []inference.TransformRequest
}

func (c *stubChain) Analyze(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResult, error) {
	c.mu.Lock()
	c.analyzeCalls = append(c.analyzeCalls, req)
	c.mu.Unlock()
	if c.AnalyzeFn != nil {
		return c.AnalyzeFn(ctx, req)
	}
	return &inference.AnalyzeResult{Text: "a sunlit family portrait"}, nil
}

func (c *stubChain) Transform(ctx context.Context, req inference.TransformRequest) (*inference.TransformResult, error) {
	c.mu.Lock()
	c.transformCalls = append(c.transformCalls, req)
	c.mu.Unlock()
	if c.TransformFn != nil {
		return c.TransformFn(ctx, req)
	}
	return &inference.TransformResult{
		Payload:     []byte("img:" + req.Prompt),
		ContentType: "image/png",
	}, nil
}

func (c *stubChain) transformPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prompts := make([]string, 0, len(c.transformCalls))
	for _, call := range c.transformCalls {
		prompts = append(prompts, call.Prompt)
	}
	return prompts
}

type stubHook struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (h *stubHook) Dispatch(_ context.Context, event model.JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *stubHook) dispatched() []model.JobEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.JobEvent(nil), h.events...)
}

type stubOps struct {
	mu       sync.Mutex
	payloads []notify.EventPayload
}

func (o *stubOps) Notify(_ context.Context, payload notify.EventPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads = append(o.payloads, payload)
}

func (o *stubOps) notified() []notify.EventPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notify.EventPayload(nil), o.payloads...)
}

var (
	_ core.JobRepository            = (*stubJobRepo)(nil)
	_ core.JobMaintenanceRepository = (*stubMaintenanceRepo)(nil)
	_ core.ArtifactRepository       = (*stubArtifactRepo)(nil)
	_ core.ObjectStore              = (*stubObjectStore)(nil)
	_ core.EventFeed                = (*recordingFeed)(nil)
	_ Transformer                   = (*stubChain)(nil)
	_ Analyzer                      = (*stubChain)(nil)
	_ TerminalHook                  = (*stubHook)(nil)
	_ OpsNotifier                   = (*stubOps)(nil)
)
