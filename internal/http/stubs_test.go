package httpx

// Shared in-package stubs for handler tests. Behaviors default to accepting
// every call; tests override the Fn fields they care about.

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
	"github.com/keepsake-labs/keepsake/internal/service"
	"github.com/keepsake-labs/keepsake/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubJobRepo struct {
	CreateFn  func(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByIDFn func(ctx context.Context, id string) (*model.Job, error)
	StatsFn   func(ctx context.Context, kind model.JobKind) (*model.JobStats, error)
}

func (s *stubJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if s.CreateFn != nil {
		return s.CreateFn(context.Background(), req)
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

func (s *stubJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	if s.GetByIDFn != nil {
		return s.GetByIDFn(context.Background(), id)
	}
	return nil, data.ErrJobNotFound
}

func (s *stubJobRepo) ReserveNext(context.Context, model.JobKind, int) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (s *stubJobRepo) WaitForNotification(ctx context.Context, _ model.JobKind) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubJobRepo) Heartbeat(context.Context, string, int) (bool, error) { return true, nil }

func (s *stubJobRepo) SetAnalysis(context.Context, string, string) (bool, error) { return true, nil }

func (s *stubJobRepo) AppendError(context.Context, string, string) (bool, error) { return true, nil }

func (s *stubJobRepo) Finalize(context.Context, core.FinalizeJobParams) (bool, error) {
	return true, nil
}

func (s *stubJobRepo) Stats(_ context.Context, kind model.JobKind) (*model.JobStats, error) {
	if s.StatsFn != nil {
		return s.StatsFn(context.Background(), kind)
	}
	return &model.JobStats{}, nil
}

type stubArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]*model.Artifact
}

func newStubArtifactRepo(artifacts ...*model.Artifact) *stubArtifactRepo {
	repo := &stubArtifactRepo{artifacts: map[string]*model.Artifact{}}
	for _, a := range artifacts {
		repo.artifacts[a.ID] = a
	}
	return repo
}

func (s *stubArtifactRepo) Create(_ context.Context, req *model.CreateArtifactRequest) (*model.Artifact, error) {
	return nil, errors.New("not implemented")
}

func (s *stubArtifactRepo) GetByID(_ context.Context, id string) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.artifacts[id]; ok {
		return a, nil
	}
	return nil, data.ErrArtifactNotFound
}

func (s *stubArtifactRepo) ListByJob(_ context.Context, jobID string) ([]*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Artifact
	for _, a := range s.artifacts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubArtifactRepo) CountByJob(ctx context.Context, jobID string) (int, error) {
	list, err := s.ListByJob(ctx, jobID)
	return len(list), err
}

func (s *stubArtifactRepo) MarkSaved(_ context.Context, id string) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, data.ErrArtifactNotFound
	}
	a.Saved = true
	a.ExpiresAt = nil
	return a, nil
}

func (s *stubArtifactRepo) ListExpired(context.Context, time.Time, int) ([]*model.Artifact, error) {
	return nil, nil
}

func (s *stubArtifactRepo) DeleteByIDs(context.Context, []string) (int64, error) { return 0, nil }

type stubStore struct {
	mu      sync.Mutex
	objects map[string]*core.StoredObject
}

func newStubStore() *stubStore {
	return &stubStore{objects: map[string]*core.StoredObject{}}
}

func (s *stubStore) Put(_ context.Context, params core.PutObjectParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[params.Key] = &core.StoredObject{Body: params.Body, ContentType: params.ContentType}
	return nil
}

func (s *stubStore) Get(_ context.Context, key string) (*core.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		return obj, nil
	}
	return nil, data.ErrObjectNotFound
}

func (s *stubStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *stubStore) Health(context.Context) error { return nil }

type stubWebhookRepo struct {
	mu    sync.Mutex
	seq   int
	sinks map[string]*model.WebhookSink
}

func newStubWebhookRepo() *stubWebhookRepo {
	return &stubWebhookRepo{sinks: map[string]*model.WebhookSink{}}
}

func (s *stubWebhookRepo) Create(_ context.Context, req *model.CreateWebhookSinkRequest) (*model.WebhookSink, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		if sink.Name == req.Name {
			return nil, data.ErrWebhookSinkNameExists
		}
	}
	s.seq++
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sink := &model.WebhookSink{
		ID:        fmt.Sprintf("sink-%d", s.seq),
		Name:      req.Name,
		URL:       req.URL,
		Template:  req.Template,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	s.sinks[sink.ID] = sink
	return sink, nil
}

func (s *stubWebhookRepo) GetByID(_ context.Context, id string) (*model.WebhookSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink, ok := s.sinks[id]; ok {
		return sink, nil
	}
	return nil, data.ErrWebhookSinkNotFound
}

func (s *stubWebhookRepo) GetByName(_ context.Context, name string) (*model.WebhookSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		if sink.Name == name {
			return sink, nil
		}
	}
	return nil, data.ErrWebhookSinkNotFound
}

func (s *stubWebhookRepo) List(context.Context, int, int) ([]*model.WebhookSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WebhookSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		out = append(out, sink)
	}
	return out, nil
}

func (s *stubWebhookRepo) Update(
	_ context.Context,
	id string,
	req *model.UpdateWebhookSinkRequest,
) (*model.WebhookSink, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.sinks[id]
	if !ok {
		return nil, data.ErrWebhookSinkNotFound
	}
	if req.Name != nil {
		sink.Name = *req.Name
	}
	if req.URL != nil {
		sink.URL = *req.URL
	}
	if req.Template != nil {
		sink.Template = req.Template
	}
	if req.Enabled != nil {
		sink.Enabled = *req.Enabled
	}
	return sink, nil
}

func (s *stubWebhookRepo) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sinks[id]; !ok {
		return false, nil
	}
	delete(s.sinks, id)
	return true, nil
}

func (s *stubWebhookRepo) ListEnabled(context.Context) ([]*model.WebhookSink, error) {
	return nil, nil
}

// testEnv bundles the services a router test needs, with direct access to
// the stubs for seeding.
type testEnv struct {
	jobs      *stubJobRepo
	artifacts *stubArtifactRepo
	store     *stubStore
	webhooks  *stubWebhookRepo
	feed      *stream.Feed
	router    RouterServices
}

func newTestEnv(t interface{ Cleanup(func()) }) *testEnv {
	env := &testEnv{
		jobs:      &stubJobRepo{},
		artifacts: newStubArtifactRepo(),
		store:     newStubStore(),
		webhooks:  newStubWebhookRepo(),
		feed:      stream.NewFeed(stream.FeedOptions{Logger: testLogger()}),
	}
	t.Cleanup(env.feed.StopAll)

	jobSvc := service.MustNewJobService(service.JobServiceOptions{
		Repo:         env.jobs,
		Artifacts:    env.artifacts,
		Store:        env.store,
		DefaultLease: 30 * time.Second,
		Logger:       testLogger(),
	})
	t.Cleanup(jobSvc.Close)

	env.router = RouterServices{
		Jobs: jobSvc,
		Delivery: service.MustNewDeliveryService(service.DeliveryOptions{
			Reader:      jobSvc,
			Feed:        env.feed,
			DefaultWait: 100 * time.Millisecond,
			Logger:      testLogger(),
		}),
		Webhooks: service.MustNewWebhookSinkService(service.WebhookSinkServiceOptions{
			Repo:   env.webhooks,
			Logger: testLogger(),
		}),
		Health: HealthDeps{
			Store:   env.store,
			Version: "test",
		},
		SSEHeartbeat: 50 * time.Millisecond,
		Logger:       testLogger(),
	}
	return env
}
