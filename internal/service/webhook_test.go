package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// stubSinkRepo implements core.WebhookSinkRepository for webhook tests.
type stubSinkRepo struct {
	mu      sync.Mutex
	created []*model.CreateWebhookSinkRequest
	updated []*model.UpdateWebhookSinkRequest

	CreateFn      func(ctx context.Context, req *model.CreateWebhookSinkRequest) (*model.WebhookSink, error)
	GetByIDFn     func(ctx context.Context, id string) (*model.WebhookSink, error)
	GetByNameFn   func(ctx context.Context, name string) (*model.WebhookSink, error)
	ListFn        func(ctx context.Context, limit, offset int) ([]*model.WebhookSink, error)
	UpdateFn      func(ctx context.Context, id string, req *model.UpdateWebhookSinkRequest) (*model.WebhookSink, error)
	DeleteFn      func(ctx context.Context, id string) (bool, error)
	ListEnabledFn func(ctx context.Context) ([]*model.WebhookSink, error)
}

func (s *stubSinkRepo) Create(ctx context.Context, req *model.CreateWebhookSinkRequest) (*model.WebhookSink, error) {
	s.mu.Lock()
	s.created = append(s.created, req)
	s.mu.Unlock()
	if s.CreateFn != nil {
		return s.CreateFn(ctx, req)
	}
	now := time.Now().UTC()
	return &model.WebhookSink{
		ID:        "sink-1",
		Name:      req.Name,
		URL:       req.URL,
		Template:  req.Template,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *stubSinkRepo) GetByID(ctx context.Context, id string) (*model.WebhookSink, error) {
	if s.GetByIDFn != nil {
		return s.GetByIDFn(ctx, id)
	}
	return nil, data.ErrWebhookSinkNotFound
}

func (s *stubSinkRepo) GetByName(ctx context.Context, name string) (*model.WebhookSink, error) {
	if s.GetByNameFn != nil {
		return s.GetByNameFn(ctx, name)
	}
	return nil, data.ErrWebhookSinkNotFound
}

func (s *stubSinkRepo) List(ctx context.Context, limit, offset int) ([]*model.WebhookSink, error) {
	if s.ListFn != nil {
		return s.ListFn(ctx, limit, offset)
	}
	return nil, nil
}

func (s *stubSinkRepo) Update(ctx context.Context, id string, req *model.UpdateWebhookSinkRequest) (*model.WebhookSink, error) {
	s.mu.Lock()
	s.updated = append(s.updated, req)
	s.mu.Unlock()
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, id, req)
	}
	return nil, data.ErrWebhookSinkNotFound
}

func (s *stubSinkRepo) Delete(ctx context.Context, id string) (bool, error) {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, id)
	}
	return false, nil
}

func (s *stubSinkRepo) ListEnabled(ctx context.Context) ([]*model.WebhookSink, error) {
	if s.ListEnabledFn != nil {
		return s.ListEnabledFn(ctx)
	}
	return nil, nil
}

func (s *stubSinkRepo) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

var _ core.WebhookSinkRepository = (*stubSinkRepo)(nil)

// stubEvaluator lets tests force template outcomes.
type stubEvaluator struct {
	ValidateFn func(expr string) error
	EvaluateFn func(expr string, data any) (any, error)
}

func (s *stubEvaluator) Validate(expr string) error {
	if s.ValidateFn != nil {
		return s.ValidateFn(expr)
	}
	return nil
}

func (s *stubEvaluator) Evaluate(expr string, data any) (any, error) {
	if s.EvaluateFn != nil {
		return s.EvaluateFn(expr, data)
	}
	return data, nil
}

func strPtr(s string) *string { return &s }

func newTestSinkService(t *testing.T, repo *stubSinkRepo) *WebhookSinkService {
	t.Helper()
	svc, err := NewWebhookSinkService(WebhookSinkServiceOptions{
		Repo:   repo,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return svc
}

func TestWebhookSinkServiceRequiresRepo(t *testing.T) {
	_, err := NewWebhookSinkService(WebhookSinkServiceOptions{})
	require.Error(t, err)
}

func TestWebhookSinkServiceCreate(t *testing.T) {
	repo := &stubSinkRepo{}
	svc := newTestSinkService(t, repo)

	sink, err := svc.Create(context.Background(), &model.CreateWebhookSinkRequest{
		Name: "crm-sync",
		URL:  "https://hooks.example.com/keepsake",
	})
	require.NoError(t, err)
	require.NotNil(t, sink)
	assert.Equal(t, "crm-sync", sink.Name)
	assert.Equal(t, 1, repo.createdCount())
}

func TestWebhookSinkServiceCreateNilRequest(t *testing.T) {
	svc := newTestSinkService(t, &stubSinkRepo{})

	_, err := svc.Create(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestWebhookSinkServiceCreateRejectsBadTemplate(t *testing.T) {
	repo := &stubSinkRepo{}
	svc := newTestSinkService(t, repo)

	_, err := svc.Create(context.Background(), &model.CreateWebhookSinkRequest{
		Name:     "crm-sync",
		URL:      "https://hooks.example.com/keepsake",
		Template: strPtr("]["),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid template JMESPath")
	assert.Zero(t, repo.createdCount(), "repo should not see an uncompilable template")
}

func TestWebhookSinkServiceCreateAcceptsValidTemplate(t *testing.T) {
	repo := &stubSinkRepo{}
	svc := newTestSinkService(t, repo)

	_, err := svc.Create(context.Background(), &model.CreateWebhookSinkRequest{
		Name:     "crm-sync",
		URL:      "https://hooks.example.com/keepsake",
		Template: strPtr("{job: job_id, state: status}"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.createdCount())
}

func TestWebhookSinkServiceUpdateRejectsBadTemplate(t *testing.T) {
	repo := &stubSinkRepo{}
	svc := newTestSinkService(t, repo)

	_, err := svc.Update(context.Background(), "sink-1", &model.UpdateWebhookSinkRequest{
		Template: strPtr("(("),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid template JMESPath")
}

func TestWebhookSinkServiceWrapsRepoErrors(t *testing.T) {
	repo := &stubSinkRepo{
		GetByIDFn: func(ctx context.Context, id string) (*model.WebhookSink, error) {
			return nil, data.ErrWebhookSinkNotFound
		},
	}
	svc := newTestSinkService(t, repo)

	_, err := svc.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, data.ErrWebhookSinkNotFound)
}

func TestWebhookSinkServiceDelete(t *testing.T) {
	repo := &stubSinkRepo{
		DeleteFn: func(ctx context.Context, id string) (bool, error) { return true, nil },
	}
	svc := newTestSinkService(t, repo)

	deleted, err := svc.Delete(context.Background(), "sink-1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

// recordingEndpoint captures webhook POSTs for assertions.
type recordingEndpoint struct {
	mu       sync.Mutex
	bodies   [][]byte
	statuses []int // per-request response codes; last repeats
	server   *httptest.Server
}

func newRecordingEndpoint(t *testing.T, statuses ...int) *recordingEndpoint {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	ep := &recordingEndpoint{statuses: statuses}
	ep.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		ep.mu.Lock()
		idx := len(ep.bodies)
		ep.bodies = append(ep.bodies, body)
		if idx >= len(ep.statuses) {
			idx = len(ep.statuses) - 1
		}
		status := ep.statuses[idx]
		ep.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(ep.server.Close)
	return ep
}

func (ep *recordingEndpoint) requestCount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.bodies)
}

func (ep *recordingEndpoint) lastBody() []byte {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.bodies) == 0 {
		return nil
	}
	return ep.bodies[len(ep.bodies)-1]
}

func enabledSink(id, url string, template *string) *model.WebhookSink {
	return &model.WebhookSink{
		ID:       id,
		Name:     "sink-" + id,
		URL:      url,
		Template: template,
		Enabled:  true,
	}
}

func newTestDispatcher(t *testing.T, opts WebhookDispatcherOptions) *WebhookDispatcher {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	d, err := NewWebhookDispatcher(opts)
	require.NoError(t, err)
	return d
}

func TestWebhookDispatcherDeliversTerminalEvent(t *testing.T) {
	ep := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, nil)}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})

	event := model.NewCompleteEvent("job-1", model.JobStatusCompleted, 3)
	d.Dispatch(context.Background(), event)
	d.Close()

	require.Equal(t, 1, ep.requestCount())
	var got model.JobEvent
	require.NoError(t, json.Unmarshal(ep.lastBody(), &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, model.EventComplete, got.Kind)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Total)
}

func TestWebhookDispatcherAppliesTemplate(t *testing.T) {
	ep := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{
				enabledSink("a", ep.server.URL, strPtr("{job: job_id, state: status}")),
			}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusPartial, 2))
	d.Close()

	require.Equal(t, 1, ep.requestCount())
	var got map[string]any
	require.NoError(t, json.Unmarshal(ep.lastBody(), &got))
	assert.Equal(t, map[string]any{"job": "job-1", "state": "partial"}, got)
}

func TestWebhookDispatcherIgnoresNonTerminalEvents(t *testing.T) {
	ep := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, nil)}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})

	d.Dispatch(context.Background(), model.NewProgressEvent("job-1", 1, 3))
	d.Dispatch(context.Background(), model.NewAnalysisEvent("job-1", "a portrait"))
	d.Close()

	assert.Zero(t, ep.requestCount())
}

func TestWebhookDispatcherFansOutToAllEnabledSinks(t *testing.T) {
	first := newRecordingEndpoint(t)
	second := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{
				enabledSink("a", first.server.URL, nil),
				enabledSink("b", second.server.URL, nil),
			}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})

	d.Dispatch(context.Background(), model.NewErrorEvent("job-1", "no artifacts produced", 0))
	d.Close()

	assert.Equal(t, 1, first.requestCount())
	assert.Equal(t, 1, second.requestCount())
}

func TestWebhookDispatcherRetriesUntilSuccess(t *testing.T) {
	ep := newRecordingEndpoint(t, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, nil)}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo, RetryLimit: 2})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))
	d.Close()

	assert.Equal(t, 3, ep.requestCount())
}

func TestWebhookDispatcherStopsAfterRetryLimit(t *testing.T) {
	ep := newRecordingEndpoint(t, http.StatusInternalServerError)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, nil)}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo, RetryLimit: 1})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))
	d.Close()

	assert.Equal(t, 2, ep.requestCount())
}

func TestWebhookDispatcherSinkFailureDoesNotBlockOthers(t *testing.T) {
	healthy := newRecordingEndpoint(t)
	broken := newRecordingEndpoint(t, http.StatusInternalServerError)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{
				enabledSink("a", broken.server.URL, nil),
				enabledSink("b", healthy.server.URL, nil),
			}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo, RetryLimit: 0})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))
	d.Close()

	assert.Equal(t, 1, broken.requestCount())
	assert.Equal(t, 1, healthy.requestCount())
}

func TestWebhookDispatcherTemplateErrorSkipsPost(t *testing.T) {
	ep := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, strPtr("status"))}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{
		Sinks: repo,
		Evaluator: &stubEvaluator{
			EvaluateFn: func(expr string, data any) (any, error) {
				return nil, errors.New("type mismatch")
			},
		},
	})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))
	d.Close()

	assert.Zero(t, ep.requestCount())
}

func TestWebhookDispatcherListFailureIsSwallowed(t *testing.T) {
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return nil, errors.New("connection refused")
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))
	d.Close()
}

func TestWebhookDispatcherClosedDropsEvents(t *testing.T) {
	ep := newRecordingEndpoint(t)
	repo := &stubSinkRepo{
		ListEnabledFn: func(ctx context.Context) ([]*model.WebhookSink, error) {
			return []*model.WebhookSink{enabledSink("a", ep.server.URL, nil)}, nil
		},
	}
	d := newTestDispatcher(t, WebhookDispatcherOptions{Sinks: repo})
	d.Close()

	d.Dispatch(context.Background(), model.NewCompleteEvent("job-1", model.JobStatusCompleted, 1))

	assert.Zero(t, ep.requestCount())
}
