package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/sync/semaphore"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	apperrors "github.com/keepsake-labs/keepsake/internal/errors"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// WebhookSinkServiceOptions groups dependencies for WebhookSinkService.
type WebhookSinkServiceOptions struct {
	Repo      core.WebhookSinkRepository // Required: webhook sink repository
	Evaluator JMESPathEvaluator          // Optional: template expression checker
	Logger    *slog.Logger               // Optional: structured logger
}

// WebhookSinkService provides business logic for webhook sink CRUD operations.
// It checks template expressions up front so a sink never reaches the
// dispatcher with an uncompilable template.
type WebhookSinkService struct {
	repo   core.WebhookSinkRepository
	jems   JMESPathEvaluator
	logger *slog.Logger
}

// NewWebhookSinkService constructs a new WebhookSinkService.
func NewWebhookSinkService(opts WebhookSinkServiceOptions) (*WebhookSinkService, error) {
	if opts.Repo == nil {
		return nil, errors.New("WebhookSinkRepository is required")
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "webhook_sink_service")
		logger.Debug("WebhookSinkService initialized")
	}

	return &WebhookSinkService{
		repo:   opts.Repo,
		jems:   jems,
		logger: logger,
	}, nil
}

// MustNewWebhookSinkService constructs a new WebhookSinkService and panics on error.
// Use this when you want fail-fast behavior during application startup.
func MustNewWebhookSinkService(opts WebhookSinkServiceOptions) *WebhookSinkService {
	service, err := NewWebhookSinkService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return service
}

// Create registers a new webhook sink with the given request parameters.
func (s *WebhookSinkService) Create(
	ctx context.Context,
	req *model.CreateWebhookSinkRequest,
) (*model.WebhookSink, error) {
	if req == nil {
		return nil, errors.New("create webhook sink request is required")
	}

	if err := s.validateTemplate(req.Template); err != nil {
		return nil, err
	}

	sink, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create webhook sink: %w", apperrors.MapDBError(err))
	}

	if s.logger != nil && sink != nil {
		s.logger.DebugContext(ctx, "webhook sink created", "id", sink.ID)
	}

	return sink, nil
}

// GetByID retrieves a webhook sink by its ID.
func (s *WebhookSinkService) GetByID(ctx context.Context, id string) (*model.WebhookSink, error) {
	sink, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get webhook sink by id: %w", err)
	}
	return sink, nil
}

// GetByName retrieves a webhook sink by its name.
func (s *WebhookSinkService) GetByName(ctx context.Context, name string) (*model.WebhookSink, error) {
	sink, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get webhook sink by name: %w", err)
	}
	return sink, nil
}

// List retrieves a list of webhook sinks with pagination.
func (s *WebhookSinkService) List(ctx context.Context, limit, offset int) ([]*model.WebhookSink, error) {
	sinks, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhook sinks: %w", err)
	}
	return sinks, nil
}

// Update updates an existing webhook sink with the given request parameters.
func (s *WebhookSinkService) Update(
	ctx context.Context,
	id string,
	req *model.UpdateWebhookSinkRequest,
) (*model.WebhookSink, error) {
	if req == nil {
		return nil, errors.New("update webhook sink request is required")
	}

	if err := s.validateTemplate(req.Template); err != nil {
		return nil, err
	}

	sink, err := s.repo.Update(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("update webhook sink: %w", apperrors.MapDBError(err))
	}

	if s.logger != nil && sink != nil {
		s.logger.DebugContext(ctx, "webhook sink updated", "id", sink.ID)
	}

	return sink, nil
}

// Delete deletes a webhook sink by its ID.
func (s *WebhookSinkService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete webhook sink: %w", err)
	}

	if s.logger != nil && deleted {
		s.logger.DebugContext(ctx, "webhook sink deleted", "id", id)
	}

	return deleted, nil
}

func (s *WebhookSinkService) validateTemplate(template *string) error {
	if template == nil {
		return nil
	}
	if err := s.jems.Validate(*template); err != nil {
		return fmt.Errorf("invalid template JMESPath: %w", err)
	}
	return nil
}

const (
	// DefaultWebhookTimeout bounds a single delivery attempt, list call included.
	DefaultWebhookTimeout = 10 * time.Second
	// DefaultWebhookRetryLimit is the number of retries after the first attempt.
	DefaultWebhookRetryLimit = 2
	// DefaultWebhookMaxInFlight caps concurrent delivery runs across jobs.
	DefaultWebhookMaxInFlight = 4

	webhookErrorBodyLimit = 512
)

// WebhookDispatcherOptions configures a WebhookDispatcher.
type WebhookDispatcherOptions struct {
	Sinks       core.WebhookSinkRepository // Required: source of enabled sinks
	Evaluator   JMESPathEvaluator          // Optional: template evaluator
	Client      *http.Client               // Optional: delivery client
	Timeout     time.Duration              // Optional: per-attempt budget
	RetryLimit  int                        // Optional: retries per sink after the first attempt
	MaxInFlight int64                      // Optional: concurrent delivery runs
	Logger      *slog.Logger               // Optional: structured logger
}

// WebhookDispatcher posts the terminal event of every finalized job to the
// registered enabled sinks. Delivery runs after the job record is settled and
// never reports back into job state: a sink that is down costs log lines and
// a counter increment, nothing more.
type WebhookDispatcher struct {
	sinks      core.WebhookSinkRepository
	jems       JMESPathEvaluator
	client     *http.Client
	timeout    time.Duration
	retryLimit int
	sem        *semaphore.Weighted
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookDispatcher constructs a new WebhookDispatcher.
func NewWebhookDispatcher(opts WebhookDispatcherOptions) (*WebhookDispatcher, error) {
	if opts.Sinks == nil {
		return nil, errors.New("WebhookSinkRepository is required")
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}

	retries := opts.RetryLimit
	if retries < 0 {
		retries = DefaultWebhookRetryLimit
	}

	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultWebhookMaxInFlight
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookDispatcher{
		sinks:      opts.Sinks,
		jems:       jems,
		client:     client,
		timeout:    timeout,
		retryLimit: retries,
		sem:        semaphore.NewWeighted(maxInFlight),
		logger:     logger.With("component", "webhook_dispatcher"),
	}, nil
}

// MustNewWebhookDispatcher constructs a new WebhookDispatcher and panics on error.
func MustNewWebhookDispatcher(opts WebhookDispatcherOptions) *WebhookDispatcher {
	dispatcher, err := NewWebhookDispatcher(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return dispatcher
}

var _ TerminalHook = (*WebhookDispatcher)(nil)

// Dispatch hands the event to a background delivery run and returns
// immediately. Non-terminal events are ignored; only settled outcomes leave
// the process. The run detaches from the caller's deadline because the job
// is already finalized when hooks fire.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event model.JobEvent) {
	if !event.Kind.Terminal() {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "dispatcher closed, dropping terminal event",
			"job_id", event.JobID,
			"kind", string(event.Kind))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	base := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		d.deliverAll(base, event)
	}()
}

// Close waits for in-flight delivery runs to settle. Runs are bounded by the
// per-attempt timeout and retry limit, so the wait is too.
func (d *WebhookDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *WebhookDispatcher) deliverAll(ctx context.Context, event model.JobEvent) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.logger.WarnContext(ctx, "webhook delivery slot unavailable", "job_id", event.JobID, "error", err)
		return
	}
	defer d.sem.Release(1)

	listCtx, cancel := context.WithTimeout(ctx, d.timeout)
	sinks, err := d.sinks.ListEnabled(listCtx)
	cancel()
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to list webhook sinks", "job_id", event.JobID, "error", err)
		return
	}
	if len(sinks) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to encode terminal event", "job_id", event.JobID, "error", err)
		return
	}

	for _, sink := range sinks {
		d.deliver(ctx, sink, event, payload)
	}
}

// deliver posts one event to one sink, retrying transient failures with a
// linear backoff. Template errors are not retried: the payload would fail
// the same way every time.
func (d *WebhookDispatcher) deliver(
	ctx context.Context,
	sink *model.WebhookSink,
	event model.JobEvent,
	payload []byte,
) {
	body, err := d.sinkBody(sink, payload)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		d.logger.ErrorContext(ctx, "webhook template evaluation failed",
			"job_id", event.JobID,
			"sink_id", sink.ID,
			"sink_name", sink.Name,
			"error", err)
		return
	}

	attempts := d.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.post(attemptCtx, sink.URL, body)
		cancel()
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			d.logger.DebugContext(ctx, "webhook delivered",
				"job_id", event.JobID,
				"sink_id", sink.ID,
				"sink_name", sink.Name,
				"attempt", attempt+1)
			return
		}
		lastErr = err
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
				return
			case <-timer.C:
			}
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.logger.ErrorContext(ctx, "webhook delivery failed",
		"job_id", event.JobID,
		"sink_id", sink.ID,
		"sink_name", sink.Name,
		"attempts", attempts,
		"error", lastErr)
}

// sinkBody applies the sink's template to the event payload. An empty
// template forwards the envelope unchanged.
func (d *WebhookDispatcher) sinkBody(sink *model.WebhookSink, payload []byte) ([]byte, error) {
	expr := ""
	if sink.Template != nil {
		expr = strings.TrimSpace(*sink.Template)
	}
	if expr == "" {
		return payload, nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	res, err := d.jems.Evaluate(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate template JMESPath: %w", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal templated payload: %w", err)
	}
	return b, nil
}

func (d *WebhookDispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, webhookErrorBodyLimit))
		return fmt.Errorf("webhook endpoint %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
