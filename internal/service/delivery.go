package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

const (
	// DefaultWait applies when a blocking wait names no timeout.
	DefaultWait = 30 * time.Second
	// DefaultMaxWait caps caller-supplied wait timeouts.
	DefaultMaxWait = 2 * time.Minute

	// streamBuffer is the live-event headroom on a stream channel beyond its
	// replayed history.
	streamBuffer = 16
)

// StatusReader reads the durable poll projection of a job. Everything the
// delivery surfaces return is rebuilt from this view, never from feed state.
type StatusReader interface {
	Status(ctx context.Context, jobID string) (*model.StatusView, error)
}

// DeliveryOptions groups dependencies for DeliveryService.
type DeliveryOptions struct {
	Reader StatusReader   // Required: durable status views
	Feed   core.EventFeed // Required: live event subscriptions

	// DefaultWait applies when Wait is called with no timeout; defaults to 30s.
	DefaultWait time.Duration
	// MaxWait caps caller-supplied wait timeouts; defaults to 2m and is
	// raised to DefaultWait if set lower.
	MaxWait time.Duration

	Logger *slog.Logger
}

// DeliveryService implements the three consumption modes over one durable
// record: blocking wait, push streaming with replay, and stateless polls
// (served by the StatusReader directly).
type DeliveryService struct {
	reader      StatusReader
	feed        core.EventFeed
	defaultWait time.Duration
	maxWait     time.Duration
	logger      *slog.Logger
}

// NewDeliveryService validates options and constructs a DeliveryService.
func NewDeliveryService(opts DeliveryOptions) (*DeliveryService, error) {
	if opts.Reader == nil {
		return nil, errors.New("StatusReader is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("EventFeed is required")
	}

	defaultWait := opts.DefaultWait
	if defaultWait <= 0 {
		defaultWait = DefaultWait
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if maxWait < defaultWait {
		maxWait = defaultWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DeliveryService{
		reader:      opts.Reader,
		feed:        opts.Feed,
		defaultWait: defaultWait,
		maxWait:     maxWait,
		logger:      logger.With("component", "delivery"),
	}, nil
}

// MustNewDeliveryService constructs a DeliveryService and panics on error.
func MustNewDeliveryService(opts DeliveryOptions) *DeliveryService {
	s, err := NewDeliveryService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create DeliveryService: %v", err))
	}
	return s
}

// Wait blocks until the job reaches a terminal state or the wait window
// closes, then returns the freshest durable view. Subscribing before the
// first read closes the gap where the job finishes between read and wait.
// A wait that times out is not an error: the current view is returned.
func (s *DeliveryService) Wait(ctx context.Context, jobID string, wait time.Duration) (*model.StatusView, error) {
	wait = s.clampWait(wait)

	sub, err := s.feed.Subscribe(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}
	defer sub.Close()

	view, err := s.reader.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view.Status.Terminal() {
		return view, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return s.reader.Status(ctx, jobID)
		case event, ok := <-sub.Events():
			if !ok {
				// Feed shut down under us; the record still has the answer.
				return s.reader.Status(ctx, jobID)
			}
			if event.Kind.Terminal() {
				return s.reader.Status(ctx, jobID)
			}
		}
	}
}

func (s *DeliveryService) clampWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return s.defaultWait
	}
	if wait > s.maxWait {
		return s.maxWait
	}
	return wait
}

// Stream subscribes to the job's live feed, replays the durable record, then
// forwards live events with replayed ones deduplicated, so a late or
// reconnecting subscriber sees no duplicates and no gaps. The returned
// channel closes after the terminal event, when ctx ends, or when the feed
// shuts down.
func (s *DeliveryService) Stream(ctx context.Context, jobID string) (<-chan model.JobEvent, error) {
	sub, err := s.feed.Subscribe(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	view, err := s.reader.Status(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	replay := ReplayEvents(view)
	out := make(chan model.JobEvent, len(replay)+streamBuffer)

	go func() {
		defer close(out)
		defer sub.Close()

		seen := make(map[string]bool, len(replay)+4)

		// forward reports whether the stream is done: terminal delivered or
		// the consumer is gone. Duplicates are swallowed, never terminal.
		forward := func(event model.JobEvent) bool {
			if event.Kind != model.EventProgress {
				key := event.DedupeKey()
				if seen[key] {
					return false
				}
				seen[key] = true
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return true
			}
			return event.Kind.Terminal()
		}

		for _, event := range replay {
			if forward(event) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if forward(event) {
					return
				}
			}
		}
	}()

	return out, nil
}

// ReplayEvents synthesizes the event history a fresh subscriber must see
// from the durable record: analysis if present, one artifact event per
// persisted artifact, and the terminal event if the job is terminal.
// Progress is transient and never replayed.
func ReplayEvents(view *model.StatusView) []model.JobEvent {
	events := make([]model.JobEvent, 0, len(view.Results)+2)
	if view.Analysis != nil && *view.Analysis != "" {
		events = append(events, model.NewAnalysisEvent(view.JobID, *view.Analysis))
	}
	for _, artifact := range view.Results {
		events = append(events, model.NewArtifactEvent(view.JobID, artifact))
	}
	if view.Status.Terminal() {
		events = append(events, TerminalEvent(view))
	}
	return events
}

// TerminalEvent rebuilds the terminal event for a terminal status view.
func TerminalEvent(view *model.StatusView) model.JobEvent {
	if view.Status == model.JobStatusFailed {
		message := "job failed"
		if n := len(view.Errors); n > 0 {
			message = view.Errors[n-1]
		}
		return model.NewErrorEvent(view.JobID, message, len(view.Results))
	}
	return model.NewCompleteEvent(view.JobID, view.Status, len(view.Results))
}
