// Package stream delivers live job events from the worker producing them to
// the subscribers watching that job. Delivery is best effort: durable state
// lives on the job record, and a subscriber that reconnects gets the record
// replayed by the delivery layer, so the feed never buffers on behalf of a
// slow or absent consumer.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// DefaultSubscriberBuffer holds more events than a single job can emit
// (analysis, two per sub-task, then the terminal event), so a subscriber that
// keeps reading never drops.
const DefaultSubscriberBuffer = 16

// FeedOptions configure an in-process Feed.
type FeedOptions struct {
	// Buffer is the per-subscriber channel capacity; defaults to DefaultSubscriberBuffer.
	Buffer int
	// Logger for dropped-event warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Feed is the in-process EventFeed used by single-instance deployments and
// tests. Publishing never blocks: a subscriber whose buffer is full loses the
// event and recovers it from the job record on reconnect.
type Feed struct {
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]map[string]*feedSubscription
}

// NewFeed constructs an in-process event feed.
func NewFeed(opts FeedOptions) *Feed {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Feed{
		buffer: buffer,
		logger: resolveLogger(opts.Logger).With("component", "event_feed"),
		topics: make(map[string]map[string]*feedSubscription),
	}
}

// Publish fans the event out to every subscriber of its job.
// Sends are non-blocking, so holding the lock across the loop is safe and
// keeps delivery ordered with Subscribe and Close.
func (f *Feed) Publish(ctx context.Context, event model.JobEvent) error {
	var dropped []string

	f.mu.Lock()
	for id, sub := range f.topics[event.JobID] {
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, id)
		}
	}
	f.mu.Unlock()

	for _, id := range dropped {
		f.logger.WarnContext(ctx, "subscriber missed event",
			"job_id", event.JobID,
			"kind", string(event.Kind),
			"subscriber_id", id)
	}
	return nil
}

// Subscribe registers a new subscriber for the given job.
//
//nolint:ireturn // the port returns an interface so callers stay transport-agnostic.
func (f *Feed) Subscribe(_ context.Context, jobID string) (core.EventSubscription, error) {
	sub := &feedSubscription{
		id:    uuid.NewString(),
		jobID: jobID,
		feed:  f,
		ch:    make(chan model.JobEvent, f.buffer),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.topics[jobID]
	if subs == nil {
		subs = make(map[string]*feedSubscription)
		f.topics[jobID] = subs
	}
	subs[sub.id] = sub

	return sub, nil
}

// SubscriberCount reports how many subscribers a job currently has.
func (f *Feed) SubscriberCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics[jobID])
}

// StopAll closes every subscription, ending their event channels.
// Used during shutdown; later Close calls on the subscriptions are no-ops.
func (f *Feed) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for jobID, subs := range f.topics {
		for _, sub := range subs {
			drainAndClose(sub.ch)
		}
		delete(f.topics, jobID)
	}
}

// feedSubscription is one consumer of a job's events.
type feedSubscription struct {
	id    string
	jobID string
	feed  *Feed
	ch    chan model.JobEvent
}

// Events returns the subscriber's event channel. It is closed by Close.
func (s *feedSubscription) Events() <-chan model.JobEvent {
	return s.ch
}

// Close detaches the subscriber from the feed and closes its channel.
// Safe to call more than once.
func (s *feedSubscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	subs := s.feed.topics[s.jobID]
	if subs == nil {
		return
	}
	if _, ok := subs[s.id]; !ok {
		return
	}
	delete(subs, s.id)
	drainAndClose(s.ch)
	if len(subs) == 0 {
		delete(s.feed.topics, s.jobID)
	}
}

// drainAndClose removes any buffered events before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan model.JobEvent) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

var _ core.EventFeed = (*Feed)(nil)
