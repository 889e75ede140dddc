package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the Redis channels so several deployments
// can share one Redis.
const DefaultChannelPrefix = "keepsake"

// ErrRedisClientRequired indicates a RedisFeed cannot be constructed without a client.
var ErrRedisClientRequired = errors.New("redis client is required")

// RedisFeedOptions configure a RedisFeed.
type RedisFeedOptions struct {
	// Client is the Redis connection. Required.
	Client redis.UniversalClient
	// ChannelPrefix namespaces the pub/sub channels; defaults to DefaultChannelPrefix.
	ChannelPrefix string
	// Buffer is the per-subscriber channel capacity; defaults to DefaultSubscriberBuffer.
	Buffer int
	// Logger for dropped-event warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// RedisFeed carries job events across processes over Redis pub/sub, so a
// client connected to one API instance sees the events a worker on another
// instance produces. Fire-and-forget like the in-process Feed: Redis pub/sub
// keeps no history, and the job record covers reconnects.
type RedisFeed struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *slog.Logger
}

// NewRedisFeed constructs a Redis-backed event feed.
func NewRedisFeed(opts RedisFeedOptions) (*RedisFeed, error) {
	if opts.Client == nil {
		return nil, ErrRedisClientRequired
	}

	prefix := strings.TrimSuffix(opts.ChannelPrefix, ":")
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &RedisFeed{
		client: opts.Client,
		prefix: prefix,
		buffer: buffer,
		logger: resolveLogger(opts.Logger).With("component", "redis_event_feed"),
	}, nil
}

// MustNewRedisFeed constructs a Redis-backed event feed and panics on error.
//
//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
func MustNewRedisFeed(opts RedisFeedOptions) *RedisFeed {
	feed, err := NewRedisFeed(opts)
	if err != nil {
		panic(err)
	}
	return feed
}

// Publish sends the event to the job's channel. Subscribers on any instance
// receive it; with none connected, Redis discards it, which is fine because
// the job record is the durable copy.
func (f *RedisFeed) Publish(ctx context.Context, event model.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	if err := f.client.Publish(ctx, f.channelFor(event.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription for the job's channel. It confirms the
// subscription with the server before returning, so an event published after
// Subscribe returns is guaranteed to reach this subscriber.
//
//nolint:ireturn // the port returns an interface so callers stay transport-agnostic.
func (f *RedisFeed) Subscribe(ctx context.Context, jobID string) (core.EventSubscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channelFor(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to job events: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan model.JobEvent, f.buffer),
	}
	go sub.pump(f.logger, jobID)

	return sub, nil
}

func (f *RedisFeed) channelFor(jobID string) string {
	return f.prefix + ":events:" + jobID
}

// redisSubscription adapts a redis.PubSub to the EventSubscription port.
type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan model.JobEvent
	once   sync.Once
}

// Events returns the subscriber's event channel. It is closed after Close,
// once the pump goroutine drains.
func (s *redisSubscription) Events() <-chan model.JobEvent {
	return s.ch
}

// Close tears down the Redis subscription. The pump goroutine then closes the
// event channel. Safe to call more than once.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

// pump moves messages from the Redis subscription onto the event channel
// until the subscription closes. Malformed payloads and full buffers drop the
// event rather than stalling the feed.
func (s *redisSubscription) pump(logger *slog.Logger, jobID string) {
	defer close(s.ch)

	for msg := range s.pubsub.Channel() {
		var event model.JobEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			logger.Warn("dropping malformed job event",
				"job_id", jobID,
				"error", err)
			continue
		}

		select {
		case s.ch <- event:
		default:
			logger.Warn("subscriber missed event",
				"job_id", jobID,
				"kind", string(event.Kind))
		}
	}
}

var _ core.EventFeed = (*RedisFeed)(nil)
