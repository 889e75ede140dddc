package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func newTestRedisFeed(t *testing.T) *RedisFeed {
	t.Helper()

	feed, err := NewRedisFeed(RedisFeedOptions{Client: newTestRedisClient(t)})
	require.NoError(t, err)
	return feed
}

// receiveRedisEvent allows generous time because delivery crosses a real
// (in-memory) server round trip.
func receiveRedisEvent(t *testing.T, sub core.EventSubscription) model.JobEvent {
	t.Helper()

	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed before event arrived")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event to be delivered")
		return model.JobEvent{}
	}
}

func TestNewRedisFeed_RequiresClient(t *testing.T) {
	feed, err := NewRedisFeed(RedisFeedOptions{})
	require.ErrorIs(t, err, ErrRedisClientRequired)
	assert.Nil(t, feed)
}

func TestRedisFeed_PublishReachesSubscriber(t *testing.T) {
	feed := newTestRedisFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	sent := model.NewArtifactEvent("job-1", model.ArtifactSummary{
		ID:        "art-1",
		Reference: "jobs/job-1/art-1.png",
		Prompt:    "a tabby cat wearing a party hat",
	})
	require.NoError(t, feed.Publish(ctx, sent))

	got := receiveRedisEvent(t, sub)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, model.EventArtifact, got.Kind)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "art-1", got.Artifact.ID)
	assert.Equal(t, "jobs/job-1/art-1.png", got.Artifact.Reference)
}

func TestRedisFeed_SubscriberOnlySeesItsJob(t *testing.T) {
	feed := newTestRedisFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-b", 1, 3)))
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-a", 2, 3)))

	got := receiveRedisEvent(t, sub)
	assert.Equal(t, "job-a", got.JobID)
	assert.Equal(t, 2, got.Completed)
	assert.Empty(t, sub.Events())
}

func TestRedisFeed_DeliversAcrossFeedInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	newClient := func() redis.UniversalClient {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() {
			_ = client.Close()
		})
		return client
	}

	producer, err := NewRedisFeed(RedisFeedOptions{Client: newClient()})
	require.NoError(t, err)
	consumer, err := NewRedisFeed(RedisFeedOptions{Client: newClient()})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := consumer.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, producer.Publish(ctx, model.NewErrorEvent("job-1", "all providers failed", 0)))

	got := receiveRedisEvent(t, sub)
	assert.Equal(t, model.EventError, got.Kind)
	assert.Equal(t, "all providers failed", got.Message)
}

func TestRedisFeed_MalformedPayloadIsSkipped(t *testing.T) {
	client := newTestRedisClient(t)
	feed, err := NewRedisFeed(RedisFeedOptions{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, feed.channelFor("job-1"), "not json").Err())
	require.NoError(t, feed.Publish(ctx, model.NewAnalysisEvent("job-1", "still flows")))

	got := receiveRedisEvent(t, sub)
	assert.Equal(t, model.EventAnalysis, got.Kind)
	assert.Equal(t, "still flows", got.Text)
}

func TestRedisFeed_CloseEndsEventsChannel(t *testing.T) {
	feed := newTestRedisFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should close after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("expected events channel to close")
	}

	// Closing twice is safe.
	sub.Close()
}

func TestRedisFeed_ChannelPrefixNamespacesJobs(t *testing.T) {
	client := newTestRedisClient(t)

	blue, err := NewRedisFeed(RedisFeedOptions{Client: client, ChannelPrefix: "blue"})
	require.NoError(t, err)
	green, err := NewRedisFeed(RedisFeedOptions{Client: client, ChannelPrefix: "green"})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := blue.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, green.Publish(ctx, model.NewProgressEvent("job-1", 1, 1)))
	require.NoError(t, blue.Publish(ctx, model.NewProgressEvent("job-1", 9, 9)))

	got := receiveRedisEvent(t, sub)
	assert.Equal(t, 9, got.Completed, "events from a different prefix must not cross over")
	assert.Empty(t, sub.Events())
}
