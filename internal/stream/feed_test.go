package stream

import (
	"context"
	"testing"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, sub core.EventSubscription) model.JobEvent {
	t.Helper()

	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed before event arrived")
		return event
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected an event to be delivered")
		return model.JobEvent{}
	}
}

func TestFeed_PublishReachesSubscriber(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, feed.Publish(ctx, model.NewAnalysisEvent("job-1", "a tabby cat on a rug")))

	event := receiveEvent(t, sub)
	assert.Equal(t, model.EventAnalysis, event.Kind)
	assert.Equal(t, "job-1", event.JobID)
	assert.Equal(t, "a tabby cat on a rug", event.Text)
}

func TestFeed_PublishOnlyReachesMatchingJob(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	subA, err := feed.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer subA.Close()

	subB, err := feed.Subscribe(ctx, "job-b")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-a", 1, 3)))

	// Publish is synchronous, so channel occupancy is settled once it returns.
	assert.Len(t, subA.Events(), 1)
	assert.Empty(t, subB.Events())
}

func TestFeed_FanOutDeliversToAllSubscribers(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	first, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer first.Close()

	second, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, feed.Publish(ctx, model.NewCompleteEvent("job-1", model.JobStatusCompleted, 3)))

	for _, sub := range []core.EventSubscription{first, second} {
		event := receiveEvent(t, sub)
		assert.Equal(t, model.EventComplete, event.Kind)
		assert.Equal(t, model.JobStatusCompleted, event.Status)
	}
}

func TestFeed_DeliversInPublishOrder(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, feed.Publish(ctx, model.NewAnalysisEvent("job-1", "description")))
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 1, 2)))
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 2, 2)))
	require.NoError(t, feed.Publish(ctx, model.NewCompleteEvent("job-1", model.JobStatusCompleted, 2)))

	want := []model.EventKind{model.EventAnalysis, model.EventProgress, model.EventProgress, model.EventComplete}
	for _, kind := range want {
		assert.Equal(t, kind, receiveEvent(t, sub).Kind)
	}
}

func TestFeed_CloseUnsubscribes(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, feed.SubscriberCount("job-1"))

	sub.Close()

	assert.Equal(t, 0, feed.SubscriberCount("job-1"))

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed after Close")

	// Publishing to a job with no subscribers is a no-op.
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 1, 3)))

	// Closing twice is safe.
	sub.Close()
}

func TestFeed_FullBufferDropsNewestWithoutBlocking(t *testing.T) {
	feed := NewFeed(FeedOptions{Buffer: 1})
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 1, 3)))
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 2, 3)))
	require.NoError(t, feed.Publish(ctx, model.NewProgressEvent("job-1", 3, 3)))

	event := receiveEvent(t, sub)
	assert.Equal(t, 1, event.Completed, "oldest buffered event survives; overflow is dropped")
	assert.Empty(t, sub.Events())
}

func TestFeed_StopAllClosesEverySubscriber(t *testing.T) {
	feed := NewFeed(FeedOptions{})
	ctx := context.Background()

	subA, err := feed.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	subB, err := feed.Subscribe(ctx, "job-b")
	require.NoError(t, err)

	feed.StopAll()

	for _, sub := range []core.EventSubscription{subA, subB} {
		_, ok := <-sub.Events()
		assert.False(t, ok, "channels should be closed after StopAll")
	}
	assert.Equal(t, 0, feed.SubscriberCount("job-a"))
	assert.Equal(t, 0, feed.SubscriberCount("job-b"))

	// Close after StopAll remains safe.
	subA.Close()
	subB.Close()
}
