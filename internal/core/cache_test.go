package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// memoryCache is a minimal in-memory CacheRepository for exercising the
// status cache without Redis.
type memoryCache struct {
	entries map[string][]byte
	ttls    map[string]time.Duration

	getErr error
	setErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[key], nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memoryCache) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.entries[key]
	return ok, nil
}

func (c *memoryCache) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	c.ttls[key] = ttl
	return true, nil
}

func (c *memoryCache) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *memoryCache) Health(context.Context) error { return nil }

var _ CacheRepository = (*memoryCache)(nil)

func terminalView(jobID string) *model.StatusView {
	return &model.StatusView{
		JobID:   jobID,
		Status:  model.JobStatusCompleted,
		Results: []model.ArtifactSummary{{ID: "art-1", Reference: "jobs/" + jobID + "/art-1.png"}},
		Errors:  []string{},
	}
}

func TestStatusCacheService_RoundTrip(t *testing.T) {
	cache := newMemoryCache()
	svc := NewStatusCacheService(StatusCacheServiceOptions{
		Cache:  cache,
		Config: StatusCacheConfig{TTL: time.Minute},
	})

	require.NoError(t, svc.CacheTerminalStatus(context.Background(), terminalView("job-1")))

	view, err := svc.GetCachedStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, model.JobStatusCompleted, view.Status)
	require.Len(t, view.Results, 1)
	assert.Equal(t, "art-1", view.Results[0].ID)
	assert.Equal(t, time.Minute, cache.ttls["job:status:job-1"])
}

func TestStatusCacheService_IgnoresNonTerminalViews(t *testing.T) {
	cache := newMemoryCache()
	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: cache})

	running := &model.StatusView{JobID: "job-1", Status: model.JobStatusProcessing}
	require.NoError(t, svc.CacheTerminalStatus(context.Background(), running))
	assert.Empty(t, cache.entries)

	require.NoError(t, svc.CacheTerminalStatus(context.Background(), nil))
	require.NoError(t, svc.CacheTerminalStatus(context.Background(), &model.StatusView{Status: model.JobStatusCompleted}))
	assert.Empty(t, cache.entries)
}

func TestStatusCacheService_MissReturnsNil(t *testing.T) {
	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: newMemoryCache()})

	view, err := svc.GetCachedStatus(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, view)

	view, err = svc.GetCachedStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestStatusCacheService_CorruptEntryIsDropped(t *testing.T) {
	cache := newMemoryCache()
	cache.entries["job:status:job-1"] = []byte("{not json")

	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: cache})

	view, err := svc.GetCachedStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, view)
	assert.NotContains(t, cache.entries, "job:status:job-1")
}

func TestStatusCacheService_PropagatesBackendErrors(t *testing.T) {
	cache := newMemoryCache()
	cache.getErr = errors.New("connection refused")

	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: cache})

	_, err := svc.GetCachedStatus(context.Background(), "job-1")
	assert.Error(t, err)

	cache.setErr = errors.New("connection refused")
	assert.Error(t, svc.CacheTerminalStatus(context.Background(), terminalView("job-1")))
}

func TestStatusCacheService_Invalidate(t *testing.T) {
	cache := newMemoryCache()
	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: cache})

	require.NoError(t, svc.CacheTerminalStatus(context.Background(), terminalView("job-1")))
	require.NoError(t, svc.InvalidateStatus(context.Background(), "job-1"))

	view, err := svc.GetCachedStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, view)

	// Empty IDs are a no-op rather than an error.
	require.NoError(t, svc.InvalidateStatus(context.Background(), ""))
}

func TestStatusCacheService_DefaultTTL(t *testing.T) {
	cache := newMemoryCache()
	svc := NewStatusCacheService(StatusCacheServiceOptions{Cache: cache})

	require.NoError(t, svc.CacheTerminalStatus(context.Background(), terminalView("job-1")))
	assert.Equal(t, DefaultStatusCacheConfig().TTL, cache.ttls["job:status:job-1"])
}
