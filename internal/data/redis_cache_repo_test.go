package data

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-labs/keepsake/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.SetupTestRedis(t)
}

func TestRedisCacheRepo_Set_Get_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		key := "jobs:status:test-1"
		value := []byte(`{"job_id":"test-1","status":"processing"}`)
		ttl := 5 * time.Minute

		err := repo.Set(ctx, key, value, ttl)
		require.NoError(t, err)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, result)

		// Check TTL is set
		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		result, err := repo.Get(ctx, "jobs:status:non-existent")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete existing key", func(t *testing.T) {
		key := "jobs:status:test-2"
		value := []byte("to be deleted")

		err := repo.Set(ctx, key, value, time.Minute)
		require.NoError(t, err)

		deleted, err := repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		// Verify it's gone
		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, "jobs:status:non-existent")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("exists", func(t *testing.T) {
		key := "jobs:status:test-3"
		value := []byte("exists test")

		exists, err := repo.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)

		err = repo.Set(ctx, key, value, time.Minute)
		require.NoError(t, err)

		exists, err = repo.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("set TTL", func(t *testing.T) {
		key := "jobs:status:test-4"
		value := []byte("ttl test")

		err := repo.Set(ctx, key, value, time.Minute)
		require.NoError(t, err)

		updated, err := repo.SetTTL(ctx, key, 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, updated)

		// Check new TTL
		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > time.Minute && actualTTL <= 2*time.Minute)
	})

	t.Run("set TTL on non-existent key", func(t *testing.T) {
		updated, err := repo.SetTTL(ctx, "jobs:status:non-existent", time.Minute)
		require.NoError(t, err)
		assert.False(t, updated)
	})

	t.Run("set if not exists - new key", func(t *testing.T) {
		key := "jobs:lock:test-5"
		value := []byte("sweeper-1")
		ttl := time.Minute

		exists, err := repo.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)

		wasSet, err := repo.SetIfNotExists(ctx, key, value, ttl)
		require.NoError(t, err)
		assert.True(t, wasSet)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, result)

		// Check TTL is set
		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl)
	})

	t.Run("set if not exists - existing key", func(t *testing.T) {
		key := "jobs:lock:test-6"
		originalValue := []byte("sweeper-1")
		newValue := []byte("sweeper-2")
		ttl := time.Minute

		err := repo.Set(ctx, key, originalValue, ttl)
		require.NoError(t, err)

		// Second holder must not steal the lock
		wasSet, err := repo.SetIfNotExists(ctx, key, newValue, ttl)
		require.NoError(t, err)
		assert.False(t, wasSet)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, originalValue, result)
	})

	t.Run("health check", func(t *testing.T) {
		err := repo.Health(ctx)
		assert.NoError(t, err)
	})
}

func TestRedisCacheRepo_Validation(t *testing.T) {
	// Note: This test only validates input parameters and doesn't actually connect to Redis
	// since validation errors occur before any Redis operations
	client := setupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("empty key validation", func(t *testing.T) {
		err := repo.Set(ctx, "", []byte("value"), time.Minute)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")

		_, err = repo.Get(ctx, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")

		_, err = repo.Delete(ctx, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")

		_, err = repo.Exists(ctx, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")

		_, err = repo.SetTTL(ctx, "", time.Minute)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")

		_, err = repo.SetIfNotExists(ctx, "", []byte("value"), time.Minute)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key cannot be empty")
	})
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
}

func TestNewRedisClient(t *testing.T) {
	cfg := RedisConfig{
		Addr:     "localhost:6379",
		Password: "test-password",
		DB:       2,
	}

	client := NewRedisClient(cfg)
	assert.NotNil(t, client)

	// Check that options are set correctly
	opts := client.Options()
	assert.Equal(t, cfg.Addr, opts.Addr)
	assert.Equal(t, cfg.Password, opts.Password)
	assert.Equal(t, cfg.DB, opts.DB)

	client.Close()
}
