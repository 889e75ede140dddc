// Package core provides the business logic and service layer for the keepsake generation system.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// CacheRepository defines the interface for caching operations.
// This follows the hexagonal architecture pattern where the core defines interfaces
// and the data layer provides implementations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL updates the TTL for an existing key.
	// Returns true if the key exists and TTL was updated.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	// This is useful for implementing distributed locks and deduplication.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// StatusCacheService caches the status view of finished jobs so poll traffic
// does not hit the database for results that can no longer change.
// Only terminal views are cached; a pending or processing job is always read
// from the database.
type StatusCacheService struct {
	cache CacheRepository
	ttl   time.Duration
}

// StatusCacheConfig holds configuration for status view caching.
type StatusCacheConfig struct {
	TTL time.Duration `json:"ttl"`
}

// StatusCacheServiceOptions bundles dependencies for NewStatusCacheService.
type StatusCacheServiceOptions struct {
	Cache  CacheRepository
	Config StatusCacheConfig
}

// DefaultStatusCacheConfig returns a StatusCacheConfig with sensible defaults.
func DefaultStatusCacheConfig() StatusCacheConfig {
	return StatusCacheConfig{
		// A short TTL keeps cached views honest with the expiry sweep, which
		// removes unsaved artifacts behind the cache's back.
		TTL: 10 * time.Minute,
	}
}

// NewStatusCacheService creates a new StatusCacheService.
func NewStatusCacheService(opts StatusCacheServiceOptions) *StatusCacheService {
	ttl := opts.Config.TTL
	if ttl <= 0 {
		ttl = DefaultStatusCacheConfig().TTL
	}
	return &StatusCacheService{
		cache: opts.Cache,
		ttl:   ttl,
	}
}

// CacheTerminalStatus stores the status view of a finished job.
// Views for jobs that are still running are ignored.
func (s *StatusCacheService) CacheTerminalStatus(ctx context.Context, view *model.StatusView) error {
	if view == nil || view.JobID == "" || !view.Status.Terminal() {
		return nil
	}

	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal status view: %w", err)
	}

	return s.cache.Set(ctx, s.statusKey(view.JobID), payload, s.ttl)
}

// GetCachedStatus retrieves a cached status view by job ID.
// Returns nil when the view is not cached. A corrupt entry is dropped and
// treated as a miss, since the database remains authoritative.
func (s *StatusCacheService) GetCachedStatus(ctx context.Context, jobID string) (*model.StatusView, error) {
	if jobID == "" {
		return nil, nil
	}

	cached, err := s.cache.Get(ctx, s.statusKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(cached) == 0 {
		return nil, nil
	}

	var view model.StatusView
	if err := json.Unmarshal(cached, &view); err != nil {
		_, _ = s.cache.Delete(ctx, s.statusKey(jobID))
		return nil, nil
	}

	return &view, nil
}

// InvalidateStatus removes a cached status view.
// Called when a user saves an artifact, so later polls reflect the change promptly.
func (s *StatusCacheService) InvalidateStatus(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}

	_, err := s.cache.Delete(ctx, s.statusKey(jobID))
	return err
}

// statusKey generates a cache key for a job's status view.
func (s *StatusCacheService) statusKey(jobID string) string {
	return "job:status:" + jobID
}
