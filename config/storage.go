package config

import (
	"strings"
	"time"
)

// Storage backends selectable via StorageConfig.Backend.
const (
	// StorageBackendLocal writes artifacts to the local filesystem (dev).
	StorageBackendLocal = "local"
	// StorageBackendS3 writes artifacts to S3 or any S3-compatible store.
	StorageBackendS3 = "s3"
)

// StorageConfig configures the artifact object store.
type StorageConfig struct {
	// Backend selects the object store implementation: local or s3.
	Backend string `env:"BACKEND" envDefault:"local"`

	// LocalDir is the root directory for the local backend.
	LocalDir string `env:"LOCAL_DIR" envDefault:"./data/artifacts"`

	// S3 settings. Endpoint and path-style addressing support MinIO and
	// other S3-compatible stores.
	S3Bucket    string `env:"S3_BUCKET"     envDefault:""`
	S3Region    string `env:"S3_REGION"     envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"   envDefault:""`
	S3PathStyle bool   `env:"S3_PATH_STYLE" envDefault:"false"`

	// ArtifactTTL is how long an unsaved artifact survives before the
	// sweeper deletes it. Saving an artifact clears its expiry.
	ArtifactTTL time.Duration `env:"ARTIFACT_TTL" envDefault:"24h"`

	// ThumbnailWidth is the pixel width of derived thumbnails. Zero
	// disables thumbnail generation.
	ThumbnailWidth int `env:"THUMBNAIL_WIDTH" envDefault:"320"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	switch s.Backend {
	case StorageBackendLocal, StorageBackendS3:
	default:
		s.Backend = StorageBackendLocal
	}

	s.S3Bucket = strings.TrimSpace(s.S3Bucket)
	if s.Backend == StorageBackendS3 && s.S3Bucket == "" {
		// An S3 backend without a bucket cannot store anything; fall back
		// rather than fail every write at runtime.
		s.Backend = StorageBackendLocal
	}

	if strings.TrimSpace(s.LocalDir) == "" {
		s.LocalDir = "./data/artifacts"
	}

	if s.ArtifactTTL < time.Minute {
		s.ArtifactTTL = time.Minute
	}

	if s.ThumbnailWidth < 0 {
		s.ThumbnailWidth = 0
	}
	if s.ThumbnailWidth > 4096 {
		s.ThumbnailWidth = 4096
	}
}
