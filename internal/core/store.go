package core

import "context"

// PutObjectParams groups parameters for ObjectStore.Put.
type PutObjectParams struct {
	Key         string
	Body        []byte
	ContentType string
}

// StoredObject is the content of an object read back from the store.
type StoredObject struct {
	Body        []byte
	ContentType string
}

// ObjectStore defines the interface for binary artifact storage.
// Keys are opaque references of the form "jobs/<job_id>/<artifact_id>.<ext>";
// the store does not interpret them beyond treating "/" as a path separator.
type ObjectStore interface {
	Put(ctx context.Context, params PutObjectParams) error
	Get(ctx context.Context, key string) (*StoredObject, error)
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
}
