package data

import "errors"

// Shared sentinel errors for data-layer stores.
var (
	// Object store sentinels, shared by the local and S3 implementations.
	ErrObjectNotFound   = errors.New("object not found")
	ErrInvalidObjectKey = errors.New("invalid object key")
)
