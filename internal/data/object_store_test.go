package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-labs/keepsake/internal/core"
)

func TestLocalObjectStore_PutAndGet(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "jobs/job-1/artifact-1.png"
	body := []byte("fake png bytes")

	err = store.Put(ctx, core.PutObjectParams{
		Key:         key,
		Body:        body,
		ContentType: "image/png",
	})
	require.NoError(t, err)

	obj, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, body, obj.Body)
	assert.Equal(t, "image/png", obj.ContentType)
}

func TestLocalObjectStore_Get_ContentTypeFromExtension(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name            string
		key             string
		wantContentType string
	}{
		{
			name:            "png extension",
			key:             "jobs/job-1/artifact.png",
			wantContentType: "image/png",
		},
		{
			name:            "jpeg extension",
			key:             "jobs/job-1/artifact.jpeg",
			wantContentType: "image/jpeg",
		},
		{
			name:            "no extension falls back to octet-stream",
			key:             "jobs/job-1/artifact",
			wantContentType: "application/octet-stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(ctx, core.PutObjectParams{Key: tt.key, Body: []byte("data")})
			require.NoError(t, err)

			obj, err := store.Get(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.wantContentType, obj.ContentType)
		})
	}
}

func TestLocalObjectStore_Get_NotFound(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	obj, err := store.Get(context.Background(), "jobs/missing/artifact.png")
	require.ErrorIs(t, err, ErrObjectNotFound)
	assert.Nil(t, obj)
}

func TestLocalObjectStore_Delete(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "jobs/job-1/artifact-1.png"
	err = store.Put(ctx, core.PutObjectParams{Key: key, Body: []byte("data")})
	require.NoError(t, err)

	err = store.Delete(ctx, key)
	require.NoError(t, err)

	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, ErrObjectNotFound)

	// Deleting again is not an error; the expiry sweep may retry after a crash
	err = store.Delete(ctx, key)
	assert.NoError(t, err)
}

func TestLocalObjectStore_KeyValidation(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewLocalObjectStore(baseDir)
	require.NoError(t, err)
	ctx := context.Background()

	// Plant a file outside the store root that a traversal key would reach
	outside := filepath.Join(filepath.Dir(baseDir), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	tests := []struct {
		name string
		key  string
	}{
		{name: "empty key", key: ""},
		{name: "dot key", key: "."},
		{name: "parent traversal", key: "../outside.txt"},
		{name: "nested traversal", key: "jobs/../../outside.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Get(ctx, tt.key)
			assert.ErrorIs(t, err, ErrInvalidObjectKey)

			err = store.Put(ctx, core.PutObjectParams{Key: tt.key, Body: []byte("data")})
			assert.ErrorIs(t, err, ErrInvalidObjectKey)

			err = store.Delete(ctx, tt.key)
			assert.ErrorIs(t, err, ErrInvalidObjectKey)
		})
	}

	// Leading slash is tolerated and anchored to the store root
	err = store.Put(ctx, core.PutObjectParams{Key: "/jobs/job-1/artifact.png", Body: []byte("data")})
	require.NoError(t, err)

	obj, err := store.Get(ctx, "jobs/job-1/artifact.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), obj.Body)
}

func TestLocalObjectStore_Health(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewLocalObjectStore(baseDir)
	require.NoError(t, err)

	assert.NoError(t, store.Health(context.Background()))

	// Removing the root makes the store unhealthy
	require.NoError(t, os.RemoveAll(baseDir))
	assert.Error(t, store.Health(context.Background()))
}

func TestNewLocalObjectStore_RequiresBaseDir(t *testing.T) {
	store, err := NewLocalObjectStore("  ")
	require.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "base directory is required")
}
