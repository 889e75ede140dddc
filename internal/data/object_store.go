package data

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keepsake-labs/keepsake/internal/core"
)

const fallbackContentType = "application/octet-stream"

// cleanKey normalizes a slash-separated object key and rejects anything that
// could escape the store root. Keys are validated on every operation, not
// just writes, so a crafted key can never read outside the base directory.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean(key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	return cleaned, nil
}

// LocalObjectStore persists artifact payloads on the local filesystem. It is
// the development and single-node deployment backend; production deployments
// use the S3 store.
type LocalObjectStore struct {
	baseDir string
}

// NewLocalObjectStore creates a LocalObjectStore rooted at baseDir, creating
// the directory if needed.
func NewLocalObjectStore(baseDir string) (*LocalObjectStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) pathFor(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// Put writes an object under the store root, creating parent directories as needed.
func (s *LocalObjectStore) Put(_ context.Context, params core.PutObjectParams) error {
	p, err := s.pathFor(params.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, params.Body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Get reads an object. The content type is derived from the key's extension
// since the filesystem keeps no metadata.
func (s *LocalObjectStore) Get(_ context.Context, key string) (*core.StoredObject, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = fallbackContentType
	}

	return &core.StoredObject{Body: body, ContentType: contentType}, nil
}

// Delete removes an object. Deleting a missing object is not an error: the
// expiry sweep deletes payloads before rows and may retry after a crash.
func (s *LocalObjectStore) Delete(_ context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// Health reports whether the store root is reachable.
func (s *LocalObjectStore) Health(_ context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return fmt.Errorf("stat store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", s.baseDir)
	}
	return nil
}

var _ core.ObjectStore = (*LocalObjectStore)(nil)
