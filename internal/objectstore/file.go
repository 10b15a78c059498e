package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore maps buckets to directories under a root, for local runs and tests.
type FileStore struct {
	root     string
	maxBytes int64
}

// NewFileStore creates a store rooted at root
func NewFileStore(root string, maxBytes int64) *FileStore {
	if root == "" {
		root = "."
	}
	return &FileStore{root: root, maxBytes: maxBytes}
}

// Fetch reads <root>/<bucket>/<key>.
func (s *FileStore) Fetch(ctx context.Context, loc Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.root, loc.Bucket, filepath.FromSlash(loc.Key))
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%s: %w", loc, ErrAccessDenied)
	case err != nil:
		return nil, fmt.Errorf("failed to stat %s: %w", loc, err)
	case info.IsDir():
		return nil, fmt.Errorf("%s is a directory: %w", loc, ErrNotFound)
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return nil, sizeError(loc, s.maxBytes)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%s: %w", loc, ErrAccessDenied)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", loc, err)
	}
	return data, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
