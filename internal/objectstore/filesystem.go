package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilesystemStore writes objects below a root directory. Each upload goes to
// a temporary file that is renamed into place, so readers never observe a
// partial object.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates root if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FilesystemStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return invalidKey("upload", err)
	}
	if err := ctx.Err(); err != nil {
		return unavailable("upload", err)
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return unavailable("upload", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return unavailable("upload", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("upload", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("upload", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return unavailable("upload", err)
	}
	return nil
}

func (s *FilesystemStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, invalidKey("download", err)
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound("download", key)
	}
	if err != nil {
		return nil, unavailable("download", err)
	}
	return data, nil
}

// Ping verifies the root directory is still present.
func (s *FilesystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return unavailable("ping", err)
	}
	if !info.IsDir() {
		return unavailable("ping", fmt.Errorf("%s is not a directory", s.root))
	}
	return nil
}

func (s *FilesystemStore) Close() error { return nil }
