// Package objectstore uploads and downloads DICOM objects by storage key.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// ContentType is set on every uploaded object.
const ContentType = "application/dicom"

// Gateway is an object store holding DICOM files under slash separated keys.
// Upload overwrites; Download of a missing key fails with ErrNotFound.
// Transport failures are reported as ErrStoreUnavailable.
type Gateway interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names
const (
	BackendGCS        = "gcs"
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend         string
	Bucket          string
	CredentialsFile string
	Endpoint        string
	RootDir         string
	Prefix          string
}

// New creates the gateway selected by cfg.Backend, wrapped with cfg.Prefix.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)

	switch cfg.Backend {
	case BackendGCS:
		gw, err = NewGCSStore(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
		})
	case BackendFilesystem:
		gw, err = NewFilesystemStore(cfg.RootDir)
	case BackendMemory:
		gw = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported object store backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s object store: %w", cfg.Backend, err)
	}

	return WithPrefix(gw, cfg.Prefix), nil
}

// WithPrefix places every key under prefix. An empty prefix returns gw as is.
func WithPrefix(gw Gateway, prefix string) Gateway {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return gw
	}
	return &prefixed{Gateway: gw, prefix: prefix}
}

type prefixed struct {
	Gateway
	prefix string
}

func (p *prefixed) Upload(ctx context.Context, key string, data []byte) error {
	return p.Gateway.Upload(ctx, path.Join(p.prefix, key), data)
}

func (p *prefixed) Download(ctx context.Context, key string) ([]byte, error) {
	return p.Gateway.Download(ctx, path.Join(p.prefix, key))
}

// validateKey rejects keys that are empty, absolute or escape the root.
func validateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("absolute key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("key %q escapes the store root", key)
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return models.NewError(models.ErrStoreUnavailable, op, err)
}

func notFound(op, key string) error {
	return models.NewError(models.ErrNotFound, op, fmt.Errorf("object %q", key))
}

func invalidKey(op string, err error) error {
	return models.NewError(models.ErrValidation, op, err)
}
