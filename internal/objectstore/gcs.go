package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend. Endpoint points the
// client at an emulator and disables authentication.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Endpoint        string
}

// GCSStore stores objects in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a Cloud Storage client using application default
// credentials unless a credentials file or emulator endpoint is given.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	log.Info().Str("bucket", cfg.Bucket).Msg("Cloud Storage gateway initialized")
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (g *GCSStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return invalidKey("upload", err)
	}

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = ContentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return unavailable("upload", err)
	}
	if err := w.Close(); err != nil {
		return unavailable("upload", err)
	}
	return nil
}

func (g *GCSStore) Download(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound("download", key)
	}
	if err != nil {
		return nil, unavailable("download", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, unavailable("download", err)
	}
	return data, nil
}

// Ping reads the bucket attributes.
func (g *GCSStore) Ping(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
