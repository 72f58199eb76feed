package invsync

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSArchiveBackend writes archive objects to Google Cloud Storage.
type GCSArchiveBackend struct {
	client *storage.Client
	bucket string
}

// GCSArchiveConfig contains GCS-specific configuration.
type GCSArchiveConfig struct {
	Bucket          string
	CredentialsFile string // Path to service account JSON (optional, uses ADC if empty)
}

// NewGCSArchiveBackend creates a GCS archive backend.
func NewGCSArchiveBackend(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchiveBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSArchiveBackend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put stores data under key in the archive bucket.
func (b *GCSArchiveBackend) Put(ctx context.Context, key string, data []byte) error {
	obj := b.client.Bucket(b.bucket).Object(key)
	writer := obj.NewWriter(ctx)

	if _, err := writer.Write(data); err != nil {
		writer.Close() //nolint:errcheck
		return err
	}
	return writer.Close()
}

// Close releases the underlying client.
func (b *GCSArchiveBackend) Close() error {
	return b.client.Close()
}
