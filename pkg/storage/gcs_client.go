package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSClient is an ObjectStore over Google Cloud Storage. Credentials come
// from the environment (application default credentials).
type GCSClient struct {
	client *storage.Client
	logger *zap.Logger
}

var _ ObjectStore = (*GCSClient)(nil)

// NewGCSClient creates a client using application default credentials
func NewGCSClient(ctx context.Context, logger *zap.Logger) (*GCSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSClient{client: client, logger: logger}, nil
}

// Read downloads an object
func (g *GCSClient) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	gcsURL := "gs://" + bucket + "/" + key
	startedAt := time.Now()

	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("object %s: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS: %w", err)
	}

	g.logger.Debug("downloaded object from GCS",
		zap.String("url", gcsURL),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(startedAt)))
	return data, nil
}

// Write uploads an object, replacing any existing one
func (g *GCSClient) Write(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	gcsURL := "gs://" + bucket + "/" + key
	startedAt := time.Now()

	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing GCS writer: %w", err)
	}

	g.logger.Info("uploaded object to GCS",
		zap.String("url", gcsURL),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(startedAt)))
	return gcsURL, nil
}

// Close releases the underlying client
func (g *GCSClient) Close() error {
	return g.client.Close()
}
