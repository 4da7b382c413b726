// Package objectstore maps logical artifact paths onto keys in one backing
// bucket and moves byte blobs in and out of it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Lllllllleong/drawingtileflow/internal/config"
	"github.com/Lllllllleong/drawingtileflow/internal/gcp"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrUnsupportedProvider is returned for any provider other than gcs.
	ErrUnsupportedProvider = errors.New("unsupported tile storage provider")
)

// Backend is the raw key/value view of a bucket.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewBackend builds the backend named by cfg.Provider. The returned close
// function releases the underlying client.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, func() error, error) {
	if !strings.EqualFold(cfg.Provider, config.ProviderGCS) {
		return nil, nil, fmt.Errorf("%w: %w %q", config.ErrConfig, ErrUnsupportedProvider, cfg.Provider)
	}
	if cfg.Bucket == "" {
		return nil, nil, fmt.Errorf("%w: STORAGE_BUCKET must be set", config.ErrConfig)
	}
	client, err := gcp.NewStorageClient(ctx, gcp.StorageOptions{
		Endpoint:        cfg.Endpoint,
		CredentialsFile: cfg.CredentialsFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return NewGCSBackend(client.Bucket(cfg.Bucket)), client.Close, nil
}
