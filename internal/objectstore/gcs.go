package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBackend stores objects in one Cloud Storage bucket.
type GCSBackend struct {
	bucket *storage.BucketHandle
}

func NewGCSBackend(bucket *storage.BucketHandle) *GCSBackend {
	return &GCSBackend{bucket: bucket}
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = cacheControl
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write for %s: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", key, err)
	}
	return data, nil
}

// Delete treats a missing object as already deleted.
func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}
	return nil
}
