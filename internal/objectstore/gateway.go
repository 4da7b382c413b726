package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/config"
)

// DefaultCacheControl is used for tile artifacts, which never change once
// written because their path is keyed by the source content hash.
const DefaultCacheControl = "public, max-age=31536000, immutable"

// ErrMissingBaseURL is returned when no public base URL override is configured.
var ErrMissingBaseURL = fmt.Errorf("%w: TILES_PUBLIC_BASE_URL must be set", config.ErrConfig)

const (
	defaultUploadAttempts = 3
	defaultUploadBackoff  = 500 * time.Millisecond
)

// Gateway addresses one namespace of the backing bucket. Tiles and source
// rasters live in different namespaces of the same bucket.
type Gateway struct {
	backend       Backend
	namespace     string
	publicBaseURL string

	// UploadAttempts and UploadBackoff control retries of a failed put.
	UploadAttempts int
	UploadBackoff  time.Duration
}

func NewGateway(backend Backend, namespace, publicBaseURL string) *Gateway {
	return &Gateway{
		backend:        backend,
		namespace:      strings.Trim(namespace, "/"),
		publicBaseURL:  publicBaseURL,
		UploadAttempts: defaultUploadAttempts,
		UploadBackoff:  defaultUploadBackoff,
	}
}

func normalize(logicalPath string) string {
	return strings.TrimLeft(logicalPath, "/")
}

// Key maps a logical path onto the backing-store key.
func (g *Gateway) Key(logicalPath string) string {
	p := normalize(logicalPath)
	if g.namespace == "" {
		return p
	}
	return g.namespace + "/" + p
}

// BuildBaseURL joins the configured public base URL with a logical prefix.
// The override is expected to point at this gateway's namespace root.
func (g *Gateway) BuildBaseURL(logicalPrefix string) (string, error) {
	base := strings.TrimRight(g.publicBaseURL, "/")
	if base == "" {
		return "", ErrMissingBaseURL
	}
	return base + "/" + normalize(logicalPrefix), nil
}

// Upload writes data at logicalPath. An empty cacheControl selects
// DefaultCacheControl. Failed puts are retried with doubling backoff.
func (g *Gateway) Upload(ctx context.Context, logicalPath string, data []byte, contentType, cacheControl string) error {
	if cacheControl == "" {
		cacheControl = DefaultCacheControl
	}
	key := g.Key(logicalPath)
	attempts := max(g.UploadAttempts, 1)
	backoff := g.UploadBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		err := g.backend.Put(ctx, key, data, contentType, cacheControl)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		slog.Warn("Upload failed, will retry.", "key", key, "attempt", i+1, "maxAttempts", attempts, "backoff", backoff.String(), "error", err)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after %d attempts: %w", key, attempts, lastErr)
}

// Download reads the whole object at logicalPath into memory.
func (g *Gateway) Download(ctx context.Context, logicalPath string) ([]byte, error) {
	return g.backend.Get(ctx, g.Key(logicalPath))
}

// Delete removes every path it can and reports the ones it could not.
// Callers use it for cleanup and treat a failure as best effort.
func (g *Gateway) Delete(ctx context.Context, logicalPaths ...string) error {
	var errs []error
	for _, p := range logicalPaths {
		if err := g.backend.Delete(ctx, g.Key(p)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
