package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalization(t *testing.T) {
	g := NewGateway(NewMemoryBackend(), "tiles", "")
	assert.Equal(t, "tiles/org/hash/page-0/manifest.json", g.Key("/org/hash/page-0/manifest.json"))
	assert.Equal(t, "tiles/org/a.png", g.Key("//org/a.png"))

	source := NewGateway(NewMemoryBackend(), "/drawings/", "")
	assert.Equal(t, "drawings/org/page-1.png", source.Key("org/page-1.png"))

	bare := NewGateway(NewMemoryBackend(), "", "")
	assert.Equal(t, "org/a.png", bare.Key("/org/a.png"))
}

func TestBuildBaseURL(t *testing.T) {
	g := NewGateway(NewMemoryBackend(), "tiles", "https://cdn.example.com/tiles/")
	url, err := g.BuildBaseURL("/org-1/abc/page-2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tiles/org-1/abc/page-2", url)

	missing := NewGateway(NewMemoryBackend(), "tiles", "")
	_, err = missing.BuildBaseURL("org-1/abc/page-2")
	assert.ErrorIs(t, err, ErrMissingBaseURL)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestUploadDefaultsAndDownload(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	g := NewGateway(mem, "tiles", "")

	require.NoError(t, g.Upload(ctx, "/org/x.png", []byte("png"), "image/png", ""))
	obj, ok := mem.Object("tiles/org/x.png")
	require.True(t, ok)
	assert.Equal(t, DefaultCacheControl, obj.CacheControl)
	assert.Equal(t, "image/png", obj.ContentType)

	data, err := g.Download(ctx, "org/x.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	_, err = g.Download(ctx, "org/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadRetries(t *testing.T) {
	mem := NewMemoryBackend()
	failures := 2
	mem.Fail = func(op, key string) error {
		if op == "put" && failures > 0 {
			failures--
			return errors.New("503 backend unavailable")
		}
		return nil
	}
	g := NewGateway(mem, "tiles", "")
	g.UploadBackoff = time.Millisecond

	require.NoError(t, g.Upload(context.Background(), "a.png", []byte("x"), "image/png", ""))
	assert.Equal(t, 3, mem.Puts)

	mem.Fail = func(op, key string) error { return errors.New("permission denied") }
	err := g.Upload(context.Background(), "b.png", []byte("x"), "image/png", "")
	assert.ErrorContains(t, err, "failed after 3 attempts")
}

func TestDeleteIsBestEffort(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	g := NewGateway(mem, "drawings", "")
	require.NoError(t, g.Upload(ctx, "a.png", []byte("a"), "image/png", ""))
	require.NoError(t, g.Upload(ctx, "b.png", []byte("b"), "image/png", ""))

	mem.Fail = func(op, key string) error {
		if op == "delete" && key == "drawings/a.png" {
			return errors.New("forbidden")
		}
		return nil
	}
	err := g.Delete(ctx, "a.png", "b.png")
	assert.ErrorContains(t, err, "forbidden")
	assert.Equal(t, []string{"drawings/a.png"}, mem.Keys(), "b.png is still deleted after a.png fails")
}

func TestNewBackendRejectsOtherProviders(t *testing.T) {
	_, _, err := NewBackend(context.Background(), config.StorageConfig{Provider: "s3", Bucket: "b"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.ErrorIs(t, err, config.ErrConfig)

	_, _, err = NewBackend(context.Background(), config.StorageConfig{Provider: "gcs"})
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestDirBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := NewDirBackend(root)

	require.NoError(t, d.Put(ctx, "tiles/0/0_0.png", []byte("tile"), "image/png", ""))
	b, err := os.ReadFile(filepath.Join(root, "tiles", "0", "0_0.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), b)

	got, err := d.Get(ctx, "tiles/0/0_0.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), got)

	require.NoError(t, d.Delete(ctx, "tiles/0/0_0.png"))
	require.NoError(t, d.Delete(ctx, "tiles/0/0_0.png"))
	_, err = d.Get(ctx, "tiles/0/0_0.png")
	assert.ErrorIs(t, err, ErrNotFound)
}
