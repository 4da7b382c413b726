package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://cdn.example.com/tiles"

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestGenerator(mem *objectstore.MemoryBackend, baseURL string) *Generator {
	return NewGenerator(objectstore.NewGateway(mem, "tiles", baseURL), nil, nil)
}

func decodeStored(t *testing.T, mem *objectstore.MemoryBackend, key string) image.Image {
	t.Helper()
	obj, ok := mem.Object(key)
	require.True(t, ok, "missing %s", key)
	img, err := png.Decode(bytes.NewReader(obj.Data))
	require.NoError(t, err)
	return img
}

// peakBackend records the highest number of Put calls in flight at once.
type peakBackend struct {
	*objectstore.MemoryBackend
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (b *peakBackend) Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return b.MemoryBackend.Put(ctx, key, data, contentType, cacheControl)
}

func TestGenerateBoundsConcurrentUploads(t *testing.T) {
	backend := &peakBackend{MemoryBackend: objectstore.NewMemoryBackend()}
	gen := NewGenerator(objectstore.NewGateway(backend, "tiles", testBaseURL), nil, nil)

	// The full-resolution level is a 5x5 grid.
	res, err := gen.Generate(context.Background(), testPNG(t, 1200, 1200), "org-1/hash-1/page-0")
	require.NoError(t, err)
	cols, rows := Grid(res.Width, res.Height)
	require.Equal(t, 25, cols*rows)

	peak := int(backend.peak.Load())
	assert.LessOrEqual(t, peak, UploadConcurrency)
	assert.Greater(t, peak, 1, "tiles of one level upload in parallel")
	assert.Zero(t, backend.inFlight.Load())
}

func TestGenerateUploadsPyramid(t *testing.T) {
	mem := objectstore.NewMemoryBackend()
	gen := newTestGenerator(mem, testBaseURL)

	res, err := gen.Generate(context.Background(), testPNG(t, 600, 300), "org-1/hash-1/page-0")
	require.NoError(t, err)

	assert.Equal(t, 11, res.Levels)
	assert.Equal(t, 600, res.Width)
	assert.Equal(t, 300, res.Height)
	assert.Equal(t, testBaseURL+"/org-1/hash-1/page-0", res.BaseURL)
	assert.Equal(t, testBaseURL+"/org-1/hash-1/page-0/thumbnail.png", res.ThumbnailURL)
	assert.Equal(t, "org-1/hash-1/page-0/manifest.json", res.ManifestPath)
	// level 10 is 3x2 tiles, level 9 is 2x1, levels 0-8 are one tile each.
	assert.Equal(t, 17, res.TilesUploaded)
	assert.Equal(t, 19, mem.Puts, "tiles plus thumbnail plus manifest")

	full := decodeStored(t, mem, "tiles/org-1/hash-1/page-0/tiles/10/0_0.png")
	assert.Equal(t, image.Rect(0, 0, 256, 256), full.Bounds())
	corner := decodeStored(t, mem, "tiles/org-1/hash-1/page-0/tiles/10/2_1.png")
	assert.Equal(t, 88, corner.Bounds().Dx())
	assert.Equal(t, 44, corner.Bounds().Dy())
	level9 := decodeStored(t, mem, "tiles/org-1/hash-1/page-0/tiles/9/1_0.png")
	assert.Equal(t, 300-256, level9.Bounds().Dx())
	assert.Equal(t, 150, level9.Bounds().Dy())
	root := decodeStored(t, mem, "tiles/org-1/hash-1/page-0/tiles/0/0_0.png")
	assert.Equal(t, image.Rect(0, 0, 1, 1), root.Bounds())

	thumb := decodeStored(t, mem, "tiles/org-1/hash-1/page-0/thumbnail.png")
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())

	obj, ok := mem.Object("tiles/org-1/hash-1/page-0/manifest.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, objectstore.DefaultCacheControl, obj.CacheControl)
	var manifest models.TileManifest
	require.NoError(t, json.Unmarshal(obj.Data, &manifest))
	assert.Equal(t, models.TileManifest{Format: "png", Overlap: 0, TileSize: 256, Width: 600, Height: 300, Levels: 11}, manifest)
	assert.Equal(t, manifest, res.Manifest)
}

func TestGenerateIsDeterministic(t *testing.T) {
	src := testPNG(t, 300, 520)
	first, err := newTestGenerator(objectstore.NewMemoryBackend(), testBaseURL).Generate(context.Background(), src, "o/h/page-1")
	require.NoError(t, err)
	second, err := newTestGenerator(objectstore.NewMemoryBackend(), testBaseURL).Generate(context.Background(), src, "o/h/page-1")
	require.NoError(t, err)

	assert.Equal(t, first.Manifest, second.Manifest)
	assert.Equal(t, first.TilesUploaded, second.TilesUploaded)
}

func TestGenerateSinglePixel(t *testing.T) {
	mem := objectstore.NewMemoryBackend()
	res, err := newTestGenerator(mem, testBaseURL).Generate(context.Background(), testPNG(t, 1, 1), "o/h/page-0")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Levels)
	assert.Equal(t, 1, res.TilesUploaded)
	assert.Equal(t, []string{
		"tiles/o/h/page-0/manifest.json",
		"tiles/o/h/page-0/thumbnail.png",
		"tiles/o/h/page-0/tiles/0/0_0.png",
	}, mem.Keys())
}

func TestGenerateRejectsUndecodableSource(t *testing.T) {
	mem := objectstore.NewMemoryBackend()
	_, err := newTestGenerator(mem, testBaseURL).Generate(context.Background(), []byte("not a png"), "o/h/page-0")
	require.Error(t, err)
	assert.True(t, errkind.IsPermanent(err))
	assert.Zero(t, mem.Calls())
}

func TestGenerateWithoutBaseURLUploadsNothing(t *testing.T) {
	mem := objectstore.NewMemoryBackend()
	_, err := newTestGenerator(mem, "").Generate(context.Background(), testPNG(t, 10, 10), "o/h/page-0")
	assert.ErrorIs(t, err, objectstore.ErrMissingBaseURL)
	assert.Zero(t, mem.Calls())
}

func TestGenerateStopsOnUploadFailure(t *testing.T) {
	mem := objectstore.NewMemoryBackend()
	mem.Fail = func(op, key string) error {
		if key == "tiles/o/h/page-0/tiles/3/0_0.png" {
			return assert.AnError
		}
		return nil
	}
	gw := objectstore.NewGateway(mem, "tiles", testBaseURL)
	gw.UploadAttempts = 1
	_, err := NewGenerator(gw, nil, nil).Generate(context.Background(), testPNG(t, 8, 8), "o/h/page-0")
	require.ErrorIs(t, err, assert.AnError)
	_, ok := mem.Object("tiles/o/h/page-0/manifest.json")
	assert.False(t, ok, "manifest is written only after every level succeeded")
}
