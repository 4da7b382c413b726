package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"sync/atomic"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// UploadConcurrency bounds in-flight tile uploads within one level.
const UploadConcurrency = 8

const (
	contentTypePNG  = "image/png"
	contentTypeJSON = "application/json"
)

// Uploader is the part of the object store gateway the generator needs.
type Uploader interface {
	Upload(ctx context.Context, logicalPath string, data []byte, contentType, cacheControl string) error
	BuildBaseURL(logicalPrefix string) (string, error)
}

// Generator renders and uploads tile pyramids. It holds no per-run state and
// always regenerates every artifact it is asked for.
type Generator struct {
	store   Uploader
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewGenerator(store Uploader, logger *slog.Logger, metrics *telemetry.Metrics) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, logger: logger, metrics: metrics}
}

// Result describes an uploaded pyramid.
type Result struct {
	Manifest      models.TileManifest
	Levels        int
	Width         int
	Height        int
	BasePath      string
	BaseURL       string
	ThumbnailURL  string
	ManifestPath  string
	TilesUploaded int
}

// TilePath is the logical path of one tile below basePath.
func TilePath(basePath string, level, col, row int) string {
	return fmt.Sprintf("%s/tiles/%d/%d_%d.png", basePath, level, col, row)
}

func ThumbnailPath(basePath string) string { return basePath + "/thumbnail.png" }

func ManifestPath(basePath string) string { return basePath + "/manifest.json" }

// DecodeSource decodes PNG bytes. The decoder applies no pixel-count limit,
// so very large drawings are accepted.
func DecodeSource(src []byte) (image.Image, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, errkind.Permanentf("failed to read source raster dimensions: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errkind.Permanentf("source raster has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errkind.Permanentf("failed to decode source raster: %w", err)
	}
	return img, nil
}

// Generate decodes src and uploads its pyramid, thumbnail and manifest under basePath.
func (g *Generator) Generate(ctx context.Context, src []byte, basePath string) (*Result, error) {
	img, err := DecodeSource(src)
	if err != nil {
		return nil, err
	}
	return g.GenerateImage(ctx, img, basePath)
}

// GenerateImage uploads the pyramid of an already decoded image.
func (g *Generator) GenerateImage(ctx context.Context, img image.Image, basePath string) (*Result, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, errkind.Permanentf("source raster has invalid dimensions %dx%d", width, height)
	}

	// Resolve the public URL first so a configuration problem fails before any upload.
	baseURL, err := g.store.BuildBaseURL(basePath)
	if err != nil {
		return nil, err
	}

	maxLevel := MaxLevel(width, height)
	logCtx := g.logger.With("basePath", basePath, "width", width, "height", height, "levels", maxLevel+1)
	logCtx.Info("Generating tile pyramid.")

	uploaded := 0
	for level := 0; level <= maxLevel; level++ {
		n, err := g.renderLevel(ctx, img, basePath, maxLevel, level)
		uploaded += n
		if err != nil {
			logCtx.Error("Failed to render level", "level", level, "error", err)
			return nil, err
		}
	}

	thumbW, thumbH := ThumbnailSize(width, height)
	thumb, err := encodePNG(resize(img, thumbW, thumbH))
	if err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err := g.store.Upload(ctx, ThumbnailPath(basePath), thumb, contentTypePNG, ""); err != nil {
		return nil, fmt.Errorf("failed to upload thumbnail: %w", err)
	}

	manifest := models.TileManifest{
		Format:   models.TileFormat,
		Overlap:  models.TileOverlap,
		TileSize: models.TileSize,
		Width:    width,
		Height:   height,
		Levels:   maxLevel + 1,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := g.store.Upload(ctx, ManifestPath(basePath), manifestJSON, contentTypeJSON, ""); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	logCtx.Info("Tile pyramid uploaded.", "tiles", uploaded)
	return &Result{
		Manifest:      manifest,
		Levels:        manifest.Levels,
		Width:         width,
		Height:        height,
		BasePath:      basePath,
		BaseURL:       baseURL,
		ThumbnailURL:  baseURL + "/thumbnail.png",
		ManifestPath:  ManifestPath(basePath),
		TilesUploaded: uploaded,
	}, nil
}

// renderLevel resizes the source to one level and uploads its tiles with at
// most UploadConcurrency uploads in flight. It returns the tiles uploaded.
func (g *Generator) renderLevel(ctx context.Context, src image.Image, basePath string, maxLevel, level int) (int, error) {
	bounds := src.Bounds()
	levelW, levelH := LevelSize(bounds.Dx(), bounds.Dy(), maxLevel, level)
	cols, rows := Grid(levelW, levelH)

	ctx, span := telemetry.Tracer().Start(ctx, "tiles.level", trace.WithAttributes(
		attribute.Int(telemetry.AttrLevel, level),
		attribute.Int("tiles.count", cols*rows),
	))
	defer span.End()

	levelImg := resize(src, levelW, levelH)

	var uploaded atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(UploadConcurrency)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			rect := TileRect(levelW, levelH, col, row)
			path := TilePath(basePath, level, col, row)
			eg.Go(func() error {
				data, err := encodePNG(crop(levelImg, rect))
				if err != nil {
					return fmt.Errorf("failed to encode tile %s: %w", path, err)
				}
				if err := g.store.Upload(gctx, path, data, contentTypePNG, ""); err != nil {
					return fmt.Errorf("failed to upload tile %s: %w", path, err)
				}
				uploaded.Add(1)
				return nil
			})
		}
	}
	err := eg.Wait()
	n := int(uploaded.Load())
	g.metrics.TilesUploaded(ctx, n)
	if err != nil {
		span.RecordError(err)
		return n, err
	}

	g.logger.Debug("Level uploaded.", "basePath", basePath, "level", level, "width", levelW, "height", levelH, "cols", cols, "rows", rows)
	return n, nil
}

// resize scales src to w x h with a Catmull-Rom kernel. The source is
// returned unchanged when it already has that size.
func resize(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// crop returns the region r of img, where r is relative to img's origin.
func crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Add(img.Bounds().Min)
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
