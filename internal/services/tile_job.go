package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/Lllllllleong/drawingtileflow/internal/telemetry"
	"github.com/Lllllllleong/drawingtileflow/internal/tiles"
)

// Warning kinds reported by the tile job handler.
const (
	WarningTempCleanup     = "temp_cleanup"
	WarningCompletionCheck = "completion_check"
)

// SourceStore reads and removes the temp rasters written by extraction.
type SourceStore interface {
	Download(ctx context.Context, logicalPath string) ([]byte, error)
	Delete(ctx context.Context, logicalPaths ...string) error
}

// PyramidGenerator renders a source raster into an uploaded tile pyramid.
type PyramidGenerator interface {
	Generate(ctx context.Context, src []byte, basePath string) (*tiles.Result, error)
}

// TileJobReport is the outcome of a successful tile job. Warnings carry the
// failures that were deliberately not propagated.
type TileJobReport struct {
	SheetVersionID string
	OrgID          string
	Skipped        bool
	Result         *tiles.Result
	Warnings       []telemetry.Warning
}

// TileJobHandler runs generate_drawing_tiles jobs.
type TileJobHandler struct {
	versions   store.SheetVersions
	source     SourceStore
	generator  PyramidGenerator
	completion *CompletionChecker
	logger     *slog.Logger
	now        func() time.Time
}

// NewTileJobHandler wires a handler. completion may be nil to skip the
// drawing-set check.
func NewTileJobHandler(versions store.SheetVersions, source SourceStore, generator PyramidGenerator, completion *CompletionChecker, logger *slog.Logger) *TileJobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TileJobHandler{
		versions:   versions,
		source:     source,
		generator:  generator,
		completion: completion,
		logger:     logger,
		now:        time.Now,
	}
}

// TileBasePath is the storage prefix of one page's pyramid.
func TileBasePath(orgID, sourceHash string, pageIndex int) string {
	return fmt.Sprintf("%s/%s/page-%d", orgID, sourceHash, pageIndex)
}

// Handle tiles one sheet version. Errors returned before the result is saved
// fail the job; cleanup and completion problems come back as warnings.
func (h *TileJobHandler) Handle(ctx context.Context, p models.GenerateTilesPayload) (*TileJobReport, error) {
	if p.SheetVersionID == "" {
		return nil, errkind.Permanentf("job payload is missing sheetVersionId")
	}
	logCtx := h.logger.With("sheetVersionId", p.SheetVersionID)

	version, err := h.versions.GetSheetVersion(ctx, p.SheetVersionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errkind.AsPermanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet version: %w", err)
	}
	report := &TileJobReport{SheetVersionID: version.ID, OrgID: version.OrgID}
	logCtx = logCtx.With("orgId", version.OrgID)

	// A crash between upload and save, or a duplicate delivery, lands here.
	if version.IsTiled() {
		logCtx.Info("Sheet version already has tiles, skipping.")
		report.Skipped = true
		return report, nil
	}

	tempPath := version.ExtractedMetadata.TempPngPath
	pageIndex, backfill, err := resolvePageIndex(version)
	if err != nil {
		return nil, err
	}
	if tempPath == "" {
		return nil, errkind.Permanentf("sheet version %s has no temp raster path; extraction has not completed", version.ID)
	}
	sourceHash := version.ExtractedMetadata.SourceHash
	if sourceHash == "" {
		return nil, errkind.Permanentf("sheet version %s has no source hash", version.ID)
	}

	basePath := TileBasePath(version.OrgID, sourceHash, pageIndex)
	logCtx = logCtx.With("pageIndex", pageIndex, "basePath", basePath)
	if !backfill {
		if named, err := models.PageIndexFromPath(tempPath); err == nil && named != pageIndex {
			logCtx.Warn("Stored page index disagrees with temp raster name.", "tempPngPath", tempPath, "namedPageIndex", named)
		}
	}
	logCtx.Info("Starting tile generation.", "tempPngPath", tempPath)

	src, err := h.source.Download(ctx, tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download temp raster %s: %w", tempPath, err)
	}

	res, err := h.generator.Generate(ctx, src, basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tiles: %w", err)
	}
	report.Result = res

	update := models.TileResult{
		Manifest:     res.Manifest,
		BaseURL:      res.BaseURL,
		SourceHash:   sourceHash,
		Levels:       res.Levels,
		GeneratedAt:  h.now().UTC(),
		ThumbnailURL: res.ThumbnailURL,
		Width:        res.Width,
		Height:       res.Height,
		ManifestPath: res.ManifestPath,
		BasePath:     res.BasePath,
	}
	if backfill {
		update.PageIndex = &pageIndex
	}
	if err := h.versions.SaveTileResult(ctx, version.ID, update); err != nil {
		return nil, fmt.Errorf("failed to save tile result: %w", err)
	}
	logCtx.Info("Tile generation complete.", "levels", res.Levels, "tiles", res.TilesUploaded)

	if err := h.source.Delete(ctx, tempPath); err != nil {
		report.Warnings = append(report.Warnings, telemetry.Warning{
			Kind: WarningTempCleanup,
			Err:  fmt.Errorf("failed to delete temp raster %s: %w", tempPath, err),
		})
	}

	if h.completion != nil {
		if _, err := h.completion.Check(ctx, version.OrgID); err != nil {
			report.Warnings = append(report.Warnings, telemetry.Warning{
				Kind: WarningCompletionCheck,
				Err:  fmt.Errorf("drawing set completion check failed: %w", err),
			})
		}
	}
	return report, nil
}

// resolvePageIndex prefers the stored index and falls back to the temp
// raster name. backfill is true when the index has to be written back.
func resolvePageIndex(v *models.SheetVersion) (index int, backfill bool, err error) {
	if v.PageIndex != nil {
		return *v.PageIndex, false, nil
	}
	path := v.ExtractedMetadata.TempPngPath
	if path == "" {
		return 0, false, errkind.Permanentf("sheet version %s has no page index and no temp raster path", v.ID)
	}
	n, err := models.PageIndexFromPath(path)
	if err != nil {
		return 0, false, errkind.AsPermanent(fmt.Errorf("failed to resolve page index: %w", err))
	}
	return n, true, nil
}
