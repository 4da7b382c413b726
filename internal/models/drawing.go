package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DrawingSet status values.
const (
	DrawingSetProcessing = "processing"
	DrawingSetReady      = "ready"
)

// Manifest constants shared by every pyramid this worker produces.
const (
	TileFormat  = "png"
	TileSize    = 256
	TileOverlap = 0
)

// TileManifest describes one tile pyramid. Its JSON shape is read by the
// browser viewer and persisted on the sheet version, so keys must not change.
type TileManifest struct {
	Format   string `json:"format" firestore:"format"`
	Overlap  int    `json:"overlap" firestore:"overlap"`
	TileSize int    `json:"tileSize" firestore:"tileSize"`
	Width    int    `json:"width" firestore:"width"`
	Height   int    `json:"height" firestore:"height"`
	Levels   int    `json:"levels" firestore:"levels"`
}

// ExtractedMetadata is written by the PDF extraction stage before tiling.
type ExtractedMetadata struct {
	TempPngPath string `json:"tempPngPath,omitempty" firestore:"tempPngPath,omitempty"`
	SourceHash  string `json:"sourceHash,omitempty" firestore:"sourceHash,omitempty"`
}

// SheetVersion is one rendered page of one drawing revision.
type SheetVersion struct {
	ID                string            `firestore:"-"`
	OrgID             string            `firestore:"orgId"`
	SheetID           string            `firestore:"sheetId,omitempty"`
	PageIndex         *int              `firestore:"pageIndex"`
	ExtractedMetadata ExtractedMetadata `firestore:"extractedMetadata"`

	TileManifest     *TileManifest `firestore:"tileManifest"`
	TileBaseURL      string        `firestore:"tileBaseUrl,omitempty"`
	TileLevels       int           `firestore:"tileLevels,omitempty"`
	TilesGeneratedAt *time.Time    `firestore:"tilesGeneratedAt,omitempty"`
	ThumbnailURL     string        `firestore:"thumbnailUrl,omitempty"`
	ImageWidth       int           `firestore:"imageWidth,omitempty"`
	ImageHeight      int           `firestore:"imageHeight,omitempty"`
	TileManifestPath string        `firestore:"tileManifestPath,omitempty"`
	TilesBasePath    string        `firestore:"tilesBasePath,omitempty"`
}

// IsTiled reports whether a previous run already wrote the pyramid results.
func (v *SheetVersion) IsTiled() bool {
	return v.TileManifest != nil && v.TileBaseURL != ""
}

// TileResult is the single update applied to a sheet version after its
// pyramid has been uploaded. PageIndex is nil unless it is being backfilled.
type TileResult struct {
	Manifest     TileManifest
	BaseURL      string
	SourceHash   string
	Levels       int
	GeneratedAt  time.Time
	ThumbnailURL string
	Width        int
	Height       int
	ManifestPath string
	BasePath     string
	PageIndex    *int
}

// DrawingSet is a named collection of sheets submitted together.
type DrawingSet struct {
	ID             string     `firestore:"-"`
	OrgID          string     `firestore:"orgId"`
	Name           string     `firestore:"name,omitempty"`
	Status         string     `firestore:"status"`
	ProcessedPages int        `firestore:"processedPages"`
	ProcessedAt    *time.Time `firestore:"processedAt,omitempty"`
}

// DrawingSheet is one page slot of a drawing set with all of its versions.
type DrawingSheet struct {
	ID           string         `firestore:"-"`
	DrawingSetID string         `firestore:"drawingSetId"`
	OrgID        string         `firestore:"orgId"`
	Versions     []SheetVersion `firestore:"-"`
}

// HasTiledVersion reports whether at least one version carries a manifest.
func (s DrawingSheet) HasTiledVersion() bool {
	for _, v := range s.Versions {
		if v.TileManifest != nil {
			return true
		}
	}
	return false
}

// DrawingSetSheets is a drawing set loaded together with its sheets.
type DrawingSetSheets struct {
	Set    DrawingSet
	Sheets []DrawingSheet
}

var pagePathRegex = regexp.MustCompile(`page-(\d+)\.png$`)

// PageIndexFromPath recovers the zero-based page index from a temp raster
// path named by the extraction stage, e.g. "org/hash/page-3.png".
func PageIndexFromPath(path string) (int, error) {
	m := pagePathRegex.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("path %q does not match page-<N>.png", path)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid page number in %q: %w", path, err)
	}
	return n, nil
}
