package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory store.SheetVersions and store.DrawingSets.
type fakeStore struct {
	mu       sync.Mutex
	versions map[string]*models.SheetVersion
	sets     map[string]*models.DrawingSet
	sheets   map[string][]models.DrawingSheet

	saves     []models.TileResult
	reads     int
	listErr   error
	markErr   error
	markCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: make(map[string]*models.SheetVersion),
		sets:     make(map[string]*models.DrawingSet),
		sheets:   make(map[string][]models.DrawingSheet),
	}
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads + len(f.saves)
}

func (f *fakeStore) GetSheetVersion(_ context.Context, id string) (*models.SheetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	v, ok := f.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) SaveTileResult(_ context.Context, id string, res models.TileResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	f.saves = append(f.saves, res)
	manifest := res.Manifest
	v.TileManifest = &manifest
	v.TileBaseURL = res.BaseURL
	v.TileLevels = res.Levels
	v.ExtractedMetadata.SourceHash = res.SourceHash
	if res.PageIndex != nil {
		idx := *res.PageIndex
		v.PageIndex = &idx
	}
	return nil
}

func (f *fakeStore) ListProcessingSets(_ context.Context, orgID string) ([]models.DrawingSetSheets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.DrawingSetSheets
	for _, set := range f.sets {
		if set.OrgID != orgID || set.Status != models.DrawingSetProcessing {
			continue
		}
		out = append(out, models.DrawingSetSheets{Set: *set, Sheets: f.sheets[set.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Set.ID < out[j].Set.ID })
	return out, nil
}

func (f *fakeStore) MarkSetReady(_ context.Context, setID string, processedPages int, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	if f.markErr != nil {
		return false, f.markErr
	}
	set, ok := f.sets[setID]
	if !ok || set.Status != models.DrawingSetProcessing {
		return false, nil
	}
	set.Status = models.DrawingSetReady
	set.ProcessedPages = processedPages
	set.ProcessedAt = &at
	return true, nil
}

func (f *fakeStore) set(id string) models.DrawingSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sets[id]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *fakeNotifier) NotifySetReady(_ context.Context, set models.DrawingSet, processedPages int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s:%d", set.ID, processedPages))
	return n.err
}

var errBoom = errors.New("boom")

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
