package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
)

// CompletionChecker flips drawing sets to ready once every sheet has at
// least one tiled version.
type CompletionChecker struct {
	sets     store.DrawingSets
	notifier ReadyNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewCompletionChecker returns a checker. notifier may be nil.
func NewCompletionChecker(sets store.DrawingSets, notifier ReadyNotifier, logger *slog.Logger) *CompletionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionChecker{sets: sets, notifier: notifier, logger: logger, now: time.Now}
}

// SetReady reports whether every sheet of the set has a tiled version. A set
// without sheets has not been extracted yet and is never ready.
func SetReady(sheets []models.DrawingSheet) bool {
	if len(sheets) == 0 {
		return false
	}
	for _, sheet := range sheets {
		if !sheet.HasTiledVersion() {
			return false
		}
	}
	return true
}

// Check evaluates every processing set of the org and returns the ids of the
// sets this call marked ready. Errors on one set do not stop the others.
func (c *CompletionChecker) Check(ctx context.Context, orgID string) ([]string, error) {
	logCtx := c.logger.With("orgId", orgID)

	sets, err := c.sets.ListProcessingSets(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processing drawing sets: %w", err)
	}

	var (
		readied []string
		errs    []error
	)
	for _, s := range sets {
		if !SetReady(s.Sheets) {
			continue
		}
		pages := len(s.Sheets)
		changed, err := c.sets.MarkSetReady(ctx, s.Set.ID, pages, c.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			// Another worker got there first.
			continue
		}
		logCtx.Info("Drawing set is ready.", "drawingSetId", s.Set.ID, "processedPages", pages)
		readied = append(readied, s.Set.ID)

		if c.notifier != nil {
			if err := c.notifier.NotifySetReady(ctx, s.Set, pages); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return readied, errors.Join(errs...)
}
