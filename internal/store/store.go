// Package store defines the persistence contracts of the tile worker. The
// sqlstore and firestorestore packages implement them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultClaimLease is how long a claimed job may stay in processing before
// another claim may take it over.
const DefaultClaimLease = 30 * time.Minute

// SheetVersions reads sheet versions and records tiling results.
type SheetVersions interface {
	GetSheetVersion(ctx context.Context, id string) (*models.SheetVersion, error)
	// SaveTileResult applies every field of res in one write.
	SaveTileResult(ctx context.Context, id string, res models.TileResult) error
}

// DrawingSets supports the completion check.
type DrawingSets interface {
	// ListProcessingSets returns the org's sets still in processing status,
	// each with its sheets and every sheet's versions.
	ListProcessingSets(ctx context.Context, orgID string) ([]models.DrawingSetSheets, error)
	// MarkSetReady flips a set to ready if it is still processing. It
	// reports whether this call changed the set.
	MarkSetReady(ctx context.Context, setID string, processedPages int, at time.Time) (bool, error)
}

// Jobs is the queue contract: atomic claim plus keyed completion updates.
type Jobs interface {
	// ClaimJobs atomically moves up to limit jobs of the given kinds into
	// processing and returns them. A job is claimable when it is pending and
	// its run time has passed, or when it was claimed longer than the claim
	// lease ago and never finished.
	ClaimJobs(ctx context.Context, kinds []models.JobKind, limit int, now time.Time) ([]models.Job, error)
	CompleteJob(ctx context.Context, id string, at time.Time) error
	RescheduleJob(ctx context.Context, id string, retryCount int, runAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, retryCount int, lastError string) error
	EnqueueJob(ctx context.Context, kind models.JobKind, payload json.RawMessage, runAt time.Time) (string, error)
}

// Store is everything the worker persists.
type Store interface {
	SheetVersions
	DrawingSets
	Jobs
	Close() error
}
