// Package sqlstore implements the store contracts on a relational database
// through GORM. Postgres is the production backend; SQLite serves local runs
// and tests.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialects accepted by Open.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Store is a GORM-backed store.Store.
type Store struct {
	db    *gorm.DB
	lease time.Duration
}

var _ store.Store = (*Store)(nil)

// Open connects to the database. SQLite is limited to one connection so an
// in-memory database is shared by every query.
func Open(dialect, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	case DialectSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{db: db, lease: store.DefaultClaimLease}, nil
}

// SetClaimLease sets how long a claim holds a job. Non-positive values keep
// the current lease.
func (s *Store) SetClaimLease(d time.Duration) {
	if d > 0 {
		s.lease = d
	}
}

// Migrate creates or updates the tables this worker reads and writes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&sheetVersionRecord{},
		&drawingSetRecord{},
		&drawingSheetRecord{},
		&jobRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetSheetVersion(ctx context.Context, id string) (*models.SheetVersion, error) {
	var rec sheetVersionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet version %s: %w", id, err)
	}
	v := rec.toModel()
	return &v, nil
}

func (s *Store) SaveTileResult(ctx context.Context, id string, res models.TileResult) error {
	// Map updates bypass the json serializer, so the manifest is encoded here.
	manifest, err := json.Marshal(res.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	updates := map[string]any{
		"tile_manifest":      string(manifest),
		"tile_base_url":      res.BaseURL,
		"source_hash":        res.SourceHash,
		"tile_levels":        res.Levels,
		"tiles_generated_at": res.GeneratedAt.UTC(),
		"thumbnail_url":      res.ThumbnailURL,
		"image_width":        res.Width,
		"image_height":       res.Height,
		"tile_manifest_path": res.ManifestPath,
		"tiles_base_path":    res.BasePath,
	}
	if res.PageIndex != nil {
		updates["page_index"] = *res.PageIndex
	}

	tx := s.db.WithContext(ctx).Model(&sheetVersionRecord{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("failed to save tile result for sheet version %s: %w", id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListProcessingSets(ctx context.Context, orgID string) ([]models.DrawingSetSheets, error) {
	db := s.db.WithContext(ctx)

	var sets []drawingSetRecord
	if err := db.Where("org_id = ? AND status = ?", orgID, models.DrawingSetProcessing).Order("id").Find(&sets).Error; err != nil {
		return nil, fmt.Errorf("failed to list processing drawing sets: %w", err)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	setIDs := make([]string, len(sets))
	for i, set := range sets {
		setIDs[i] = set.ID
	}

	var sheets []drawingSheetRecord
	if err := db.Where("drawing_set_id IN ?", setIDs).Order("id").Find(&sheets).Error; err != nil {
		return nil, fmt.Errorf("failed to list drawing sheets: %w", err)
	}
	versionsBySheet := make(map[string][]models.SheetVersion)
	if len(sheets) > 0 {
		sheetIDs := make([]string, len(sheets))
		for i, sheet := range sheets {
			sheetIDs[i] = sheet.ID
		}
		var versions []sheetVersionRecord
		if err := db.Where("sheet_id IN ?", sheetIDs).Order("id").Find(&versions).Error; err != nil {
			return nil, fmt.Errorf("failed to list sheet versions: %w", err)
		}
		for _, v := range versions {
			sheetID := deref(v.SheetID)
			versionsBySheet[sheetID] = append(versionsBySheet[sheetID], v.toModel())
		}
	}

	sheetsBySet := make(map[string][]models.DrawingSheet)
	for _, sheet := range sheets {
		sheetsBySet[sheet.DrawingSetID] = append(sheetsBySet[sheet.DrawingSetID], models.DrawingSheet{
			ID:           sheet.ID,
			DrawingSetID: sheet.DrawingSetID,
			OrgID:        sheet.OrgID,
			Versions:     versionsBySheet[sheet.ID],
		})
	}

	out := make([]models.DrawingSetSheets, 0, len(sets))
	for _, set := range sets {
		out = append(out, models.DrawingSetSheets{Set: set.toModel(), Sheets: sheetsBySet[set.ID]})
	}
	return out, nil
}

func (s *Store) MarkSetReady(ctx context.Context, setID string, processedPages int, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&drawingSetRecord{}).
		Where("id = ? AND status = ?", setID, models.DrawingSetProcessing).
		Updates(map[string]any{
			"status":          models.DrawingSetReady,
			"processed_pages": processedPages,
			"processed_at":    at.UTC(),
		})
	if tx.Error != nil {
		return false, fmt.Errorf("failed to mark drawing set %s ready: %w", setID, tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// ClaimJobs claims with a single UPDATE that tags the rows with a fresh
// token, then reads back exactly the rows carrying that token. On Postgres
// the inner select skips rows locked by a concurrent claim. A processing row
// whose claim is older than the lease is claimed again with a new token.
func (s *Store) ClaimJobs(ctx context.Context, kinds []models.JobKind, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 || len(kinds) == 0 {
		return nil, nil
	}
	types := make([]string, len(kinds))
	for i, k := range kinds {
		types[i] = string(k)
	}
	now = now.UTC()
	staleBefore := now.Add(-s.lease)
	token := uuid.NewString()

	lock := ""
	if s.db.Dialector.Name() == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	db := s.db.WithContext(ctx)
	err := db.Exec(`UPDATE jobs SET status = ?, claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE (status = ? OR (status = ? AND claimed_at < ?)) AND id IN (
			SELECT id FROM jobs
			WHERE job_type IN ? AND run_at <= ?
			AND (status = ? OR (status = ? AND claimed_at < ?))
			ORDER BY run_at, id
			LIMIT ?`+lock+`
		)`,
		models.JobProcessing, token, now, now,
		models.JobPending, models.JobProcessing, staleBefore,
		types, now,
		models.JobPending, models.JobProcessing, staleBefore,
		limit,
	).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	var recs []jobRecord
	if err := db.Where("claim_token = ?", token).Order("run_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load claimed jobs: %w", err)
	}
	jobs := make([]models.Job, len(recs))
	for i, r := range recs {
		jobs[i] = r.toModel()
	}
	return jobs, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.updateClaimed(ctx, id, map[string]any{
		"status":       models.JobCompleted,
		"completed_at": at.UTC(),
		"last_error":   nil,
	})
}

func (s *Store) RescheduleJob(ctx context.Context, id string, retryCount int, runAt time.Time, lastError string) error {
	return s.updateClaimed(ctx, id, map[string]any{
		"status":      models.JobPending,
		"retry_count": retryCount,
		"run_at":      runAt.UTC(),
		"last_error":  lastError,
		"claim_token": nil,
	})
}

func (s *Store) FailJob(ctx context.Context, id string, retryCount int, lastError string) error {
	return s.updateClaimed(ctx, id, map[string]any{
		"status":      models.JobFailed,
		"retry_count": retryCount,
		"last_error":  lastError,
	})
}

// updateClaimed only touches a job this worker still holds.
func (s *Store) updateClaimed(ctx context.Context, id string, updates map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s is not processing", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) EnqueueJob(ctx context.Context, kind models.JobKind, payload json.RawMessage, runAt time.Time) (string, error) {
	rec := jobRecord{
		ID:      uuid.NewString(),
		JobType: string(kind),
		Payload: string(payload),
		RunAt:   runAt.UTC(),
		Status:  models.JobPending,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return rec.ID, nil
}
