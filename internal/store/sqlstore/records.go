package sqlstore

import (
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/models"
)

type sheetVersionRecord struct {
	ID                string  `gorm:"primaryKey;size:64"`
	OrgID             string  `gorm:"index;size:64;not null"`
	SheetID           *string `gorm:"index;size:64"`
	PageIndex         *int
	ExtractedMetadata models.ExtractedMetadata `gorm:"serializer:json;type:text"`
	SourceHash        *string                  `gorm:"size:128"`
	TileManifest      *models.TileManifest     `gorm:"serializer:json;type:text"`
	TileBaseURL       *string
	TileLevels        *int
	TilesGeneratedAt  *time.Time
	ThumbnailURL      *string
	ImageWidth        *int
	ImageHeight       *int
	TileManifestPath  *string
	TilesBasePath     *string
}

func (sheetVersionRecord) TableName() string { return "sheet_versions" }

func (r sheetVersionRecord) toModel() models.SheetVersion {
	return models.SheetVersion{
		ID:                r.ID,
		OrgID:             r.OrgID,
		SheetID:           deref(r.SheetID),
		PageIndex:         r.PageIndex,
		ExtractedMetadata: r.ExtractedMetadata,
		TileManifest:      r.TileManifest,
		TileBaseURL:       deref(r.TileBaseURL),
		TileLevels:        deref(r.TileLevels),
		TilesGeneratedAt:  r.TilesGeneratedAt,
		ThumbnailURL:      deref(r.ThumbnailURL),
		ImageWidth:        deref(r.ImageWidth),
		ImageHeight:       deref(r.ImageHeight),
		TileManifestPath:  deref(r.TileManifestPath),
		TilesBasePath:     deref(r.TilesBasePath),
	}
}

type drawingSetRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	OrgID          string `gorm:"index;size:64;not null"`
	Name           string
	Status         string `gorm:"index;size:32;not null"`
	ProcessedPages int    `gorm:"not null;default:0"`
	ProcessedAt    *time.Time
}

func (drawingSetRecord) TableName() string { return "drawing_sets" }

func (r drawingSetRecord) toModel() models.DrawingSet {
	return models.DrawingSet{
		ID:             r.ID,
		OrgID:          r.OrgID,
		Name:           r.Name,
		Status:         r.Status,
		ProcessedPages: r.ProcessedPages,
		ProcessedAt:    r.ProcessedAt,
	}
}

type drawingSheetRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	DrawingSetID string `gorm:"index;size:64;not null"`
	OrgID        string `gorm:"index;size:64;not null"`
}

func (drawingSheetRecord) TableName() string { return "drawing_sheets" }

type jobRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	JobType     string    `gorm:"index;size:64;not null"`
	Payload     string    `gorm:"type:text"`
	RetryCount  int       `gorm:"not null;default:0"`
	RunAt       time.Time `gorm:"index;not null"`
	Status      string    `gorm:"index;size:32;not null"`
	LastError   *string   `gorm:"type:text"`
	ClaimToken  *string   `gorm:"index;size:64"`
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (jobRecord) TableName() string { return "jobs" }

func (r jobRecord) toModel() models.Job {
	return models.Job{
		ID:          r.ID,
		Kind:        models.JobKind(r.JobType),
		Payload:     []byte(r.Payload),
		RetryCount:  r.RetryCount,
		RunAt:       r.RunAt,
		Status:      r.Status,
		LastError:   deref(r.LastError),
		ClaimedAt:   r.ClaimedAt,
		CompletedAt: r.CompletedAt,
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
