// Package firestorestore implements the store contracts on Cloud Firestore.
package firestorestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names.
const (
	SheetVersionsCollection = "sheetVersions"
	DrawingSetsCollection   = "drawingSets"
	DrawingSheetsCollection = "drawingSheets"
	JobsCollection          = "jobs"
)

// Store is a Firestore-backed store.Store. The client is owned by the caller
// unless Close is called.
type Store struct {
	client *firestore.Client
	lease  time.Duration
}

var _ store.Store = (*Store)(nil)

func New(client *firestore.Client) *Store {
	return &Store{client: client, lease: store.DefaultClaimLease}
}

// SetClaimLease sets how long a claim holds a job. Non-positive values keep
// the current lease.
func (s *Store) SetClaimLease(d time.Duration) {
	if d > 0 {
		s.lease = d
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// jobDoc is the stored shape of a job; the payload is kept as a JSON string.
type jobDoc struct {
	JobType     string     `firestore:"jobType"`
	Payload     string     `firestore:"payload"`
	RetryCount  int        `firestore:"retryCount"`
	RunAt       time.Time  `firestore:"runAt"`
	Status      string     `firestore:"status"`
	LastError   string     `firestore:"lastError,omitempty"`
	ClaimedAt   *time.Time `firestore:"claimedAt,omitempty"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
}

func (d jobDoc) toModel(id string) models.Job {
	return models.Job{
		ID:          id,
		Kind:        models.JobKind(d.JobType),
		Payload:     json.RawMessage(d.Payload),
		RetryCount:  d.RetryCount,
		RunAt:       d.RunAt,
		Status:      d.Status,
		LastError:   d.LastError,
		ClaimedAt:   d.ClaimedAt,
		CompletedAt: d.CompletedAt,
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *Store) GetSheetVersion(ctx context.Context, id string) (*models.SheetVersion, error) {
	snap, err := s.client.Collection(SheetVersionsCollection).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet version %s: %w", id, err)
	}
	var v models.SheetVersion
	if err := snap.DataTo(&v); err != nil {
		return nil, fmt.Errorf("failed to decode sheet version %s: %w", id, err)
	}
	v.ID = snap.Ref.ID
	return &v, nil
}

func (s *Store) SaveTileResult(ctx context.Context, id string, res models.TileResult) error {
	updates := []firestore.Update{
		{Path: "tileManifest", Value: res.Manifest},
		{Path: "tileBaseUrl", Value: res.BaseURL},
		{Path: "extractedMetadata.sourceHash", Value: res.SourceHash},
		{Path: "tileLevels", Value: res.Levels},
		{Path: "tilesGeneratedAt", Value: res.GeneratedAt},
		{Path: "thumbnailUrl", Value: res.ThumbnailURL},
		{Path: "imageWidth", Value: res.Width},
		{Path: "imageHeight", Value: res.Height},
		{Path: "tileManifestPath", Value: res.ManifestPath},
		{Path: "tilesBasePath", Value: res.BasePath},
	}
	if res.PageIndex != nil {
		updates = append(updates, firestore.Update{Path: "pageIndex", Value: *res.PageIndex})
	}

	_, err := s.client.Collection(SheetVersionsCollection).Doc(id).Update(ctx, updates)
	if isNotFound(err) {
		return fmt.Errorf("%w: sheet version %s", store.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to save tile result for sheet version %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListProcessingSets(ctx context.Context, orgID string) ([]models.DrawingSetSheets, error) {
	query := s.client.Collection(DrawingSetsCollection).
		Where("orgId", "==", orgID).
		Where("status", "==", models.DrawingSetProcessing)

	var out []models.DrawingSetSheets
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list processing drawing sets: %w", err)
		}
		var set models.DrawingSet
		if err := snap.DataTo(&set); err != nil {
			return nil, fmt.Errorf("failed to decode drawing set %s: %w", snap.Ref.ID, err)
		}
		set.ID = snap.Ref.ID

		sheets, err := s.listSheets(ctx, set.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.DrawingSetSheets{Set: set, Sheets: sheets})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Set.ID < out[j].Set.ID })
	return out, nil
}

func (s *Store) listSheets(ctx context.Context, setID string) ([]models.DrawingSheet, error) {
	snaps, err := s.client.Collection(DrawingSheetsCollection).Where("drawingSetId", "==", setID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets of drawing set %s: %w", setID, err)
	}
	sheets := make([]models.DrawingSheet, 0, len(snaps))
	for _, snap := range snaps {
		var sheet models.DrawingSheet
		if err := snap.DataTo(&sheet); err != nil {
			return nil, fmt.Errorf("failed to decode drawing sheet %s: %w", snap.Ref.ID, err)
		}
		sheet.ID = snap.Ref.ID

		versions, err := s.client.Collection(SheetVersionsCollection).Where("sheetId", "==", sheet.ID).Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to list versions of sheet %s: %w", sheet.ID, err)
		}
		for _, vs := range versions {
			var v models.SheetVersion
			if err := vs.DataTo(&v); err != nil {
				return nil, fmt.Errorf("failed to decode sheet version %s: %w", vs.Ref.ID, err)
			}
			v.ID = vs.Ref.ID
			sheet.Versions = append(sheet.Versions, v)
		}
		sheets = append(sheets, sheet)
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].ID < sheets[j].ID })
	return sheets, nil
}

func (s *Store) MarkSetReady(ctx context.Context, setID string, processedPages int, at time.Time) (bool, error) {
	ref := s.client.Collection(DrawingSetsCollection).Doc(setID)
	var changed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var set models.DrawingSet
		if err := snap.DataTo(&set); err != nil {
			return err
		}
		if set.Status != models.DrawingSetProcessing {
			return nil
		}
		changed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: models.DrawingSetReady},
			{Path: "processedPages", Value: processedPages},
			{Path: "processedAt", Value: at.UTC()},
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark drawing set %s ready: %w", setID, err)
	}
	return changed, nil
}

// ClaimJobs reads the due batch and flips it to processing inside one
// transaction, so a concurrent claim of the same documents is retried by
// Firestore and then sees them as processing. Jobs whose claim is older than
// the lease are read in the same transaction and claimed again.
func (s *Store) ClaimJobs(ctx context.Context, kinds []models.JobKind, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 || len(kinds) == 0 {
		return nil, nil
	}
	types := make([]string, len(kinds))
	for i, k := range kinds {
		types[i] = string(k)
	}
	now = now.UTC()
	jobsCol := s.client.Collection(JobsCollection)
	due := jobsCol.
		Where("status", "==", models.JobPending).
		Where("jobType", "in", types).
		Where("runAt", "<=", now).
		OrderBy("runAt", firestore.Asc).
		Limit(limit)
	stale := jobsCol.
		Where("status", "==", models.JobProcessing).
		Where("jobType", "in", types).
		Where("claimedAt", "<", now.Add(-s.lease)).
		OrderBy("claimedAt", firestore.Asc).
		Limit(limit)

	var jobs []models.Job
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		jobs = jobs[:0]
		dueSnaps, err := tx.Documents(due).GetAll()
		if err != nil {
			return err
		}
		staleSnaps, err := tx.Documents(stale).GetAll()
		if err != nil {
			return err
		}

		var candidates []models.Job
		refs := make(map[string]*firestore.DocumentRef)
		for _, snap := range append(dueSnaps, staleSnaps...) {
			var d jobDoc
			if err := snap.DataTo(&d); err != nil {
				return fmt.Errorf("failed to decode job %s: %w", snap.Ref.ID, err)
			}
			candidates = append(candidates, d.toModel(snap.Ref.ID))
			refs[snap.Ref.ID] = snap.Ref
		}
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
				return candidates[i].RunAt.Before(candidates[j].RunAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, job := range candidates {
			if err := tx.Update(refs[job.ID], []firestore.Update{
				{Path: "status", Value: models.JobProcessing},
				{Path: "claimedAt", Value: now},
			}); err != nil {
				return err
			}
			job.Status = models.JobProcessing
			claimedAt := now
			job.ClaimedAt = &claimedAt
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.updateClaimed(ctx, id, []firestore.Update{
		{Path: "status", Value: models.JobCompleted},
		{Path: "completedAt", Value: at.UTC()},
		{Path: "lastError", Value: firestore.Delete},
	})
}

func (s *Store) RescheduleJob(ctx context.Context, id string, retryCount int, runAt time.Time, lastError string) error {
	return s.updateClaimed(ctx, id, []firestore.Update{
		{Path: "status", Value: models.JobPending},
		{Path: "retryCount", Value: retryCount},
		{Path: "runAt", Value: runAt.UTC()},
		{Path: "lastError", Value: lastError},
	})
}

func (s *Store) FailJob(ctx context.Context, id string, retryCount int, lastError string) error {
	return s.updateClaimed(ctx, id, []firestore.Update{
		{Path: "status", Value: models.JobFailed},
		{Path: "retryCount", Value: retryCount},
		{Path: "lastError", Value: lastError},
	})
}

func (s *Store) updateClaimed(ctx context.Context, id string, updates []firestore.Update) error {
	ref := s.client.Collection(JobsCollection).Doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return err
		}
		if current != models.JobProcessing {
			return fmt.Errorf("%w: job %s is not processing", store.ErrNotFound, id)
		}
		return tx.Update(ref, updates)
	})
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return nil
}

func (s *Store) EnqueueJob(ctx context.Context, kind models.JobKind, payload json.RawMessage, runAt time.Time) (string, error) {
	id := uuid.NewString()
	doc := jobDoc{
		JobType: string(kind),
		Payload: string(payload),
		RunAt:   runAt.UTC(),
		Status:  models.JobPending,
	}
	if _, err := s.client.Collection(JobsCollection).Doc(id).Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return id, nil
}
