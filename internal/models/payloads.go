package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind enumerates the job types the worker knows how to run.
type JobKind string

const (
	KindProcessDrawingSet    JobKind = "process_drawing_set"
	KindGenerateDrawingTiles JobKind = "generate_drawing_tiles"
)

// Job status values.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is a queued unit of work as handed out by the claim operation.
type Job struct {
	ID          string          `firestore:"-"`
	Kind        JobKind         `firestore:"jobType"`
	Payload     json.RawMessage `firestore:"-"`
	RetryCount  int             `firestore:"retryCount"`
	RunAt       time.Time       `firestore:"runAt"`
	Status      string          `firestore:"status"`
	LastError   string          `firestore:"lastError,omitempty"`
	ClaimedAt   *time.Time      `firestore:"claimedAt,omitempty"`
	CompletedAt *time.Time      `firestore:"completedAt,omitempty"`
}

// Payload is implemented only by the payload structs in this package, so a
// type switch over it is exhaustive.
type Payload interface {
	Kind() JobKind
	payload()
}

// ProcessDrawingSetPayload asks the extraction stage to render a drawing set.
type ProcessDrawingSetPayload struct {
	DrawingSetID string `json:"drawingSetId"`
}

func (ProcessDrawingSetPayload) Kind() JobKind { return KindProcessDrawingSet }
func (ProcessDrawingSetPayload) payload() {}

// GenerateTilesPayload asks for the tile pyramid of one sheet version.
type GenerateTilesPayload struct {
	SheetVersionID string `json:"sheetVersionId"`
}

func (GenerateTilesPayload) Kind() JobKind { return KindGenerateDrawingTiles }
func (GenerateTilesPayload) payload() {}

// DecodePayload parses raw job payload JSON into the struct for kind.
func DecodePayload(kind JobKind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindProcessDrawingSet:
		var p ProcessDrawingSetPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindGenerateDrawingTiles:
		var p GenerateTilesPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", kind)
	}
}
