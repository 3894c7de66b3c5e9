package domain

import (
	"time"

	"github.com/google/uuid"
)

// ModelVersion is one immutable entry of the version chain.
type ModelVersion struct {
	ID             int64       `json:"id"`
	ParentID       *int64      `json:"parent_id,omitempty"`
	SnapshotDigest string      `json:"snapshot_digest"`
	DriftScore     float64     `json:"drift_score"`
	Promoted       bool        `json:"promoted"`
	Summary        DiffSummary `json:"diff_summary"`
	RunID          *uuid.UUID  `json:"run_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusApplied RunStatus = "applied"
	RunStatusAborted RunStatus = "aborted"
	RunStatusSkipped RunStatus = "skipped"
)

type RunTrigger string

const (
	RunTriggerPeriodic   RunTrigger = "periodic"
	RunTriggerManual     RunTrigger = "manual"
	RunTriggerCollection RunTrigger = "collection"
)

type FineTuningRun struct {
	ID               uuid.UUID   `json:"id"`
	Trigger          RunTrigger  `json:"trigger"`
	Status           RunStatus   `json:"status"`
	ParentVersionID  int64       `json:"parent_version_id"`
	WindowStart      *time.Time  `json:"window_start,omitempty"`
	WindowEnd        time.Time   `json:"window_end"`
	ConsumedEventIDs []uuid.UUID `json:"consumed_event_ids,omitempty"`
	ConsumedEvents   int         `json:"consumed_events"`
	ResultVersionID  *int64      `json:"result_version_id,omitempty"`
	DriftScore       *float64    `json:"drift_score,omitempty"`
	Promoted         bool        `json:"promoted"`
	Error            string      `json:"error,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

const PromotionEventType = "markov_model_update"

// PromotionEvent is emitted for the external trigger mechanism when a version
// is promoted.
type PromotionEvent struct {
	VersionID   int64       `json:"versionId"`
	ParentID    *int64      `json:"parentId,omitempty"`
	DriftScore  float64     `json:"driftScore"`
	Significant bool        `json:"significant"`
	DiffSummary DiffSummary `json:"diffSummary"`
	CreatedAt   time.Time   `json:"createdAt"`
}
