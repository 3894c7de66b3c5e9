package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type FeedbackStore interface {
	// Create records the event unless its idempotency key already exists.
	// It reports false for a duplicate and fills e.ID and e.RecordedAt from
	// the stored event.
	Create(ctx context.Context, e *FeedbackEvent) (bool, error)
	// ListUnconsumed returns unconsumed events recorded before the cutoff,
	// oldest first.
	ListUnconsumed(ctx context.Context, recordedBefore time.Time, limit int) ([]FeedbackEvent, error)
	CountUnconsumed(ctx context.Context) (int, error)
}

// VersionCommit is everything a completed run persists in one transaction.
type VersionCommit struct {
	Version  *ModelVersion
	Snapshot []byte
	Run      *FineTuningRun
	EventIDs []uuid.UUID
	Activate bool
}

type VersionStore interface {
	CreateGenesis(ctx context.Context, v *ModelVersion, snapshot []byte) error
	// Commit inserts the version, claims the events, marks the run applied,
	// moves the head pointer and optionally the active pointer. The parent
	// must still be the head when the transaction runs.
	Commit(ctx context.Context, c *VersionCommit) error
	GetByID(ctx context.Context, id int64) (*ModelVersion, error)
	GetSnapshot(ctx context.Context, id int64) (digest string, data []byte, err error)
	List(ctx context.Context, limit int) ([]ModelVersion, error)
	Count(ctx context.Context) (int, error)
	GetActiveID(ctx context.Context) (int64, error)
	// GetHeadID returns the latest committed version on the current branch,
	// the one the next run builds on.
	GetHeadID(ctx context.Context) (int64, error)
	// SetActive points both active and head at id.
	SetActive(ctx context.Context, id int64) error
}

type RunStore interface {
	Create(ctx context.Context, r *FineTuningRun) error
	Finish(ctx context.Context, r *FineTuningRun) error
	List(ctx context.Context, limit int) ([]FineTuningRun, error)
}

// RunLock is a cross-process mutual exclusion for fine-tuning runs.
type RunLock interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// TransitionValidator is the rule-engine call-out consulted before a delta is
// accepted. A *RejectionError drops the delta; other errors abort the run.
type TransitionValidator interface {
	Validate(ctx context.Context, d TransitionDelta) error
}

type PromotionPublisher interface {
	Publish(ctx context.Context, e PromotionEvent) error
}

// ActivationBus announces active-version changes to other replicas.
type ActivationBus interface {
	PublishActivation(ctx context.Context, versionID int64) error
	Subscribe(ctx context.Context, onActivate func(versionID int64)) error
}
