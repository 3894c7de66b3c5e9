package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
	"github.com/Harshitk-cp/markovtune/internal/observability"
	"github.com/Harshitk-cp/markovtune/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrVersionNotFound  = errors.New("version not found")
	ErrSnapshotMismatch = errors.New("snapshot digest does not match version record")
	ErrNoActiveVersion  = errors.New("no active version")
)

type ActivationPolicy string

const (
	// ActivateAlways serves every applied version; promotion only decides
	// whether downstream tooling is notified.
	ActivateAlways ActivationPolicy = "always"
	// ActivatePromoted serves only promoted versions. Unpromoted versions
	// still extend the chain, so later runs build on top of them.
	ActivatePromoted ActivationPolicy = "promoted"
)

func ParseActivationPolicy(s string) (ActivationPolicy, error) {
	switch ActivationPolicy(s) {
	case "", ActivateAlways:
		return ActivateAlways, nil
	case ActivatePromoted:
		return ActivatePromoted, nil
	}
	return "", fmt.Errorf("unknown activation policy %q", s)
}

// CommitRequest carries a finished candidate to the version chain.
type CommitRequest struct {
	ParentID  int64
	Candidate *matrix.Snapshot
	Analysis  Analysis
	Decision  Decision
	Run       *domain.FineTuningRun
	EventIDs  []uuid.UUID
}

// VersionManager owns the version chain and the in-memory snapshot arena.
// History is append-only: commits add a version, rollbacks only move the
// pointers.
//
// Two pointers track the chain. The active version is what readers are
// served. The head is the latest commit, which the next run builds on. They
// differ only under ActivatePromoted while unpromoted versions accumulate.
type VersionManager struct {
	versionStore domain.VersionStore
	matrix       *matrix.Store
	guard        *RunGuard
	bus          domain.ActivationBus
	policy       ActivationPolicy
	logger       *zap.Logger
	headID       atomic.Int64
}

func NewVersionManager(vs domain.VersionStore, guard *RunGuard, logger *zap.Logger) *VersionManager {
	m := &VersionManager{
		versionStore: vs,
		guard:        guard,
		policy:       ActivateAlways,
		logger:       logger,
	}
	m.matrix = matrix.NewStore(m)
	return m
}

func (m *VersionManager) SetActivationBus(bus domain.ActivationBus) {
	m.bus = bus
}

func (m *VersionManager) SetActivationPolicy(p ActivationPolicy) {
	m.policy = p
}

func (m *VersionManager) Policy() ActivationPolicy { return m.policy }

// Matrix exposes the snapshot store for lock-free serving reads.
func (m *VersionManager) Matrix() *matrix.Store {
	return m.matrix
}

// Active returns the active version id and its snapshot.
func (m *VersionManager) Active() (int64, *matrix.Snapshot, error) {
	a := m.matrix.Active()
	if a == nil {
		return 0, nil, ErrNoActiveVersion
	}
	return a.VersionID, a.Snapshot, nil
}

// HeadID returns the chain head, or 0 before bootstrap.
func (m *VersionManager) HeadID() int64 {
	return m.headID.Load()
}

// Head returns the chain head and its snapshot.
func (m *VersionManager) Head(ctx context.Context) (int64, *matrix.Snapshot, error) {
	id := m.headID.Load()
	if id == 0 {
		return 0, nil, ErrNoActiveVersion
	}
	snap, err := m.matrix.Lookup(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return id, snap, nil
}

// LoadSnapshot implements matrix.SnapshotLoader against the version store.
func (m *VersionManager) LoadSnapshot(ctx context.Context, versionID int64) (*matrix.Snapshot, error) {
	digest, data, err := m.versionStore.GetSnapshot(ctx, versionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	if matrix.Digest(data) != digest {
		return nil, fmt.Errorf("%w: version %d", ErrSnapshotMismatch, versionID)
	}
	return matrix.Decode(data)
}

// Bootstrap restores the persisted active version, or creates the genesis
// version from seed (empty when nil) on a fresh database.
func (m *VersionManager) Bootstrap(ctx context.Context, seed *matrix.Snapshot) (*domain.ModelVersion, error) {
	activeID, err := m.versionStore.GetActiveID(ctx)
	switch {
	case err == nil:
		if _, err := m.matrix.Restore(ctx, activeID); err != nil {
			return nil, fmt.Errorf("restore active version %d: %w", activeID, err)
		}
		v, err := m.versionStore.GetByID(ctx, activeID)
		if err != nil {
			return nil, err
		}
		headID, err := m.loadHead(ctx)
		if err != nil {
			return nil, err
		}
		observability.ActiveVersion.Set(float64(activeID))
		m.logger.Info("restored active version",
			zap.Int64("version_id", activeID),
			zap.Int64("head_version_id", headID))
		return v, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("read active version: %w", err)
	}

	if seed == nil {
		seed = matrix.Empty()
	}
	encoded := matrix.Encode(seed)
	v := &domain.ModelVersion{SnapshotDigest: matrix.Digest(encoded)}
	if err := m.versionStore.CreateGenesis(ctx, v, encoded); err != nil {
		return nil, fmt.Errorf("create genesis version: %w", err)
	}
	m.matrix.Register(v.ID, seed)
	if err := m.matrix.Activate(v.ID); err != nil {
		return nil, err
	}
	m.headID.Store(v.ID)
	observability.ActiveVersion.Set(float64(v.ID))
	stats := seed.Stats()
	m.logger.Info("created genesis version",
		zap.Int64("version_id", v.ID),
		zap.Int("sources", stats.Sources),
		zap.Int("transitions", stats.Transitions))
	return v, nil
}

// Commit persists a candidate as the next version on top of the head. The
// caller must hold the run guard. It reports whether the new version became
// active.
func (m *VersionManager) Commit(ctx context.Context, req CommitRequest) (*domain.ModelVersion, bool, error) {
	encoded := matrix.Encode(req.Candidate)
	parentID := req.ParentID
	v := &domain.ModelVersion{
		ParentID:       &parentID,
		SnapshotDigest: matrix.Digest(encoded),
		DriftScore:     req.Analysis.Drift,
		Promoted:       req.Decision.Promote,
		Summary:        req.Analysis.Summary,
	}
	if req.Run != nil {
		runID := req.Run.ID
		v.RunID = &runID
	}
	activate := m.policy == ActivateAlways || req.Decision.Promote

	if err := m.versionStore.Commit(ctx, &domain.VersionCommit{
		Version:  v,
		Snapshot: encoded,
		Run:      req.Run,
		EventIDs: req.EventIDs,
		Activate: activate,
	}); err != nil {
		return nil, false, fmt.Errorf("commit version: %w", err)
	}

	m.matrix.Register(v.ID, req.Candidate)
	m.headID.Store(v.ID)
	if activate {
		if err := m.matrix.Activate(v.ID); err != nil {
			return nil, false, err
		}
		observability.ActiveVersion.Set(float64(v.ID))
		m.announce(ctx, v.ID)
	}
	return v, activate, nil
}

// Rollback makes an existing version active again and moves the head back to
// it. It takes the run guard, so it never interleaves with a fine-tuning run.
func (m *VersionManager) Rollback(ctx context.Context, versionID int64) (*domain.ModelVersion, error) {
	release, err := m.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	v, err := m.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if m.matrix.ActiveVersionID() == versionID && m.headID.Load() == versionID {
		return v, nil
	}
	if _, err := m.matrix.Lookup(ctx, versionID); err != nil {
		return nil, err
	}
	if err := m.versionStore.SetActive(ctx, versionID); err != nil {
		return nil, fmt.Errorf("set active version: %w", err)
	}
	previous := m.matrix.ActiveVersionID()
	if err := m.matrix.Activate(versionID); err != nil {
		return nil, err
	}
	m.headID.Store(versionID)
	observability.ActiveVersion.Set(float64(versionID))
	m.logger.Info("rolled back active version",
		zap.Int64("from_version_id", previous),
		zap.Int64("to_version_id", versionID))
	m.announce(ctx, versionID)
	return v, nil
}

// SyncActive applies an activation announced by another replica. The
// database already holds the new pointers, so only local state changes. An
// activated version is always the head at the time it is announced.
func (m *VersionManager) SyncActive(ctx context.Context, versionID int64) error {
	if m.matrix.ActiveVersionID() == versionID {
		return nil
	}
	if _, err := m.matrix.Restore(ctx, versionID); err != nil {
		return err
	}
	m.headID.Store(versionID)
	observability.ActiveVersion.Set(float64(versionID))
	m.logger.Info("synced active version from peer", zap.Int64("version_id", versionID))
	return nil
}

// Reconcile reads both pointers back from the database and catches local
// state up. It recovers a replica that missed an announcement or runs
// without a bus.
func (m *VersionManager) Reconcile(ctx context.Context) error {
	activeID, err := m.versionStore.GetActiveID(ctx)
	if err != nil {
		return fmt.Errorf("read active version: %w", err)
	}
	previous := m.matrix.ActiveVersionID()
	if previous != activeID {
		if _, err := m.matrix.Restore(ctx, activeID); err != nil {
			return fmt.Errorf("restore active version %d: %w", activeID, err)
		}
		observability.ActiveVersion.Set(float64(activeID))
		m.logger.Info("reconciled active version",
			zap.Int64("from_version_id", previous),
			zap.Int64("to_version_id", activeID))
	}
	_, err = m.loadHead(ctx)
	return err
}

func (m *VersionManager) loadHead(ctx context.Context) (int64, error) {
	headID, err := m.versionStore.GetHeadID(ctx)
	if err != nil {
		return 0, fmt.Errorf("read head version: %w", err)
	}
	if _, err := m.matrix.Lookup(ctx, headID); err != nil {
		return 0, fmt.Errorf("load head version %d: %w", headID, err)
	}
	m.headID.Store(headID)
	return headID, nil
}

func (m *VersionManager) Get(ctx context.Context, versionID int64) (*domain.ModelVersion, error) {
	v, err := m.versionStore.GetByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	return v, nil
}

func (m *VersionManager) List(ctx context.Context, limit int) ([]domain.ModelVersion, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.versionStore.List(ctx, limit)
}

func (m *VersionManager) Count(ctx context.Context) (int, error) {
	return m.versionStore.Count(ctx)
}

// Snapshot returns the immutable snapshot of any version in history.
func (m *VersionManager) Snapshot(ctx context.Context, versionID int64) (*matrix.Snapshot, error) {
	return m.matrix.Lookup(ctx, versionID)
}

func (m *VersionManager) announce(ctx context.Context, versionID int64) {
	if m.bus == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.bus.PublishActivation(pubCtx, versionID); err != nil {
		m.logger.Warn("failed to announce active version",
			zap.Int64("version_id", versionID),
			zap.Error(err))
	}
}
