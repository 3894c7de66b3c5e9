package matrix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"golang.org/x/sync/singleflight"
)

var ErrUnknownVersion = errors.New("snapshot not registered for version")

// SnapshotLoader fetches a persisted snapshot that is not in the arena.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, versionID int64) (*Snapshot, error)
}

// Active is the snapshot currently served to readers.
type Active struct {
	VersionID   int64
	Snapshot    *Snapshot
	ActivatedAt time.Time
}

// Store is the arena of immutable snapshots keyed by version id plus the
// atomically swapped active pointer. Readers never take a lock.
type Store struct {
	mu     sync.RWMutex
	arena  map[int64]*Snapshot
	active atomic.Pointer[Active]
	loader SnapshotLoader
	loads  singleflight.Group
}

func NewStore(loader SnapshotLoader) *Store {
	return &Store{
		arena:  make(map[int64]*Snapshot),
		loader: loader,
	}
}

// Active returns the active entry, or nil before the first activation.
func (s *Store) Active() *Active {
	return s.active.Load()
}

// Snapshot returns the active snapshot handle. Before any activation it is
// the empty matrix.
func (s *Store) Snapshot() *Snapshot {
	if a := s.active.Load(); a != nil {
		return a.Snapshot
	}
	return Empty()
}

func (s *Store) ActiveVersionID() int64 {
	if a := s.active.Load(); a != nil {
		return a.VersionID
	}
	return 0
}

func (s *Store) Probabilities(src domain.State) Distribution {
	return s.Snapshot().Probabilities(src)
}

// ApplyDeltas builds a candidate from the active snapshot without touching it.
func (s *Store) ApplyDeltas(deltas []domain.TransitionDelta) (*Snapshot, []*NormalizationError) {
	return s.Snapshot().Apply(deltas)
}

// Register adds a snapshot to the arena. Registering an id twice keeps the
// first snapshot; history never changes.
func (s *Store) Register(versionID int64, snap *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.arena[versionID]; ok {
		return existing
	}
	s.arena[versionID] = snap
	return snap
}

func (s *Store) lookupArena(versionID int64) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.arena[versionID]
	return snap, ok
}

// Lookup returns the snapshot of a version from the arena, loading it through
// the loader on a miss. Concurrent misses for one version share a single load.
func (s *Store) Lookup(ctx context.Context, versionID int64) (*Snapshot, error) {
	if snap, ok := s.lookupArena(versionID); ok {
		return snap, nil
	}
	if s.loader == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, versionID)
	}
	v, err, _ := s.loads.Do(strconv.FormatInt(versionID, 10), func() (any, error) {
		snap, err := s.loader.LoadSnapshot(ctx, versionID)
		if err != nil {
			return nil, err
		}
		return s.Register(versionID, snap), nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", versionID, err)
	}
	return v.(*Snapshot), nil
}

// Activate swaps the active pointer to a registered version. The previous
// snapshot stays readable by anyone still holding it.
func (s *Store) Activate(versionID int64) error {
	snap, ok := s.lookupArena(versionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, versionID)
	}
	s.active.Store(&Active{VersionID: versionID, Snapshot: snap, ActivatedAt: time.Now().UTC()})
	return nil
}

// Restore makes versionID active again and returns its snapshot.
func (s *Store) Restore(ctx context.Context, versionID int64) (*Snapshot, error) {
	snap, err := s.Lookup(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.Activate(versionID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}
