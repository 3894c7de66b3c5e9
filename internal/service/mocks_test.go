package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// mockFeedbackStore implements domain.FeedbackStore for testing.
type mockFeedbackStore struct {
	mu      sync.Mutex
	events  []domain.FeedbackEvent
	keys    map[string]bool
	listErr error
}

func newMockFeedbackStore() *mockFeedbackStore {
	return &mockFeedbackStore{keys: make(map[string]bool)}
}

func (m *mockFeedbackStore) Create(ctx context.Context, e *domain.FeedbackEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[e.IdempotencyKey] {
		for _, stored := range m.events {
			if stored.IdempotencyKey == e.IdempotencyKey {
				e.ID = stored.ID
				e.RecordedAt = stored.RecordedAt
			}
		}
		return false, nil
	}
	m.keys[e.IdempotencyKey] = true
	m.events = append(m.events, *e)
	return true, nil
}

func (m *mockFeedbackStore) ListUnconsumed(ctx context.Context, recordedBefore time.Time, limit int) ([]domain.FeedbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.FeedbackEvent
	for _, e := range m.events {
		if e.ConsumedBy == nil && !e.RecordedAt.After(recordedBefore) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockFeedbackStore) CountUnconsumed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.ConsumedBy == nil {
			n++
		}
	}
	return n, nil
}

// claim marks events consumed by runID; it fails unless every event was
// still unconsumed.
func (m *mockFeedbackStore) claim(runID uuid.UUID, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	claimable := 0
	for _, e := range m.events {
		if want[e.ID] && e.ConsumedBy == nil {
			claimable++
		}
	}
	if claimable != len(ids) {
		return fmt.Errorf("%w: claimed %d of %d", store.ErrEventsClaimed, claimable, len(ids))
	}
	now := time.Now().UTC()
	for i := range m.events {
		if want[m.events[i].ID] {
			id := runID
			m.events[i].ConsumedBy = &id
			m.events[i].ConsumedAt = &now
		}
	}
	return nil
}

func (m *mockFeedbackStore) add(conversationID string, ft domain.FeedbackType, trace ...domain.State) domain.FeedbackEvent {
	w, _ := domain.WeightOf(ft)
	now := time.Now().UTC().Add(-time.Minute)
	e := domain.FeedbackEvent{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Trace:          trace,
		Type:           ft,
		Weight:         w,
		IdempotencyKey: uuid.NewString(),
		OccurredAt:     now,
		RecordedAt:     now,
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	m.keys[e.IdempotencyKey] = true
	m.mu.Unlock()
	return e
}

// mockRunStore implements domain.RunStore for testing.
type mockRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.FineTuningRun
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[uuid.UUID]domain.FineTuningRun)}
}

func (m *mockRunStore) Create(ctx context.Context, r *domain.FineTuningRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = *r
	return nil
}

func (m *mockRunStore) Finish(ctx context.Context, r *domain.FineTuningRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *mockRunStore) List(ctx context.Context, limit int) ([]domain.FineTuningRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.FineTuningRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRunStore) get(id uuid.UUID) domain.FineTuningRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// mockVersionStore implements domain.VersionStore with the same transaction
// semantics as the Postgres store: a commit against a stale parent or
// already-claimed events changes nothing.
type mockVersionStore struct {
	mu        sync.Mutex
	versions  map[int64]domain.ModelVersion
	snapshots map[int64][]byte
	activeID  int64
	headID    int64
	nextID    int64
	feedback  *mockFeedbackStore
	runs      *mockRunStore
	commitErr error
	commits   int
}

func newMockVersionStore(fs *mockFeedbackStore, rs *mockRunStore) *mockVersionStore {
	return &mockVersionStore{
		versions:  make(map[int64]domain.ModelVersion),
		snapshots: make(map[int64][]byte),
		nextID:    1,
		feedback:  fs,
		runs:      rs,
	}
}

func (m *mockVersionStore) insert(v *domain.ModelVersion, snapshot []byte) {
	v.ID = m.nextID
	m.nextID++
	v.CreatedAt = time.Now().UTC()
	m.versions[v.ID] = *v
	m.snapshots[v.ID] = append([]byte(nil), snapshot...)
}

func (m *mockVersionStore) CreateGenesis(ctx context.Context, v *domain.ModelVersion, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID != 0 {
		return store.ErrStaleParent
	}
	m.insert(v, snapshot)
	m.activeID = v.ID
	m.headID = v.ID
	return nil
}

func (m *mockVersionStore) Commit(ctx context.Context, c *domain.VersionCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	if c.Version.ParentID == nil || *c.Version.ParentID != m.headID {
		return store.ErrStaleParent
	}
	if c.Run != nil && len(c.EventIDs) > 0 && m.feedback != nil {
		if err := m.feedback.claim(c.Run.ID, c.EventIDs); err != nil {
			return err
		}
	}
	m.insert(c.Version, c.Snapshot)
	if c.Run != nil {
		c.Run.ResultVersionID = &c.Version.ID
		if m.runs != nil {
			_ = m.runs.Finish(ctx, c.Run)
		}
	}
	m.headID = c.Version.ID
	if c.Activate {
		m.activeID = c.Version.ID
	}
	m.commits++
	return nil
}

func (m *mockVersionStore) GetByID(ctx context.Context, id int64) (*domain.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (m *mockVersionStore) GetSnapshot(ctx context.Context, id int64) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return "", nil, store.ErrNotFound
	}
	return v.SnapshotDigest, m.snapshots[id], nil
}

func (m *mockVersionStore) List(ctx context.Context, limit int) ([]domain.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ModelVersion, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockVersionStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.versions), nil
}

func (m *mockVersionStore) GetActiveID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == 0 {
		return 0, store.ErrNotFound
	}
	return m.activeID, nil
}

func (m *mockVersionStore) GetHeadID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headID == 0 {
		return 0, store.ErrNotFound
	}
	return m.headID, nil
}

func (m *mockVersionStore) SetActive(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[id]; !ok {
		return store.ErrNotFound
	}
	m.activeID = id
	m.headID = id
	return nil
}

func (m *mockVersionStore) active() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

func (m *mockVersionStore) head() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headID
}

// mockRunLock is a shared lock standing in for the database advisory lock.
type mockRunLock struct {
	mu   sync.Mutex
	held bool
	err  error
}

func (l *mockRunLock) TryLock(ctx context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, true, nil
}

// mockValidator rejects deltas into the listed targets and can block until
// released or cancelled.
type mockValidator struct {
	reject  map[domain.State]bool
	err     error
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (v *mockValidator) Validate(ctx context.Context, d domain.TransitionDelta) error {
	if v.entered != nil {
		v.once.Do(func() { close(v.entered) })
		select {
		case <-v.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if v.err != nil {
		return v.err
	}
	if v.reject[d.Target] {
		return domain.Reject(d, "target denied")
	}
	return nil
}

// mockPublisher records promotion events.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.PromotionEvent
	err    error
}

func (p *mockPublisher) Publish(ctx context.Context, e domain.PromotionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// mockBus records announced activations.
type mockBus struct {
	mu        sync.Mutex
	published []int64
}

func (b *mockBus) PublishActivation(ctx context.Context, versionID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, versionID)
	return nil
}

func (b *mockBus) Subscribe(ctx context.Context, onActivate func(versionID int64)) error {
	return nil
}
