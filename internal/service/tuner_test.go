package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
	"github.com/Harshitk-cp/markovtune/internal/store"
)

type tunerFixture struct {
	tuner     *FineTuner
	versions  *VersionManager
	feedback  *mockFeedbackStore
	store     *mockVersionStore
	runs      *mockRunStore
	publisher *mockPublisher
	seed      *matrix.Snapshot
}

func seedSnapshot(t *testing.T) *matrix.Snapshot {
	return mustSnapshot(t, map[domain.State]map[domain.State]float64{
		"greet": {"ask": 2, "bye": 2},
		"ask":   {"answer": 1},
	})
}

func setupTunerTest(t *testing.T) *tunerFixture {
	t.Helper()
	fs := newMockFeedbackStore()
	rs := newMockRunStore()
	vs := newMockVersionStore(fs, rs)
	return newTunerFixture(t, fs, rs, vs, NewRunGuard(nil), seedSnapshot(t))
}

func newTunerFixture(t *testing.T, fs *mockFeedbackStore, rs *mockRunStore, vs *mockVersionStore, guard *RunGuard, seed *matrix.Snapshot) *tunerFixture {
	t.Helper()
	vm := NewVersionManager(vs, guard, testLogger())
	if _, err := vm.Bootstrap(context.Background(), seed); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	gate, err := NewPromotionGate(DefaultSignificanceThreshold)
	if err != nil {
		t.Fatalf("NewPromotionGate: %v", err)
	}
	pub := &mockPublisher{}
	tuner := NewFineTuner(fs, rs, vm, guard, gate, testLogger())
	tuner.SetPublisher(pub)
	return &tunerFixture{tuner: tuner, versions: vm, feedback: fs, store: vs, runs: rs, publisher: pub, seed: seed}
}

func TestFineTuner_Run_AppliesFeedback(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()

	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	f.feedback.add("c2", domain.FeedbackTypeLike, "greet", "ask", "answer")

	run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusApplied {
		t.Fatalf("expected applied, got %s", run.Status)
	}
	if run.ResultVersionID == nil || *run.ResultVersionID != 2 {
		t.Fatalf("expected result version 2, got %v", run.ResultVersionID)
	}
	if run.ConsumedEvents != 2 {
		t.Fatalf("expected 2 consumed events, got %d", run.ConsumedEvents)
	}
	if !run.Promoted {
		t.Fatalf("expected promotion, drift %v", *run.DriftScore)
	}

	activeID, snap, _ := f.versions.Active()
	if activeID != 2 || f.store.active() != 2 {
		t.Fatalf("expected version 2 active, memory %d store %d", activeID, f.store.active())
	}
	if got := snap.Count("greet", "ask"); math.Abs(got-5.6) > 1e-9 {
		t.Fatalf("expected greet->ask 5.6, got %v", got)
	}
	if n, _ := f.feedback.CountUnconsumed(ctx); n != 0 {
		t.Fatalf("expected all events consumed, %d left", n)
	}
	if f.publisher.count() != 1 {
		t.Fatalf("expected 1 promotion event, got %d", f.publisher.count())
	}
	if stored := f.runs.get(run.ID); stored.Status != domain.RunStatusApplied {
		t.Fatalf("expected stored run applied, got %s", stored.Status)
	}

	// The parent snapshot is untouched by the run.
	parent, err := f.versions.Snapshot(ctx, 1)
	if err != nil {
		t.Fatalf("Snapshot(1): %v", err)
	}
	if !parent.Equal(f.seed) {
		t.Fatal("expected parent snapshot to be unchanged")
	}
}

func TestFineTuner_Run_SkipsWithoutFeedback(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()

	run, err := f.tuner.Run(ctx, domain.RunTriggerPeriodic)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusSkipped {
		t.Fatalf("expected skipped, got %s", run.Status)
	}
	if n, _ := f.store.Count(ctx); n != 1 {
		t.Fatalf("expected only the genesis version, got %d", n)
	}
	if f.runs.get(run.ID).Status != domain.RunStatusSkipped {
		t.Fatal("expected skipped run to be recorded")
	}
}

func TestFineTuner_Run_MinEvents(t *testing.T) {
	f := setupTunerTest(t)
	f.tuner.SetMinEvents(3)
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")

	run, err := f.tuner.Run(context.Background(), domain.RunTriggerPeriodic)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusSkipped {
		t.Fatalf("expected skipped below min events, got %s", run.Status)
	}
	if n, _ := f.feedback.CountUnconsumed(context.Background()); n != 1 {
		t.Fatalf("expected event left unconsumed, got %d", n)
	}
}

func TestFineTuner_Run_ConcurrentCallRejected(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")

	v := &mockValidator{entered: make(chan struct{}), release: make(chan struct{})}
	f.tuner.SetValidator(v)

	type result struct {
		run *domain.FineTuningRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
		done <- result{run, err}
	}()

	select {
	case <-v.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the validator")
	}

	run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
	if err != ErrConcurrentFineTune {
		t.Fatalf("expected ErrConcurrentFineTune, got %v", err)
	}
	if run != nil {
		t.Fatal("expected no run for the rejected call")
	}
	if !f.tuner.Busy() {
		t.Fatal("expected tuner to report busy")
	}

	close(v.release)
	first := <-done
	if first.err != nil {
		t.Fatalf("first run: %v", first.err)
	}
	if first.run.Status != domain.RunStatusApplied {
		t.Fatalf("expected first run applied, got %s", first.run.Status)
	}

	runs, _ := f.runs.List(ctx, 10)
	if len(runs) != 1 {
		t.Fatalf("expected exactly one recorded run, got %d", len(runs))
	}
	if n, _ := f.store.Count(ctx); n != 2 {
		t.Fatalf("expected genesis plus one version, got %d", n)
	}
	parent, _ := f.versions.Snapshot(ctx, 1)
	if !parent.Equal(f.seed) {
		t.Fatal("expected parent snapshot to be unchanged")
	}
}

func TestFineTuner_Run_ConcurrentAcrossReplicas(t *testing.T) {
	fs := newMockFeedbackStore()
	rs := newMockRunStore()
	vs := newMockVersionStore(fs, rs)
	lock := &mockRunLock{}
	seed := seedSnapshot(t)

	a := newTunerFixture(t, fs, rs, vs, NewRunGuard(lock), seed)
	b := newTunerFixture(t, fs, rs, vs, NewRunGuard(lock), seed)
	fs.add("c1", domain.FeedbackTypeLike, "greet", "ask")

	v := &mockValidator{entered: make(chan struct{}), release: make(chan struct{})}
	a.tuner.SetValidator(v)

	done := make(chan error, 1)
	go func() {
		_, err := a.tuner.Run(context.Background(), domain.RunTriggerManual)
		done <- err
	}()
	<-v.entered

	if _, err := b.tuner.Run(context.Background(), domain.RunTriggerManual); err != ErrConcurrentFineTune {
		t.Fatalf("expected ErrConcurrentFineTune from second replica, got %v", err)
	}

	close(v.release)
	if err := <-done; err != nil {
		t.Fatalf("replica a run: %v", err)
	}
	if vs.active() != 2 {
		t.Fatalf("expected version 2 active, got %d", vs.active())
	}
}

func TestFineTuner_Run_ValidatorRejection(t *testing.T) {
	f := setupTunerTest(t)
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	f.feedback.add("c2", domain.FeedbackTypeLike, "greet", "bye")
	f.tuner.SetValidator(&mockValidator{reject: map[domain.State]bool{"bye": true}})

	run, err := f.tuner.Run(context.Background(), domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusApplied {
		t.Fatalf("expected applied, got %s", run.Status)
	}
	v, err := f.versions.Get(context.Background(), *run.ResultVersionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Summary.DeltasApplied != 1 || v.Summary.DeltasDropped != 1 {
		t.Fatalf("expected 1 applied and 1 dropped, got %+v", v.Summary)
	}
	_, snap, _ := f.versions.Active()
	if snap.Count("greet", "bye") != 2 {
		t.Fatalf("expected rejected delta not applied, greet->bye = %v", snap.Count("greet", "bye"))
	}
	if run.ConsumedEvents != 2 {
		t.Fatalf("expected both events consumed, got %d", run.ConsumedEvents)
	}
}

func TestFineTuner_Run_AbortsOnValidatorFailure(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	f.tuner.SetValidator(&mockValidator{err: errors.New("rule engine unavailable")})

	run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
	if !errors.Is(err, ErrRunAborted) {
		t.Fatalf("expected ErrRunAborted, got %v", err)
	}
	if run == nil || run.Status != domain.RunStatusAborted {
		t.Fatalf("expected aborted run, got %+v", run)
	}
	if f.runs.get(run.ID).Status != domain.RunStatusAborted {
		t.Fatal("expected aborted run to be recorded")
	}
	if f.store.active() != 1 {
		t.Fatalf("expected active version untouched, got %d", f.store.active())
	}
	if n, _ := f.feedback.CountUnconsumed(ctx); n != 1 {
		t.Fatalf("expected event left unconsumed, got %d", n)
	}
	if f.publisher.count() != 0 {
		t.Fatal("expected no promotion event for an aborted run")
	}
}

func TestFineTuner_Run_StaleParentIsConflict(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	f.store.commitErr = store.ErrStaleParent

	run, err := f.tuner.Run(ctx, domain.RunTriggerPeriodic)
	if !errors.Is(err, ErrRunAborted) || !IsRunConflict(err) {
		t.Fatalf("expected an aborted conflict, got %v", err)
	}
	if run.Status != domain.RunStatusAborted || run.ConsumedEvents != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	activeID, _, _ := f.versions.Active()
	if activeID != 1 {
		t.Fatalf("expected in-memory active version untouched, got %d", activeID)
	}
	if n, _ := f.feedback.CountUnconsumed(ctx); n != 1 {
		t.Fatalf("expected event left unconsumed, got %d", n)
	}
}

func TestFineTuner_Run_BelowThreshold(t *testing.T) {
	f := setupTunerTest(t)
	gate, _ := NewPromotionGate(0.9)
	f.tuner.gate = gate
	f.feedback.add("c1", domain.FeedbackTypeDislike, "greet", "ask")

	run, err := f.tuner.Run(context.Background(), domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Promoted {
		t.Fatal("expected no promotion below threshold")
	}
	if f.store.active() != 2 {
		t.Fatalf("expected applied version active under the always policy, got %d", f.store.active())
	}
	if f.publisher.count() != 0 {
		t.Fatal("expected no promotion event")
	}
}

func TestFineTuner_Run_PromotedPolicyAccumulatesOnHead(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()
	gate, _ := NewPromotionGate(0.2)
	f.tuner.gate = gate
	f.versions.SetActivationPolicy(ActivatePromoted)

	// greet->ask moves 0.5 -> 3.8/5.8, a drift of about 0.155.
	f.feedback.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Promoted || run.ResultVersionID == nil || *run.ResultVersionID != 2 {
		t.Fatalf("expected unpromoted version 2, got %+v", run)
	}
	activeID, served, _ := f.versions.Active()
	if activeID != 1 || f.store.active() != 1 {
		t.Fatalf("expected version 1 to stay served, memory %d store %d", activeID, f.store.active())
	}
	if !served.Equal(f.seed) {
		t.Fatal("expected served snapshot to stay the seed")
	}
	if f.versions.HeadID() != 2 || f.store.head() != 2 {
		t.Fatalf("expected head 2, memory %d store %d", f.versions.HeadID(), f.store.head())
	}

	// The next run builds on version 2, so both likes are carried. Against the
	// served version the combined drift is about 0.237 and crosses the gate.
	f.feedback.add("c2", domain.FeedbackTypeLike, "greet", "ask")
	run, err = f.tuner.Run(ctx, domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if run.ParentVersionID != 2 {
		t.Fatalf("expected parent 2, got %d", run.ParentVersionID)
	}
	if !run.Promoted {
		t.Fatalf("expected accumulated change to promote, drift %v", *run.DriftScore)
	}
	activeID, served, _ = f.versions.Active()
	if activeID != 3 || f.store.active() != 3 {
		t.Fatalf("expected version 3 active, memory %d store %d", activeID, f.store.active())
	}
	if got := served.Count("greet", "ask"); math.Abs(got-5.6) > 1e-9 {
		t.Fatalf("expected greet->ask 5.6 with no feedback lost, got %v", got)
	}
	if n, _ := f.feedback.CountUnconsumed(ctx); n != 0 {
		t.Fatalf("expected all events consumed, %d left", n)
	}
	if f.publisher.count() != 1 {
		t.Fatalf("expected 1 promotion event, got %d", f.publisher.count())
	}
}

func TestFineTuner_Run_StaleReplicaCatchesUp(t *testing.T) {
	fs := newMockFeedbackStore()
	rs := newMockRunStore()
	vs := newMockVersionStore(fs, rs)
	seed := seedSnapshot(t)
	ctx := context.Background()

	a := newTunerFixture(t, fs, rs, vs, NewRunGuard(nil), seed)
	b := newTunerFixture(t, fs, rs, vs, NewRunGuard(nil), seed)

	fs.add("c1", domain.FeedbackTypeLike, "greet", "ask")
	if _, err := a.tuner.Run(ctx, domain.RunTriggerManual); err != nil {
		t.Fatalf("replica a Run: %v", err)
	}

	// Replica b never heard about version 2.
	fs.add("c2", domain.FeedbackTypeLike, "greet", "bye")
	_, err := b.tuner.Run(ctx, domain.RunTriggerPeriodic)
	if !IsRunConflict(err) {
		t.Fatalf("expected a conflict from the stale replica, got %v", err)
	}
	activeID, snap, _ := b.versions.Active()
	if activeID != 2 || b.versions.HeadID() != 2 {
		t.Fatalf("expected replica b to catch up to version 2, active %d head %d", activeID, b.versions.HeadID())
	}
	_, want, _ := a.versions.Active()
	if !snap.Equal(want) {
		t.Fatal("expected replica b to serve the committed snapshot")
	}

	run, err := b.tuner.Run(ctx, domain.RunTriggerPeriodic)
	if err != nil {
		t.Fatalf("retry on replica b: %v", err)
	}
	if run.ParentVersionID != 2 || vs.active() != 3 {
		t.Fatalf("expected retry to build version 3 on 2, parent %d active %d", run.ParentVersionID, vs.active())
	}
}

func TestFineTuner_Run_MaxStates(t *testing.T) {
	f := setupTunerTest(t)
	ctx := context.Background()
	// The seed holds greet, ask, bye and answer.
	f.tuner.SetMaxStates(5)
	f.feedback.add("c1", domain.FeedbackTypeLike, "ask", "answer")
	f.feedback.add("c2", domain.FeedbackTypeLike, "greet", "help")
	f.feedback.add("c3", domain.FeedbackTypeLike, "greet", "zzz")

	run, err := f.tuner.Run(ctx, domain.RunTriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, snap, _ := f.versions.Active()
	if got := snap.Stats().States; got != 5 {
		t.Fatalf("expected the matrix capped at 5 states, got %d", got)
	}
	if snap.Count("greet", "help") != 1.8 || snap.Count("greet", "zzz") != 0 {
		t.Fatalf("expected help kept and zzz dropped, got help=%v zzz=%v",
			snap.Count("greet", "help"), snap.Count("greet", "zzz"))
	}
	if math.Abs(snap.Count("ask", "answer")-2.8) > 1e-12 {
		t.Fatalf("expected deltas between known states applied, got %v", snap.Count("ask", "answer"))
	}
	v, _ := f.versions.Get(ctx, *run.ResultVersionID)
	if v.Summary.DeltasApplied != 2 || v.Summary.DeltasDropped != 1 {
		t.Fatalf("expected 2 applied and 1 dropped, got %+v", v.Summary)
	}
	if run.ConsumedEvents != 3 {
		t.Fatalf("expected all events consumed, got %d", run.ConsumedEvents)
	}
}

func TestFineTuner_Run_ResubmittedFeedbackCountsOnce(t *testing.T) {
	ctx := context.Background()
	in := domain.FeedbackInput{
		ConversationID: "conv-1",
		EventID:        "evt-1",
		StateSequence:  []domain.State{"greet", "ask", "answer"},
		FeedbackType:   "点踩",
	}

	tune := func(submissions int) *matrix.Snapshot {
		f := setupTunerTest(t)
		ingestor := NewFeedbackIngestor(f.feedback, testLogger())
		ingestor.now = func() time.Time { return time.Now().UTC().Add(-time.Minute) }
		for i := 0; i < submissions; i++ {
			if _, _, err := ingestor.Ingest(ctx, in); err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		}
		if _, err := f.tuner.Run(ctx, domain.RunTriggerManual); err != nil {
			t.Fatalf("Run: %v", err)
		}
		_, snap, _ := f.versions.Active()
		return snap
	}

	once := tune(1)
	twice := tune(2)
	if !twice.Equal(once) {
		t.Fatal("expected a resubmitted event to leave the same matrix as a single submission")
	}
	if got := once.Count("greet", "ask"); math.Abs(got-2.3) > 1e-12 {
		t.Fatalf("expected greet->ask 2.3, got %v", got)
	}
	if got := once.Count("ask", "answer"); math.Abs(got-1.3) > 1e-12 {
		t.Fatalf("expected ask->answer 1.3, got %v", got)
	}
}
