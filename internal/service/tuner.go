package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
	"github.com/Harshitk-cp/markovtune/internal/observability"
	"github.com/Harshitk-cp/markovtune/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBatchLimit = 10000
	defaultMinEvents  = 1

	// finishTimeout bounds the bookkeeping write of a run that was cancelled.
	finishTimeout = 10 * time.Second
	// reconcileTimeout bounds the pointer refresh after a lost commit.
	reconcileTimeout = 10 * time.Second
)

var ErrRunAborted = errors.New("fine-tuning run aborted")

// IsRunConflict reports whether err means another writer got there first.
// Conflicting runs leave everything untouched and may simply be retried.
func IsRunConflict(err error) bool {
	return errors.Is(err, ErrConcurrentFineTune) ||
		errors.Is(err, store.ErrStaleParent) ||
		errors.Is(err, store.ErrEventsClaimed)
}

// FineTuner turns unconsumed feedback into the next model version.
type FineTuner struct {
	feedbackStore domain.FeedbackStore
	runStore      domain.RunStore
	versions      *VersionManager
	guard         *RunGuard
	aggregator    *EventAggregator
	analyzer      *ChangeAnalyzer
	gate          *PromotionGate
	validator     domain.TransitionValidator
	publisher     domain.PromotionPublisher
	logger        *zap.Logger

	minEvents  int
	batchLimit int
	maxStates  int
	now        func() time.Time
}

func NewFineTuner(fs domain.FeedbackStore, rs domain.RunStore, versions *VersionManager, guard *RunGuard, gate *PromotionGate, logger *zap.Logger) *FineTuner {
	return &FineTuner{
		feedbackStore: fs,
		runStore:      rs,
		versions:      versions,
		guard:         guard,
		aggregator:    NewEventAggregator(),
		analyzer:      NewChangeAnalyzer(),
		gate:          gate,
		logger:        logger,
		minEvents:     defaultMinEvents,
		batchLimit:    defaultBatchLimit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (t *FineTuner) SetValidator(v domain.TransitionValidator) {
	t.validator = v
}

func (t *FineTuner) SetPublisher(p domain.PromotionPublisher) {
	t.publisher = p
}

func (t *FineTuner) SetMinEvents(n int) {
	if n > 0 {
		t.minEvents = n
	}
}

func (t *FineTuner) SetBatchLimit(n int) {
	if n > 0 {
		t.batchLimit = n
	}
}

// SetMaxStates caps the number of distinct states in the matrix. Deltas that
// would add a state past the cap are dropped; 0 disables the cap.
func (t *FineTuner) SetMaxStates(n int) {
	if n >= 0 {
		t.maxStates = n
	}
}

// Busy reports whether a run or rollback currently holds the guard.
func (t *FineTuner) Busy() bool {
	return t.guard.Busy()
}

// Run executes one fine-tuning run. A concurrent call returns
// ErrConcurrentFineTune without recording anything. Any failure after the run
// is recorded marks it aborted, leaves its events unconsumed and the active
// version untouched, and returns an error wrapping ErrRunAborted.
func (t *FineTuner) Run(ctx context.Context, trigger domain.RunTrigger) (*domain.FineTuningRun, error) {
	release, err := t.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrConcurrentFineTune) {
			observability.RunsTotal.WithLabelValues(string(trigger), "conflict").Inc()
		}
		return nil, err
	}
	defer release()

	started := time.Now()
	parentID, parent, err := t.versions.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}
	// Drift is measured against what readers are served, so unpromoted
	// versions add up until their combined change crosses the gate.
	_, served, err := t.versions.Active()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}

	run := &domain.FineTuningRun{
		ID:              uuid.New(),
		Trigger:         trigger,
		Status:          domain.RunStatusPending,
		ParentVersionID: parentID,
		WindowEnd:       t.now(),
		StartedAt:       t.now(),
	}
	if err := t.runStore.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: record run: %w", ErrRunAborted, err)
	}

	logger := t.logger.With(
		zap.String("run_id", run.ID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int64("parent_version_id", parentID))

	events, err := t.feedbackStore.ListUnconsumed(ctx, run.WindowEnd, t.batchLimit)
	if err != nil {
		return t.abort(run, started, logger, fmt.Errorf("list unconsumed events: %w", err))
	}
	if len(events) < t.minEvents {
		logger.Info("not enough feedback, skipping run",
			zap.Int("events", len(events)),
			zap.Int("min_events", t.minEvents))
		return t.finish(run, domain.RunStatusSkipped, started, logger)
	}

	agg := t.aggregator.Aggregate(events)
	run.WindowStart = agg.WindowStart

	accepted, rejected, err := t.validate(ctx, agg.Deltas, logger)
	if err != nil {
		return t.abort(run, started, logger, err)
	}
	accepted, capped := t.capStates(parent, accepted, logger)
	rejected += capped

	candidate, normErrs := parent.Apply(accepted)
	for _, ne := range normErrs {
		logger.Warn("dropping delta that breaks normalization", zap.Error(ne))
	}
	if len(normErrs) > 0 {
		observability.DeltasDropped.WithLabelValues("normalization").Add(float64(len(normErrs)))
	}

	analysis := t.analyzer.Analyze(served, candidate, agg.Visits)
	analysis.Summary.DeltasApplied = len(accepted) - len(normErrs)
	analysis.Summary.DeltasDropped = rejected + len(normErrs)
	decision := t.gate.Decide(analysis.Drift)

	drift := analysis.Drift
	run.DriftScore = &drift
	run.Promoted = decision.Promote
	run.ConsumedEventIDs = agg.EventIDs
	run.ConsumedEvents = len(agg.EventIDs)
	run.Status = domain.RunStatusApplied
	finished := t.now()
	run.FinishedAt = &finished

	version, activated, err := t.versions.Commit(ctx, CommitRequest{
		ParentID:  parentID,
		Candidate: candidate,
		Analysis:  analysis,
		Decision:  decision,
		Run:       run,
		EventIDs:  agg.EventIDs,
	})
	if err != nil {
		run.ConsumedEventIDs = nil
		run.ConsumedEvents = 0
		run.DriftScore = nil
		run.Promoted = false
		if IsRunConflict(err) {
			t.reconcile(ctx, logger)
		}
		return t.abort(run, started, logger, err)
	}
	run.ResultVersionID = &version.ID

	observability.RunsTotal.WithLabelValues(string(trigger), string(domain.RunStatusApplied)).Inc()
	observability.RunDuration.WithLabelValues(string(domain.RunStatusApplied)).Observe(time.Since(started).Seconds())
	observability.DriftScore.Observe(drift)
	observability.EventsConsumed.Add(float64(len(agg.EventIDs)))

	logger.Info("fine-tuning run applied",
		zap.Int64("version_id", version.ID),
		zap.Int("events", len(agg.EventIDs)),
		zap.Int("deltas_applied", analysis.Summary.DeltasApplied),
		zap.Int("deltas_dropped", analysis.Summary.DeltasDropped),
		zap.Float64("drift", drift),
		zap.Bool("promoted", decision.Promote),
		zap.Bool("activated", activated))

	if decision.Promote {
		t.publish(ctx, version, logger)
	}
	return run, nil
}

// validate consults the rule engine for each delta. Rejections drop the delta;
// any other validator error fails the run.
func (t *FineTuner) validate(ctx context.Context, deltas []domain.TransitionDelta, logger *zap.Logger) ([]domain.TransitionDelta, int, error) {
	if t.validator == nil {
		return deltas, 0, nil
	}
	accepted := make([]domain.TransitionDelta, 0, len(deltas))
	rejected := 0
	for _, d := range deltas {
		err := t.validator.Validate(ctx, d)
		if err == nil {
			accepted = append(accepted, d)
			continue
		}
		var rej *domain.RejectionError
		if errors.As(err, &rej) {
			rejected++
			logger.Info("validator rejected transition",
				zap.String("source", string(d.Source)),
				zap.String("target", string(d.Target)),
				zap.Float64("delta", d.Delta),
				zap.String("reason", rej.Reason))
			continue
		}
		return nil, rejected, fmt.Errorf("validate %s->%s: %w", d.Source, d.Target, err)
	}
	if rejected > 0 {
		observability.DeltasDropped.WithLabelValues("validator").Add(float64(rejected))
	}
	return accepted, rejected, nil
}

// capStates drops deltas that would introduce a state once the matrix holds
// maxStates distinct states. Deltas arrive sorted, so the same batch always
// keeps the same states.
func (t *FineTuner) capStates(parent *matrix.Snapshot, deltas []domain.TransitionDelta, logger *zap.Logger) ([]domain.TransitionDelta, int) {
	if t.maxStates <= 0 {
		return deltas, 0
	}
	known := parent.States()
	kept := make([]domain.TransitionDelta, 0, len(deltas))
	dropped := 0
	for _, d := range deltas {
		added := 0
		if !known[d.Source] {
			added++
		}
		if d.Target != d.Source && !known[d.Target] {
			added++
		}
		if added > 0 && len(known)+added > t.maxStates {
			dropped++
			logger.Info("dropping delta past the state limit",
				zap.String("source", string(d.Source)),
				zap.String("target", string(d.Target)),
				zap.Int("max_states", t.maxStates))
			continue
		}
		known[d.Source] = true
		known[d.Target] = true
		kept = append(kept, d)
	}
	if dropped > 0 {
		observability.DeltasDropped.WithLabelValues("state_limit").Add(float64(dropped))
	}
	return kept, dropped
}

// reconcile refreshes the version pointers after another writer won the
// commit, so the next attempt starts from the current head.
func (t *FineTuner) reconcile(ctx context.Context, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	if err := t.versions.Reconcile(rctx); err != nil {
		logger.Error("failed to reconcile version pointers", zap.Error(err))
	}
}

func (t *FineTuner) publish(ctx context.Context, v *domain.ModelVersion, logger *zap.Logger) {
	if t.publisher == nil {
		return
	}
	ev := domain.PromotionEvent{
		VersionID:   v.ID,
		ParentID:    v.ParentID,
		DriftScore:  v.DriftScore,
		Significant: v.Promoted,
		DiffSummary: v.Summary,
		CreatedAt:   v.CreatedAt,
	}
	if err := t.publisher.Publish(ctx, ev); err != nil {
		observability.PromotionsTotal.WithLabelValues("failed").Inc()
		logger.Error("failed to publish promotion event",
			zap.Int64("version_id", v.ID),
			zap.Error(err))
		return
	}
	observability.PromotionsTotal.WithLabelValues("published").Inc()
}

func (t *FineTuner) abort(run *domain.FineTuningRun, started time.Time, logger *zap.Logger, cause error) (*domain.FineTuningRun, error) {
	run.Status = domain.RunStatusAborted
	run.Error = cause.Error()
	finished := t.now()
	run.FinishedAt = &finished

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := t.runStore.Finish(ctx, run); err != nil {
		logger.Error("failed to record aborted run", zap.Error(err))
	}

	status := string(domain.RunStatusAborted)
	if IsRunConflict(cause) {
		status = "conflict"
	}
	observability.RunsTotal.WithLabelValues(string(run.Trigger), status).Inc()
	observability.RunDuration.WithLabelValues(string(domain.RunStatusAborted)).Observe(time.Since(started).Seconds())
	logger.Warn("fine-tuning run aborted", zap.Error(cause))
	return run, fmt.Errorf("%w: %w", ErrRunAborted, cause)
}

func (t *FineTuner) finish(run *domain.FineTuningRun, status domain.RunStatus, started time.Time, logger *zap.Logger) (*domain.FineTuningRun, error) {
	run.Status = status
	finished := t.now()
	run.FinishedAt = &finished

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := t.runStore.Finish(ctx, run); err != nil {
		return t.abort(run, started, logger, fmt.Errorf("record run: %w", err))
	}
	observability.RunsTotal.WithLabelValues(string(run.Trigger), string(status)).Inc()
	observability.RunDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
	return run, nil
}
