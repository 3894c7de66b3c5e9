package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultTuneSchedule    = "0 0 2 * * 0"
	DefaultCollectSchedule = "0 0 1 * * *"

	defaultRetryDelay  = time.Minute
	defaultRunTimeout  = 5 * time.Minute
	defaultMaxAttempts = 3
	taskQueueSize      = 8
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type SchedulerConfig struct {
	TuneSchedule       string
	CollectSchedule    string
	EarlyTuneThreshold int
	RetryDelay         time.Duration
	RunTimeout         time.Duration
}

type tuneTask struct {
	trigger domain.RunTrigger
	attempt int
}

// Scheduler fires the timed collection and tuning jobs. Cron entries only
// enqueue work; a single worker drains the queue into the FineTuner, so timed
// runs never pile up behind each other.
type Scheduler struct {
	tuner         *FineTuner
	feedbackStore domain.FeedbackStore
	logger        *zap.Logger
	cfg           SchedulerConfig

	cron    *cron.Cron
	tasks   chan tuneTask
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// runCtx parents every run and is cancelled by Stop.
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

func NewScheduler(tuner *FineTuner, fs domain.FeedbackStore, logger *zap.Logger, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.TuneSchedule == "" {
		cfg.TuneSchedule = DefaultTuneSchedule
	}
	if cfg.CollectSchedule == "" {
		cfg.CollectSchedule = DefaultCollectSchedule
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	for _, spec := range []string{cfg.TuneSchedule, cfg.CollectSchedule} {
		if _, err := cronParser.Parse(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	runCtx, cancelRuns := context.WithCancel(context.Background())
	return &Scheduler{
		tuner:         tuner,
		feedbackStore: fs,
		logger:        logger,
		cfg:           cfg,
		tasks:         make(chan tuneTask, taskQueueSize),
		stopCh:        make(chan struct{}),
		runCtx:        runCtx,
		cancelRuns:    cancelRuns,
	}, nil
}

// Start registers the cron entries and starts the worker.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.cfg.TuneSchedule, func() {
		s.Enqueue(domain.RunTriggerPeriodic)
	}); err != nil {
		return fmt.Errorf("register tune job: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.CollectSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Collect(ctx); err != nil {
			s.logger.Error("feedback collection failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register collect job: %w", err)
	}

	s.wg.Add(1)
	go s.work()
	s.cron.Start()

	s.logger.Info("scheduler started",
		zap.String("tune_schedule", s.cfg.TuneSchedule),
		zap.String("collect_schedule", s.cfg.CollectSchedule),
		zap.Int("early_tune_threshold", s.cfg.EarlyTuneThreshold))
	return nil
}

// Stop halts the cron timers, cancels the in-flight run and drops anything
// still queued. A cancelled run aborts and leaves its events for the next one.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("scheduler stop timed out waiting for cron jobs")
		}
	}
	close(s.stopCh)
	s.cancelRuns()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Enqueue asks for a run without waiting for it. It reports false when the
// scheduler is stopped or the queue is full.
func (s *Scheduler) Enqueue(trigger domain.RunTrigger) bool {
	return s.enqueue(tuneTask{trigger: trigger, attempt: 1})
}

func (s *Scheduler) enqueue(t tuneTask) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.tasks <- t:
		return true
	default:
		s.logger.Warn("tune queue full, dropping task", zap.String("trigger", string(t.trigger)))
		return false
	}
}

// Collect reconciles the version pointers with the database, refreshes the
// pending-events gauge and queues an early run once the backlog reaches the
// configured threshold.
func (s *Scheduler) Collect(ctx context.Context) (int, error) {
	if err := s.tuner.versions.Reconcile(ctx); err != nil {
		s.logger.Warn("failed to reconcile version pointers", zap.Error(err))
	}

	n, err := s.feedbackStore.CountUnconsumed(ctx)
	if err != nil {
		return 0, fmt.Errorf("count unconsumed feedback: %w", err)
	}
	observability.PendingEvents.Set(float64(n))
	s.logger.Info("feedback collected", zap.Int("pending_events", n))

	if s.cfg.EarlyTuneThreshold > 0 && n >= s.cfg.EarlyTuneThreshold {
		s.logger.Info("pending feedback reached threshold, queueing early run",
			zap.Int("pending_events", n),
			zap.Int("threshold", s.cfg.EarlyTuneThreshold))
		s.Enqueue(domain.RunTriggerCollection)
	}
	return n, nil
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.tasks:
			s.execute(t)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) execute(t tuneTask) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.RunTimeout)
	defer cancel()

	_, err := s.tuner.Run(ctx, t.trigger)
	if err == nil {
		return
	}
	if IsRunConflict(err) && t.attempt < defaultMaxAttempts {
		s.logger.Info("run conflicted, retrying later",
			zap.String("trigger", string(t.trigger)),
			zap.Int("attempt", t.attempt),
			zap.Duration("delay", s.cfg.RetryDelay),
			zap.Error(err))
		s.retryLater(tuneTask{trigger: t.trigger, attempt: t.attempt + 1})
		return
	}
	s.logger.Error("scheduled run failed",
		zap.String("trigger", string(t.trigger)),
		zap.Int("attempt", t.attempt),
		zap.Error(err))
}

func (s *Scheduler) retryLater(t tuneTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.enqueue(t)
		case <-s.stopCh:
		}
	}()
}
