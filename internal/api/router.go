package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/api/handlers"
	mw "github.com/Harshitk-cp/markovtune/internal/api/middleware"
	"github.com/Harshitk-cp/markovtune/internal/broadcast"
	"github.com/Harshitk-cp/markovtune/internal/buildconfig"
	"github.com/Harshitk-cp/markovtune/internal/config"
	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/notify"
	"github.com/Harshitk-cp/markovtune/internal/service"
	"github.com/Harshitk-cp/markovtune/internal/store"
	"github.com/Harshitk-cp/markovtune/internal/validator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const runLockName = "fine_tune"

// App holds the router and background services for lifecycle management.
type App struct {
	Router    *chi.Mux
	Versions  *service.VersionManager
	Tuner     *service.FineTuner
	Scheduler *service.Scheduler
	Bus       domain.ActivationBus

	feedbackStore domain.FeedbackStore
	runStore      domain.RunStore
	serving       *service.ServingService
	startTime     time.Time
	requestCount  atomic.Int64
	errorCount    atomic.Int64
}

// NewApp wires stores, services and handlers. rdb may be nil, which disables
// cross-replica sync and the Redis promotion channel.
func NewApp(db *pgxpool.Pool, rdb *goredis.Client, logger *zap.Logger) (*App, error) {
	// Stores
	feedbackStore := store.NewFeedbackStore(db)
	versionStore := store.NewVersionStore(db)
	runStore := store.NewRunStore(db)
	runLock := store.NewAdvisoryLock(db, runLockName)

	policy, err := service.ParseActivationPolicy(config.ActivationPolicy())
	if err != nil {
		return nil, err
	}
	gate, err := service.NewPromotionGate(config.SignificanceThreshold())
	if err != nil {
		return nil, err
	}

	// Services
	guard := service.NewRunGuard(runLock)
	versions := service.NewVersionManager(versionStore, guard, logger)
	versions.SetActivationPolicy(policy)

	ingestor := service.NewFeedbackIngestor(feedbackStore, logger)
	tuner := service.NewFineTuner(feedbackStore, runStore, versions, guard, gate, logger)
	tuner.SetBatchLimit(config.TuneBatchLimit())
	tuner.SetMinEvents(config.TuneMinEvents())
	tuner.SetMaxStates(config.MaxStates())
	tuner.SetValidator(buildValidator(logger))

	var publishers notify.Multi
	if url := config.CICDWebhookURL(); url != "" {
		publishers = append(publishers, notify.NewWebhook(url, config.CICDAPIToken()))
		logger.Info("CI/CD webhook enabled")
	} else {
		logger.Warn("CICD_WEBHOOK_URL not set, promotions will not reach CI/CD")
	}

	var bus domain.ActivationBus
	if rdb != nil {
		prefix := config.RedisChannelPrefix()
		bus = broadcast.NewRedisBus(rdb, prefix, logger)
		versions.SetActivationBus(bus)
		publishers = append(publishers, notify.NewRedisPublisher(rdb, prefix))
		logger.Info("redis activation sync enabled", zap.String("prefix", prefix))
	}
	if len(publishers) > 0 {
		tuner.SetPublisher(publishers)
	}

	scheduler, err := service.NewScheduler(tuner, feedbackStore, logger, service.SchedulerConfig{
		TuneSchedule:       config.TuneSchedule(),
		CollectSchedule:    config.CollectSchedule(),
		EarlyTuneThreshold: config.EarlyTuneThreshold(),
		RetryDelay:         config.SchedulerRetryDelay(),
		RunTimeout:         config.RunTimeout(),
	})
	if err != nil {
		return nil, err
	}

	serving := service.NewServingService(versions.Matrix())
	serving.SetMinProbability(config.SuggestionMinProbability())

	// Handlers
	feedbackHandler := handlers.NewFeedbackHandler(ingestor)
	tuningHandler := handlers.NewTuningHandler(tuner, runStore, config.RunTimeout())
	versionHandler := handlers.NewVersionHandler(versions)
	servingHandler := handlers.NewServingHandler(serving)

	r := chi.NewRouter()

	app := &App{
		Router:        r,
		Versions:      versions,
		Tuner:         tuner,
		Scheduler:     scheduler,
		Bus:           bus,
		feedbackStore: feedbackStore,
		runStore:      runStore,
		serving:       serving,
		startTime:     time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)                                                 // Generate/extract request ID first
	r.Use(middleware.RealIP)                                            // Extract real IP
	r.Use(metricsCollector.Middleware)                                  // Collect metrics
	r.Use(mw.Logging(logger))                                           // Log all requests
	r.Use(middleware.Recoverer)                                         // Recover from panics
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst())) // Rate limiting

	// Health and scrape (no auth)
	r.Get("/health", healthHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	adminKeys := map[mw.Principal]string{mw.PrincipalAdmin: config.AdminAPIKey()}
	intakeKeys := map[mw.Principal]string{mw.PrincipalAdmin: config.AdminAPIKey(), mw.PrincipalIntake: config.IntakeAPIKey()}
	if config.IntakeAPIKey() == "" {
		intakeKeys = nil
	}

	r.Route("/v1", func(r chi.Router) {
		// Intake and serving
		r.Group(func(r chi.Router) {
			r.Use(mw.TokenAuth(intakeKeys))
			r.Post("/feedback", feedbackHandler.Create)
			r.Get("/distribution/{state}", servingHandler.Distribution)
			r.Get("/suggestions/{state}", servingHandler.Suggestions)
		})

		// Operators
		r.Group(func(r chi.Router) {
			r.Use(mw.TokenAuth(adminKeys))
			r.Get("/stats", app.statsHandler())
			r.Route("/admin", func(r chi.Router) {
				r.Post("/fine-tune", tuningHandler.Trigger)
				r.Get("/runs", tuningHandler.ListRuns)
			})
			r.Route("/versions", func(r chi.Router) {
				r.Get("/", versionHandler.List)
				r.Get("/{id}", versionHandler.Get)
				r.Post("/{id}/rollback", versionHandler.Rollback)
			})
		})
	})

	return app, nil
}

func buildValidator(logger *zap.Logger) domain.TransitionValidator {
	chain := validator.Chain{validator.NewRules(
		config.ValidatorMaxStateLength(),
		config.ValidatorDenyStates(),
		config.ValidatorRejectSelfLoops(),
		config.ValidatorMaxDelta(),
	)}
	if url := config.ValidatorURL(); url != "" {
		chain = append(chain, validator.NewRemote(url))
		logger.Info("remote rule engine enabled", zap.String("url", url))
	}
	return chain
}

// StartSync subscribes to activations announced by other replicas.
func (app *App) StartSync(ctx context.Context, logger *zap.Logger) error {
	if app.Bus == nil {
		return nil
	}
	return app.Bus.Subscribe(ctx, func(versionID int64) {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := app.Versions.SyncActive(syncCtx, versionID); err != nil {
			logger.Error("failed to sync active version",
				zap.Int64("version_id", versionID),
				zap.Error(err))
		}
	})
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		resp := map[string]string{"status": "ok"}
		for k, v := range buildconfig.VersionInfo() {
			resp[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (app *App) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		activeID, matrixStats := app.serving.Stats()

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version":        runtime.Version(),
			"active_version_id": activeID,
			"head_version_id":   app.Versions.HeadID(),
			"matrix":            matrixStats,
			"cached_snapshots":  app.Versions.Matrix().Cached(),
			"fine_tune_running": app.Tuner.Busy(),
		}

		if n, err := app.feedbackStore.CountUnconsumed(r.Context()); err == nil {
			response["pending_events"] = n
		}
		if runs, err := app.runStore.List(r.Context(), 1); err == nil && len(runs) > 0 {
			response["last_run"] = runs[0]
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and adapters satisfy interfaces at compile time.
var (
	_ domain.FeedbackStore       = (*store.FeedbackStore)(nil)
	_ domain.VersionStore        = (*store.VersionStore)(nil)
	_ domain.RunStore            = (*store.RunStore)(nil)
	_ domain.RunLock             = (*store.AdvisoryLock)(nil)
	_ domain.ActivationBus       = (*broadcast.RedisBus)(nil)
	_ domain.PromotionPublisher  = (*notify.Webhook)(nil)
	_ domain.PromotionPublisher  = (*notify.RedisPublisher)(nil)
	_ domain.PromotionPublisher  = notify.Multi(nil)
	_ domain.TransitionValidator = (*validator.Rules)(nil)
	_ domain.TransitionValidator = (*validator.Remote)(nil)
	_ domain.TransitionValidator = validator.Chain(nil)
)
