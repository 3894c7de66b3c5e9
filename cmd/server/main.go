package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/api"
	"github.com/Harshitk-cp/markovtune/internal/broadcast"
	"github.com/Harshitk-cp/markovtune/internal/buildconfig"
	"github.com/Harshitk-cp/markovtune/internal/config"
	"github.com/Harshitk-cp/markovtune/internal/matrix"
	"github.com/Harshitk-cp/markovtune/internal/store"
	"github.com/Harshitk-cp/markovtune/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	logger.Info("starting markovtune",
		zap.String("version", buildconfig.Version()),
		zap.String("commit", buildconfig.Commit()))

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}
	logger.Info("connected to database")

	var migrationFS fs.FS = migrations.FS
	if p := config.MigrationsPath(); p != "" {
		migrationFS = os.DirFS(p)
	}
	if err := store.Migrate(ctx, pool, migrationFS, logger); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	var rdb *goredis.Client
	if addr := config.RedisAddr(); addr != "" {
		rdb, err = broadcast.NewRedisClient(ctx, addr)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		logger.Info("connected to redis", zap.String("addr", addr))
	}

	if config.AdminAPIKey() == "" {
		logger.Warn("ADMIN_API_KEY not set, admin endpoints are unauthenticated")
	}

	app, err := api.NewApp(pool, rdb, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	var seed *matrix.Snapshot
	if p := config.SeedMatrixPath(); p != "" {
		seed, err = matrix.LoadSeedFile(p)
		if err != nil {
			logger.Fatal("failed to load seed matrix", zap.String("path", p), zap.Error(err))
		}
	}
	active, err := app.Versions.Bootstrap(ctx, seed)
	if err != nil {
		logger.Fatal("failed to bootstrap model versions", zap.Error(err))
	}
	logger.Info("serving model version", zap.Int64("version_id", active.ID))

	if err := app.StartSync(ctx, logger); err != nil {
		logger.Fatal("failed to subscribe to activations", zap.Error(err))
	}

	// Start background services
	if err := app.Scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	// Stop background services; an in-flight run is cancelled
	app.Scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
