package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Cartesion-product/slide-svc/internal/config"
	"github.com/Cartesion-product/slide-svc/internal/platform/gemini"
	"github.com/Cartesion-product/slide-svc/internal/platform/minio"
	"github.com/Cartesion-product/slide-svc/internal/platform/postgres"
	"github.com/Cartesion-product/slide-svc/internal/platform/redis"
	"github.com/Cartesion-product/slide-svc/internal/scheduler"
	"github.com/Cartesion-product/slide-svc/internal/service"
	"github.com/Cartesion-product/slide-svc/internal/service/auth"
)

// application holds the composed dependency graph for the server.
type application struct {
	config      *config.Config
	logger      *slog.Logger
	db          *sql.DB
	urlCache    *redis.URLCache
	scheduler   *scheduler.Scheduler
	taskService service.TaskService
	jwtService  auth.JWTService
}

// newApplication wires every component together: database, object storage,
// URL cache, generation invoker, scheduler, and services.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := setupDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, err
	}

	taskStore := postgres.NewPostgresTaskStore(db)
	defaultStore := postgres.NewPostgresDefaultResultStore(db)

	artifactStore, err := minio.NewArtifactStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	var urlCache *redis.URLCache
	if cfg.Redis.Addr != "" {
		urlCache, err = redis.NewURLCache(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("redis address not configured, presigned URL caching disabled")
	}

	invoker, err := gemini.NewInvoker(ctx, cfg.Generation, artifactStore, logger)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(taskStore, defaultStore, artifactStore, invoker, scheduler.Config{
		MaxRunning:  cfg.Scheduler.MaxRunning,
		MaxWaiting:  cfg.Scheduler.MaxWaiting,
		CancelGrace: cfg.Scheduler.CancelGrace,
	}, logger)

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, err
	}

	// A nil interface value must stay nil, not wrap a nil pointer.
	var cache service.URLCache
	if urlCache != nil {
		cache = urlCache
	}

	taskService := service.NewTaskService(
		taskStore,
		defaultStore,
		sched,
		artifactStore,
		cache,
		cfg.Storage.PresignExpiry,
		logger,
	)

	return &application{
		config:      cfg,
		logger:      logger,
		db:          db,
		urlCache:    urlCache,
		scheduler:   sched,
		taskService: taskService,
		jwtService:  jwtService,
	}, nil
}

// cleanup releases resources after the HTTP server has drained. The
// scheduler is stopped first so in-flight generations get their grace
// period before connections close.
func (app *application) cleanup() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.scheduler.Stop(stopCtx); err != nil {
		app.logger.Error("scheduler shutdown failed", "error", err)
	}

	if app.urlCache != nil {
		if err := app.urlCache.Close(); err != nil {
			app.logger.Error("failed to close redis connection", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database connection", "error", err)
	}
}

// setupDatabase establishes the database connection and configures the
// connection pool.
func setupDatabase(cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return db, nil
}
