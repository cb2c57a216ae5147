package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/focusqueue/internal/api"
	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/cache"
	"github.com/phrazzld/focusqueue/internal/config"
	"github.com/phrazzld/focusqueue/internal/events"
	"github.com/phrazzld/focusqueue/internal/platform/cmdanalyzer"
	"github.com/phrazzld/focusqueue/internal/platform/sqlite"
	"github.com/phrazzld/focusqueue/internal/resource"
	"github.com/phrazzld/focusqueue/internal/worker"
)

// application bundles every long-lived component so startup and shutdown
// stay in one place.
type application struct {
	config     *config.Config
	logger     *slog.Logger
	db         *sql.DB
	store      *sqlite.QueueStore
	breaker    *breaker.Breaker
	pool       *worker.Pool
	controller *resource.Controller
	server     *http.Server

	cleanupDone chan struct{}
	cleanupStop context.CancelFunc
}

// newApplication wires the whole pipeline: store, cache, guarded analyzer,
// worker pool, resource controller, and the HTTP surface.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := sqlite.Open(cfg.Queue.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	store := sqlite.NewQueueStore(db, cfg.Queue.MaxRetries)

	resultCache, err := cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLMinutes)*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	analyzer := cmdanalyzer.New(cmdanalyzer.Config{
		Command: cfg.Analyzer.Command,
		Args:    cfg.Analyzer.Args,
		Timeout: time.Duration(cfg.Analyzer.TimeoutSeconds) * time.Second,
	}, logger)

	emitter := events.NewInMemoryEmitter(logger)

	brk := breaker.New(analyzer, resultCache, breaker.Settings{
		FailureThreshold:       cfg.Breaker.FailureThreshold,
		InitialRecoveryTimeout: time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
		MaxRecoveryTimeout:     time.Duration(cfg.Breaker.MaxRecoveryTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls:       cfg.Breaker.HalfOpenMaxCalls,
		CallTimeout:            time.Duration(cfg.Breaker.CallTimeoutSeconds) * time.Second,
		TimeoutCountsAsFailure: cfg.Breaker.TimeoutCountsAsFailure,
	}, logger, emitter)
	if cfg.Breaker.StatePath != "" {
		if err := brk.LoadState(cfg.Breaker.StatePath); err != nil {
			logger.Warn("could not restore breaker state, starting fresh", "error", err)
		}
	}

	pool := worker.NewPool(store, brk, worker.Config{
		MaxWorkers:     cfg.Worker.MaxWorkers,
		PollInterval:   time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		StopTimeout:    time.Duration(cfg.Worker.StopTimeoutSeconds) * time.Second,
		RetryBaseDelay: time.Duration(cfg.Worker.RetryBaseDelaySeconds) * time.Second,
		RetryMaxDelay:  time.Duration(cfg.Worker.RetryMaxDelaySeconds) * time.Second,
		StaleAfter:     time.Duration(cfg.Queue.StaleAfterMinutes) * time.Minute,
	}, logger)
	pool.SetEmitter(emitter)

	sampler, err := resource.NewHostSampler(cfg.Resource.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource sampler: %w", err)
	}
	controller := resource.NewController(sampler, pool, resource.Config{
		CheckInterval: time.Duration(cfg.Resource.CheckIntervalSeconds) * time.Second,
		Thresholds: resource.Thresholds{
			MemoryWarning:  cfg.Resource.MemoryWarning,
			MemoryCritical: cfg.Resource.MemoryCritical,
			CPUWarning:     cfg.Resource.CPUWarning,
			CPUCritical:    cfg.Resource.CPUCritical,
			DiskWarning:    cfg.Resource.DiskWarning,
			DiskCritical:   cfg.Resource.DiskCritical,
			RecoveryMargin: cfg.Resource.RecoveryMargin,
		},
		AlertHistorySize: cfg.Resource.AlertHistorySize,
	}, logger, emitter)
	pool.SetAdmissionChecker(controller)

	items := api.NewItemHandler(store, logger)
	stats := api.NewStatsHandler(store, pool, brk, controller, logger)
	router := api.NewRouter(items, stats)

	return &application{
		config:     cfg,
		logger:     logger,
		db:         db,
		store:      store,
		breaker:    brk,
		pool:       pool,
		controller: controller,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router,
		},
	}, nil
}

// start launches the background loops and the HTTP listener.
func (app *application) start() error {
	if err := app.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	app.controller.Start()
	app.startCleanupLoop()

	app.logger.Info("server starting",
		"port", app.config.Server.Port,
		"database", app.config.Queue.DatabasePath,
		"max_workers", app.config.Worker.MaxWorkers)

	if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// startCleanupLoop purges old completed items once a day so the single
// storage file does not grow without bound.
func (app *application) startCleanupLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	app.cleanupStop = cancel
	app.cleanupDone = make(chan struct{})

	age := time.Duration(app.config.Queue.CleanupAfterDays) * 24 * time.Hour
	go func() {
		defer close(app.cleanupDone)

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := app.store.CleanupOlderThan(ctx, age)
				if err != nil {
					app.logger.Error("queue cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					app.logger.Info("purged old completed items", "count", n, "older_than", age)
				}
			}
		}
	}()
}

// shutdown stops components in dependency order: HTTP first so no new work
// arrives, then the controller and pool, then state persistence.
func (app *application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http server shutdown failed", "error", err)
	}

	app.controller.Stop()

	if err := app.pool.Stop(); err != nil {
		app.logger.Warn("worker pool did not drain cleanly", "error", err)
	}

	if app.cleanupStop != nil {
		app.cleanupStop()
		<-app.cleanupDone
	}

	if path := app.config.Breaker.StatePath; path != "" {
		if err := app.breaker.SaveState(path); err != nil {
			app.logger.Error("failed to persist breaker state", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}

	app.logger.Info("shutdown complete")
}
