// jobs-service is the Controller process: it owns the database, runs the
// scheduler/DB-maintenance/sync ticks, and serves the Task API and RAP API
// over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensafely-core/job-runner/internal/api"
	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/dispatcher"
	"github.com/opensafely-core/job-runner/internal/gitfetch"
	"github.com/opensafely-core/job-runner/internal/health"
	"github.com/opensafely-core/job-runner/internal/jobdef"
	"github.com/opensafely-core/job-runner/internal/observability"
	"github.com/opensafely-core/job-runner/internal/store"
	"github.com/opensafely-core/job-runner/internal/sync"
	"github.com/opensafely-core/job-runner/internal/supervisor"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadControllerConfig()
	if len(cfg.Backends) == 0 {
		return errors.New("CONTROLLER_BACKENDS must name at least one backend")
	}

	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	syncCfg := config.LoadSyncConfig(cfg.Backends)

	db, err := store.Open(ctx, cfg.DatabaseFile)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	scheduler := controller.NewScheduler(db, controller.Limits{
		MaxWorkers:   cfg.MaxWorkers,
		MaxDBWorkers: cfg.MaxDBWorkers,
		RetryLimit:   cfg.JobRetryLimit,
	})
	rap := controller.NewRAPService(db, gitfetch.NewGitFetcher())
	rap.SetOutputChecker(jobdef.NewFilesystemOutputChecker(cfg.HighPrivacyBase, cfg.MediumPrivacyBase))

	syncClient := sync.NewClient(syncCfg.JobServerURL, syncCfg.JobServerTokens)
	syncLoop := sync.NewLoop(db, rap, syncClient, eventDispatcher, cfg.Backends, syncCfg.JobServerURL, syncCfg.JobServerTokens)

	healthChecker := health.NewChecker(db)

	router := api.NewRouter(api.RouterConfig{
		Scheduler:     scheduler,
		RAP:           rap,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		TaskAPITokens: cfg.TaskAPITokens,
		ClientTokens:  cfg.ClientTokens,
	})

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting Task API / RAP API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()

	for _, backend := range cfg.Backends {
		backend := backend
		go supervisor.Run(tickCtx, "scheduler:"+backend, cfg.SchedulerTick, func(ctx context.Context) error {
			_, err := scheduler.HandleJobs(ctx, backend)
			return err
		})
	}
	if len(cfg.MaintenanceBackends) > 0 {
		go supervisor.Run(tickCtx, "maintenance", cfg.MaintenanceTick, func(ctx context.Context) error {
			return scheduler.UpdateScheduledTasks(ctx, cfg.MaintenanceBackends)
		})
	}
	go supervisor.Run(tickCtx, "sync", syncCfg.Tick, syncLoop.Tick)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		shutdownServers(apiServer, metricsServer, 5*time.Second)
		return err
	}

	cancelTicks()

	supervisor.DrainPhases{
		MarkUnready: healthChecker.SetShuttingDown,
		DrainWait:   cfg.ShutdownDrainWait,
		Shutdown: func(timeout time.Duration) {
			shutdownServers(apiServer, metricsServer, timeout)
		},
		Cleanup: func() {
			dispatcherCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := eventDispatcher.Close(dispatcherCtx); err != nil {
				slog.Warn("dispatcher shutdown error", "error", err)
			}
			stats := eventDispatcher.Stats()
			slog.Info("dispatcher stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)
		},
	}.Run()

	slog.Info("shutdown complete")
	return nil
}

func shutdownServers(apiServer, metricsServer *http.Server, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("api server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server shutdown error", "error", err)
	}
}
