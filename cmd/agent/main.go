// agent is the per-backend Agent process: it drives one backend's Executor
// Adapter through the Task Runner loop, polling the Controller's
// Task API and never touching the database directly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensafely-core/job-runner/internal/agentrunner"
	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/executor/docker"
	"github.com/opensafely-core/job-runner/internal/executor/memory"
	"github.com/opensafely-core/job-runner/internal/health"
	"github.com/opensafely-core/job-runner/internal/observability"
	"github.com/opensafely-core/job-runner/internal/supervisor"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadAgentConfig()
	if cfg.Backend == "" {
		return errors.New("BACKEND must be set")
	}
	if cfg.TaskAPIURL == "" {
		return errors.New("TASK_API_URL must be set")
	}

	exec, closeExec, err := newExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeExec()

	_, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker(exec)

	taskClient := agentrunner.NewTaskAPIClient(cfg.TaskAPIURL, cfg.TaskAPIToken)
	runner := agentrunner.New(cfg.Backend, taskClient, exec)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Liveness(r.Context()))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthChecker.Readiness(r.Context())
		status := http.StatusOK
		if !resp.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		writeHealthStatus(w, resp, status)
	})
	healthMux.Handle("GET /metrics", metricsHandler)

	healthServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      healthMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting agent health/metrics server", "port", cfg.MetricsPort, "backend", cfg.Backend)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go supervisor.Run(pollCtx, "agent:"+cfg.Backend, cfg.PollInterval, runner.Tick)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		shutdownServer(healthServer, 5*time.Second)
		return err
	}

	cancelPoll()

	supervisor.DrainPhases{
		MarkUnready: healthChecker.SetShuttingDown,
		DrainWait:   cfg.ShutdownDrainWait,
		Shutdown: func(timeout time.Duration) {
			shutdownServer(healthServer, timeout)
		},
	}.Run()

	slog.Info("shutdown complete")
	return nil
}

// newExecutor builds the Docker-backed Executor, unless the Agent is
// configured to run against the local dummy-data backend, in which case it
// uses the in-memory Executor instead — the same substitution tests use.
func newExecutor(ctx context.Context, cfg *config.AgentConfig) (executor.Executor, func(), error) {
	if cfg.UsesDummyDataBackend {
		exec := memory.New()
		exec.SetLogBundleBase(cfg.HighPrivacyBase)
		return exec, func() {}, nil
	}

	dockerCfg := docker.LoadConfigFromEnv()
	dockerCfg.HighPrivacyBase = cfg.HighPrivacyBase
	dockerCfg.MediumPrivacyBase = cfg.MediumPrivacyBase
	dockerCfg.PrivateRepoAccessToken = cfg.PrivateRepoAccessToken

	exec, err := docker.New(ctx, dockerCfg)
	if err != nil {
		return nil, nil, err
	}
	return exec, func() {
		if err := exec.Close(); err != nil {
			slog.Warn("executor close error", "error", err)
		}
	}, nil
}

func shutdownServer(server *http.Server, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("health server shutdown error", "error", err)
	}
}

func writeHealth(w http.ResponseWriter, resp *health.Response) {
	writeHealthStatus(w, resp, http.StatusOK)
}

func writeHealthStatus(w http.ResponseWriter, resp *health.Response, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
