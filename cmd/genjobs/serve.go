package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"genjobs/internal/api"
	"genjobs/internal/artifact"
	"genjobs/internal/cancel"
	"genjobs/internal/config"
	"genjobs/internal/estimator"
	"genjobs/internal/fonts"
	"genjobs/internal/health"
	"genjobs/internal/job"
	"genjobs/internal/logging"
	"genjobs/internal/notify"
	"genjobs/internal/observability"
	"genjobs/internal/supervisor"
	"genjobs/internal/sysmetrics"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServiceConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			logging.Setup(os.Stdout, cfg.LogLevel)

			if err := serve(cmd.Context(), cfg); err != nil {
				slog.Error("Service failed", "error", err)
				return err
			}
			return nil
		},
	}
}

// newLauncher builds the configured worker launcher. The returned close
// function releases launcher resources after the supervisor has shut down.
func newLauncher(cfg *config.ServiceConfig) (supervisor.Launcher, func(), error) {
	switch cfg.Launcher {
	case config.LauncherDocker:
		l, err := supervisor.NewDockerLauncher(supervisor.DockerConfig{
			Image:         cfg.WorkerImage,
			GPUDevices:    cfg.GPUDevices,
			DataDir:       cfg.DataDir,
			FontsDir:      cfg.FontsDir,
			LogMaxSizeMB:  cfg.WorkerLogMaxSizeMB,
			LogMaxBackups: cfg.WorkerLogMaxBackups,
		})
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if removed, err := l.RemoveOrphans(ctx); err != nil {
			slog.Warn("Orphaned worker cleanup failed", "error", err)
		} else if len(removed) > 0 {
			slog.Info("Orphaned workers removed", "jobs", removed)
		}
		return l, func() {
			if err := l.Close(); err != nil {
				slog.Warn("Docker client close error", "error", err)
			}
		}, nil
	case config.LauncherInline:
		slog.Warn("Inline launcher selected: workers share the service process and cannot be force-killed")
		return supervisor.InlineLauncher{Stderr: os.Stderr}, func() {}, nil
	default:
		return &supervisor.ProcessLauncher{
			Env:           []string{"LOG_LEVEL=" + cfg.LogLevel},
			LogMaxSizeMB:  cfg.WorkerLogMaxSizeMB,
			LogMaxBackups: cfg.WorkerLogMaxBackups,
		}, func() {}, nil
	}
}

func serve(ctx context.Context, cfg *config.ServiceConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback notifier
	notifier := notify.New(notify.LoadConfigFromEnv(), metrics)

	est := estimator.New(
		estimator.NewFileStore(cfg.StatsFile),
		estimator.WithSmoothing(cfg.StatsSmoothing),
	)
	err = metrics.ObserveStepEstimates(func() map[string]float64 {
		out := make(map[string]float64)
		for step, st := range est.Snapshot() {
			out[step] = st.AverageDurationSeconds
		}
		return out
	})
	if err != nil {
		slog.Warn("Step estimate gauge unavailable", "error", err)
	}

	launcher, closeLauncher, err := newLauncher(cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()
	slog.Info("Worker launcher ready", "launcher", launcher.Name())

	sup := supervisor.New(launcher, supervisor.Config{
		StopGracePeriod: cfg.StopGracePeriod,
		FontsDir:        cfg.FontsDir,
		DefaultFont:     cfg.DefaultFont,
		Commands:        cfg.StepCommands,
		Stats:           est.Snapshot,
		Metrics:         metrics,
	})

	fontResolver := fonts.NewResolver(cfg.FontsDir, cfg.DefaultFont)
	fontsCheck := health.ReadinessFunc(func(context.Context) error {
		list, err := fontResolver.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fonts.ErrNoFonts
		}
		return nil
	})

	// Create health checker
	healthChecker := health.NewChecker(sup,
		health.WithCheck("storage", health.WritableDir(cfg.DataDir), true),
		health.WithCheck("fonts", fontsCheck, false),
	)

	// Create job service
	jobService := job.NewService(job.Dependencies{
		Registry:   job.NewRegistry(cfg.MaxJobs),
		Flags:      cancel.NewStore(),
		Supervisor: sup,
		Artifacts:  artifact.NewStore(cfg.DataDir, &http.Client{Timeout: 60 * time.Second}),
		Estimator:  est,
		Sampler:    sysmetrics.NewSampler(2 * time.Second),
		Notifier:   notifier,
		Metrics:    metrics,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Fonts:         fontResolver,
		Stats:         est,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. WriteTimeout stays generous for inline image uploads.
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// stopWorkers terminates the running worker, if any, and drains callbacks.
	stopWorkers := func() {
		supCtx, supCancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+10*time.Second)
		defer supCancel()
		if err := sup.Shutdown(supCtx); err != nil {
			slog.Warn("Supervisor shutdown error", "error", err)
		}

		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}

		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		stopWorkers()
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the worker and drain callbacks. A job cut short here
	// ends as stopped and its callback is still delivered.
	slog.Info("Stopping workers")
	stopWorkers()

	slog.Info("Shutdown complete")
	return nil
}
