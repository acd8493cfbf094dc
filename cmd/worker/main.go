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

	"golang.org/x/sync/errgroup"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
	"github.com/jaranetwork/fepy-backend/internal/config"
	"github.com/jaranetwork/fepy-backend/internal/observability/logging"
	"github.com/jaranetwork/fepy-backend/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger("worker", cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	w, err := app.NewWorker(workerMetrics)
	if err != nil {
		logger.Error("worker_init_failed", "error", err)
		app.Close()
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Process.Run(gctx, app.Queue, cfg.WorkerConcurrency)
	})
	g.Go(func() error {
		return w.Render.Run(gctx, app.Queue, cfg.RenderConcurrency)
	})
	g.Go(func() error {
		return w.Scheduler.Run(gctx)
	})
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           workerMetrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("worker_metrics_listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_failed", "error", err)
		app.Close()
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}
