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

	httpadapter "github.com/jaranetwork/fepy-backend/internal/adapters/http"
	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
	"github.com/jaranetwork/fepy-backend/internal/config"
	"github.com/jaranetwork/fepy-backend/internal/observability/logging"
	"github.com/jaranetwork/fepy-backend/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger("api", cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewAPIMetrics("api")
	router := httpadapter.NewRouter(app.SubmitUC, app.QueryUC, app.RetryUC, app.QueryUC, httpadapter.Options{
		RateLimit:    cfg.APIRateLimit,
		RateBurst:    cfg.APIRateBurst,
		MaxInFlight:  cfg.APIMaxInFlight,
		QueueWait:    250 * time.Millisecond,
		MaxBodyBytes: cfg.APIMaxBodyBytes,
		Recorder:     httpMetrics,
		Metrics:      httpMetrics.Handler(),
		Ready:        app.Ready,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           httpMetrics.Middleware(router.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("api_server_failed", "error", err)
			app.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.APIShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
	logger.Info("api_stopped")
}
