package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/docflow/internal/adapters/http"
	"github.com/kirillkom/docflow/internal/bootstrap"
	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/observability/logging"
	"github.com/kirillkom/docflow/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger("docflow-api", cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("api_config_invalid", "error", "JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var background sync.WaitGroup
	if app.Relay != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := app.Relay.Run(ctx); err != nil {
				logger.Error("status_relay_failed", "error", err)
			}
		}()
	}
	httpMetrics := metrics.NewHTTPServerMetrics("api")
	httpMetrics.ObserveStatusTopics(app.Broadcaster.Topics)
	if cfg.APIEmbeddedWorker {
		workerMetrics := metrics.NewWorkerMetrics("api")
		if q, ok := app.Queue.(interface{ Retained() (int, int) }); ok {
			workerMetrics.ObserveRetention(q.Retained)
		}
		httpMetrics.Include(workerMetrics.Gatherer())
		pool := app.NewPool(workerMetrics)
		background.Add(1)
		go func() {
			defer background.Done()
			pool.Run(ctx)
		}()
	}

	checks := make([]httpadapter.ReadinessCheck, 0, len(app.Checks))
	for _, c := range app.Checks {
		checks = append(checks, httpadapter.ReadinessCheck{Name: c.Name, Check: c.Ping})
	}
	router := httpadapter.NewRouter(
		cfg,
		app.IntakeUC,
		app.QueryUC,
		app.Broadcaster,
		httpadapter.NewJWTAuthenticator(cfg.JWTSecret, cfg.AuthCookieName),
		httpadapter.WithMetrics(httpMetrics),
		httpadapter.WithReadinessChecks(checks...),
	).Handler()

	// No read or write timeout: live status channels stay open for the life of a job.
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "embedded_worker", cfg.APIEmbeddedWorker)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
	background.Wait()
	logger.Info("api_stopped")
}
