package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deposit-orchestrator/internal/app"
	"deposit-orchestrator/internal/config"
	"deposit-orchestrator/internal/logging"
	"deposit-orchestrator/internal/metrics"
	"deposit-orchestrator/internal/reconcile"
)

func main() {
	logger := logging.New("reconciler")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise")
	}
	defer a.Close()
	a.WatchRepositories(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	runner := reconcile.NewRunner(a.Reconciler, a.Monitor, reconcile.Intervals{
		Aggregation: cfg.AggregationInterval,
		Advancement: cfg.AdvancementInterval,
		Health:      cfg.HealthInterval,
	}, logger.With().Str("component", "runner").Logger())

	logger.Info().
		Dur("aggregation_interval", cfg.AggregationInterval).
		Dur("advancement_interval", cfg.AdvancementInterval).
		Dur("health_interval", cfg.HealthInterval).
		Msg("reconciler running")
	if err := runner.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("reconciler stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
