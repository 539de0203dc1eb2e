package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"deposit-orchestrator/internal/api"
	"deposit-orchestrator/internal/app"
	"deposit-orchestrator/internal/config"
	"deposit-orchestrator/internal/logging"
	"deposit-orchestrator/internal/metrics"
)

func main() {
	logger := logging.New("api")

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

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Store.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("store ping")
	}
	a.WatchRepositories(ctx)

	h := api.NewHandler(api.Options{
		Intake:         a.Orchestrator,
		Dispatcher:     a.Dispatcher,
		Sweeps:         a.Reconciler,
		Escalator:      a.Escalator,
		Repositories:   a.Repositories,
		Prober:         a.Monitor,
		Store:          a.Store,
		Logger:         logger.With().Str("component", "http").Logger(),
		MaxIntakeBytes: cfg.MaxIntakeBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Str("dispatch_mode", cfg.DispatchMode).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
