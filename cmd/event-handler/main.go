package main

import (
	"context"
	"os/signal"
	"syscall"

	"deposit-orchestrator/internal/app"
	"deposit-orchestrator/internal/config"
	"deposit-orchestrator/internal/events"
	"deposit-orchestrator/internal/logging"
	"deposit-orchestrator/internal/metrics"
)

func main() {
	logger := logging.New("event-handler")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.StagingDriver != config.StagingMinio {
		logger.Fatal().Str("staging_driver", cfg.StagingDriver).Msg("event-handler reads intake documents from minio")
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

	source := events.NewMinioIntakeEventSource(a.Minio, cfg.MinioBucket, cfg.IntakePrefix)
	handler := events.NewIntakeHandler(a.Objects, a.Orchestrator, a.Dispatcher, a.Escalator, logger.With().Str("component", "intake").Logger())

	logger.Info().Str("bucket", cfg.MinioBucket).Str("prefix", cfg.IntakePrefix).Msg("event-handler listening for intake documents")
	if err := source.Run(ctx, handler.Handle); err != nil {
		logger.Fatal().Err(err).Msg("event-handler stopped with error")
	}
}
