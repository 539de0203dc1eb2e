package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"deposit-orchestrator/internal/app"
	"deposit-orchestrator/internal/config"
	"deposit-orchestrator/internal/logging"
	"deposit-orchestrator/internal/metrics"
	appTemporal "deposit-orchestrator/internal/temporal"
)

func main() {
	logger := logging.New("worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.DispatchMode != config.DispatchTemporal {
		logger.Fatal().Str("dispatch_mode", cfg.DispatchMode).Msg("worker requires DISPATCH_MODE=temporal")
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

	activities := &appTemporal.Activities{
		Orchestrator: a.Orchestrator,
		Escalator:    a.Escalator,
		Logger:       logger.With().Str("component", "activities").Logger(),
	}

	w := worker.New(a.Temporal, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(appTemporal.DepositWorkflow, workflow.RegisterOptions{Name: appTemporal.DepositWorkflowName})
	w.RegisterActivity(activities.PrepareActivity)
	w.RegisterActivity(activities.PackageActivity)
	w.RegisterActivity(activities.TransmitActivity)
	w.RegisterActivity(activities.RecordActivity)
	w.RegisterActivity(activities.EscalateActivity)

	logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Int("repositories", len(a.Repositories.List())).Msg("worker running")
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
}
