package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Intervals struct {
	Aggregation time.Duration
	Advancement time.Duration
	Health      time.Duration
}

// Runner drives the sweeps and the health monitor on independent tickers.
type Runner struct {
	reconciler *Reconciler
	monitor    *HealthMonitor
	intervals  Intervals
	log        zerolog.Logger
}

func NewRunner(reconciler *Reconciler, monitor *HealthMonitor, intervals Intervals, logger zerolog.Logger) *Runner {
	return &Runner{reconciler: reconciler, monitor: monitor, intervals: intervals, log: logger}
}

// Run blocks until ctx is cancelled. A zero interval disables that loop.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.every(ctx, g, SweepAggregation, r.intervals.Aggregation, func(ctx context.Context) error {
		_, err := r.reconciler.AggregateSubmissions(ctx)
		return err
	})
	r.every(ctx, g, SweepAdvancement, r.intervals.Advancement, func(ctx context.Context) error {
		_, err := r.reconciler.AdvanceDeposits(ctx)
		return err
	})
	if r.monitor != nil {
		r.every(ctx, g, "health", r.intervals.Health, func(ctx context.Context) error {
			r.monitor.CheckAll(ctx)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) every(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		r.log.Info().Str("loop", name).Msg("loop disabled")
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		r.log.Info().Str("loop", name).Dur("interval", interval).Msg("loop started")
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					// sweep-level failures (listing) are retried on the next tick
					r.log.Error().Err(err).Str("loop", name).Msg("sweep failed")
				}
			}
		}
	})
}
