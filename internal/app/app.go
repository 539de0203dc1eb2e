// Package app assembles the components shared by the deposit binaries from
// the process configuration.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/semaphore"

	"deposit-orchestrator/internal/config"
	"deposit-orchestrator/internal/deposit"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/packaging"
	"deposit-orchestrator/internal/reconcile"
	"deposit-orchestrator/internal/repository"
	"deposit-orchestrator/internal/storage"
	appTemporal "deposit-orchestrator/internal/temporal"
	"deposit-orchestrator/internal/transport"
)

type App struct {
	Config       config.Config
	Log          zerolog.Logger
	Store        storage.Store
	Transports   *transport.Registry
	Repositories *repository.Registry
	Minio        *minio.Client
	Objects      *storage.MinioStore
	Orchestrator *deposit.Orchestrator
	Escalator    *escalation.Escalator
	Temporal     client.Client
	Dispatcher   reconcile.Dispatcher
	Reconciler   *reconcile.Reconciler
	Monitor      *reconcile.HealthMonitor

	inline *InlineDispatcher
}

// New connects the store, object storage and, unless dispatch is inline,
// Temporal. Close releases what New opened.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger, Transports: transport.DefaultRegistry()}

	store, err := storage.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a.Store = store

	repos, err := repository.Load(cfg.RepositoriesFile, a.Transports, logger.With().Str("component", "repositories").Logger())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load repositories: %w", err)
	}
	a.Repositories = repos

	var stager deposit.Stager
	if cfg.StagingDriver == config.StagingMemory {
		stager = storage.NewMemoryStager()
	} else {
		a.Minio, err = storage.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		a.Objects, err = storage.NewMinioStore(ctx, a.Minio, cfg.MinioBucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("prepare bucket %s: %w", cfg.MinioBucket, err)
		}
		stager = a.Objects
	}

	cache, err := deposit.NewSubmissionCache(cfg.SubmissionCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator, err = deposit.New(deposit.Options{
		Store:        store,
		Repositories: repos,
		Transports:   a.Transports,
		Packager:     packaging.NewZipPackager(),
		Stager:       stager,
		Cache:        cache,
		Logger:       logger.With().Str("component", "orchestrator").Logger(),
		MaxAttempts:  cfg.CriticalMaxAttempts,
		Timeout:      cfg.DepositTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Escalator = escalation.New(store, logger.With().Str("component", "escalation").Logger(), cfg.CriticalMaxAttempts)

	if cfg.DispatchMode == config.DispatchTemporal {
		a.Temporal, err = client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect temporal: %w", err)
		}
		a.Dispatcher = appTemporal.NewDispatcher(a.Temporal, cfg.TemporalTaskQueue, cfg.WorkflowIDPrefix, logger.With().Str("component", "dispatcher").Logger())
	} else {
		a.inline = NewInlineDispatcher(a.Orchestrator, a.Escalator, logger.With().Str("component", "dispatcher").Logger(), cfg.SweepConcurrency)
		a.Dispatcher = a.inline
	}

	a.Reconciler, err = reconcile.New(reconcile.Options{
		Store:        store,
		Repositories: repos,
		Transports:   a.Transports,
		Dispatcher:   a.Dispatcher,
		Escalator:    a.Escalator,
		Logger:       logger.With().Str("component", "reconciler").Logger(),
		MaxAttempts:  cfg.CriticalMaxAttempts,
		StaleAfter:   cfg.StaleAfter,
		Concurrency:  cfg.SweepConcurrency,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Monitor = reconcile.NewHealthMonitor(repos, a.Transports, logger.With().Str("component", "health").Logger(), cfg.SweepConcurrency)
	return a, nil
}

// WatchRepositories reloads the repository file in the background when
// REPOSITORIES_WATCH is set.
func (a *App) WatchRepositories(ctx context.Context) {
	if !a.Config.WatchRepositories {
		return
	}
	go func() {
		if err := a.Repositories.Watch(ctx); err != nil {
			a.Log.Error().Err(err).Msg("repository watcher stopped")
		}
	}()
}

// Close waits for in-process deposit runs before releasing connections.
func (a *App) Close() {
	if a.inline != nil {
		a.inline.Wait()
	}
	if a.Temporal != nil {
		a.Temporal.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("close store")
		}
	}
}

type runner interface {
	Run(ctx context.Context, depositID string) error
}

type escalator interface {
	Handle(ctx context.Context, err error) escalation.Action
}

// InlineDispatcher runs deposits on a bounded pool of goroutines in this
// process instead of starting workflows. Dispatch returns once the run is
// queued; a deposit already running is not queued twice. Run failures are
// escalated by the pool, the way the workflow escalates them.
type InlineDispatcher struct {
	orchestrator runner
	escalator    escalator
	log          zerolog.Logger
	slots        *semaphore.Weighted
	wg           sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

func NewInlineDispatcher(orchestrator runner, esc escalator, logger zerolog.Logger, concurrency int) *InlineDispatcher {
	if concurrency <= 0 {
		concurrency = reconcile.DefaultConcurrency
	}
	return &InlineDispatcher{
		orchestrator: orchestrator,
		escalator:    esc,
		log:          logger,
		slots:        semaphore.NewWeighted(int64(concurrency)),
		running:      make(map[string]struct{}),
	}
}

// Dispatch waits for a free slot only as long as ctx allows. The run itself
// is detached from ctx.
func (d *InlineDispatcher) Dispatch(ctx context.Context, depositID string) error {
	d.mu.Lock()
	if _, ok := d.running[depositID]; ok {
		d.mu.Unlock()
		d.log.Debug().Str("deposit_id", depositID).Msg("deposit already running")
		return nil
	}
	d.running[depositID] = struct{}{}
	d.mu.Unlock()

	if err := d.slots.Acquire(ctx, 1); err != nil {
		d.release(depositID)
		return fmt.Errorf("queue deposit %s: %w", depositID, err)
	}

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.slots.Release(1)
		defer d.release(depositID)

		err := d.orchestrator.Run(runCtx, depositID)
		if err == nil {
			return
		}
		if _, _, ok := domain.ResourceOf(err); ok {
			d.escalator.Handle(runCtx, err)
			return
		}
		d.log.Error().Err(err).Str("deposit_id", depositID).Msg("deposit run failed")
	}()
	return nil
}

// Wait blocks until every queued run has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

func (d *InlineDispatcher) release(depositID string) {
	d.mu.Lock()
	delete(d.running, depositID)
	d.mu.Unlock()
}
