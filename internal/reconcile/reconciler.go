// Package reconcile holds the periodic sweeps that converge persisted state:
// submission aggregation and deposit advancement. Both sweeps only mutate
// through critical updates, so they may overlap with each other and with
// orchestration runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/metrics"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

const (
	SweepAggregation = "aggregation"
	SweepAdvancement = "advancement"

	DefaultStaleAfter  = 30 * time.Minute
	DefaultBatchSize   = 500
	DefaultConcurrency = 8
)

// Dispatcher starts an orchestration run for a deposit. Implementations may
// run it in process or hand it to a workflow engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, depositID string) error
}

type Escalator interface {
	Handle(ctx context.Context, err error) escalation.Action
}

type Repositories interface {
	Get(id string) (domain.Repository, error)
	List() []domain.Repository
}

type Transports interface {
	Lookup(protocol string) (transport.Transport, error)
}

// SweepReport summarises one sweep. Failed counts resources whose handling
// errored; the sweep itself still completes.
type SweepReport struct {
	Examined   int `json:"examined"`
	Updated    int `json:"updated"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

type Options struct {
	Store        storage.Store
	Repositories Repositories
	Transports   Transports
	Dispatcher   Dispatcher
	Escalator    Escalator
	Logger       zerolog.Logger
	MaxAttempts  int
	StaleAfter   time.Duration
	BatchSize    int
	Concurrency  int
	QueryTimeout time.Duration
	Now          func() time.Time
}

type Reconciler struct {
	deposits     storage.Deposits
	submissions  storage.Submissions
	repos        Repositories
	transports   Transports
	dispatcher   Dispatcher
	escalator    Escalator
	log          zerolog.Logger
	maxAttempts  int
	staleAfter   time.Duration
	batchSize    int
	concurrency  int
	queryTimeout time.Duration
	now          func() time.Time
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil || opts.Repositories == nil || opts.Transports == nil || opts.Dispatcher == nil || opts.Escalator == nil {
		return nil, errors.New("reconciler requires store, repositories, transports, dispatcher and escalator")
	}
	r := &Reconciler{
		deposits:     opts.Store.Deposits(),
		submissions:  opts.Store.Submissions(),
		repos:        opts.Repositories,
		transports:   opts.Transports,
		dispatcher:   opts.Dispatcher,
		escalator:    opts.Escalator,
		log:          opts.Logger,
		maxAttempts:  opts.MaxAttempts,
		staleAfter:   opts.StaleAfter,
		batchSize:    opts.BatchSize,
		concurrency:  opts.Concurrency,
		queryTimeout: opts.QueryTimeout,
		now:          opts.Now,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = critical.DefaultMaxAttempts
	}
	if r.staleAfter <= 0 {
		r.staleAfter = DefaultStaleAfter
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}
	if r.queryTimeout <= 0 {
		r.queryTimeout = transport.DefaultConnectTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// AggregateSubmissions recomputes the aggregate status of every submission
// that is not settled yet. A submission is written only when its aggregate
// changes, so consecutive sweeps without deposit changes write nothing.
func (r *Reconciler) AggregateSubmissions(ctx context.Context) (SweepReport, error) {
	started := r.now()
	defer func() { metrics.ObserveSweep(SweepAggregation, r.now().Sub(started)) }()

	subs, err := r.submissions.ListForAggregation(ctx, r.batchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list submissions for aggregation: %w", err)
	}

	var report SweepReport
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		updated, err := r.aggregate(ctx, sub)
		if err != nil {
			report.Failed++
			r.log.Error().Err(err).Str("submission_id", sub.ID).Msg("aggregation failed for submission")
			continue
		}
		if updated {
			report.Updated++
		}
	}

	metrics.RecordSweep(SweepAggregation, "examined", report.Examined)
	metrics.RecordSweep(SweepAggregation, "updated", report.Updated)
	metrics.RecordSweep(SweepAggregation, "failed", report.Failed)
	r.log.Debug().Int("examined", report.Examined).Int("updated", report.Updated).Int("failed", report.Failed).Msg("aggregation sweep finished")
	return report, nil
}

func (r *Reconciler) aggregate(ctx context.Context, sub domain.Submission) (bool, error) {
	deps, err := r.deposits.ListBySubmission(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("list deposits: %w", err)
	}
	statuses := make([]domain.DepositStatus, 0, len(deps))
	for _, d := range deps {
		statuses = append(statuses, d.Status)
	}
	target := domain.AggregateStatus(statuses)
	if target == sub.AggregatedStatus {
		return false, nil
	}

	res := critical.Apply[domain.Submission](ctx, r.submissions, critical.Update[domain.Submission]{
		Kind:         domain.KindSubmission,
		ID:           sub.ID,
		Precondition: func(s domain.Submission) bool { return s.Fault == "" && s.AggregatedStatus != target },
		Mutate: func(s domain.Submission) (domain.Submission, error) {
			s.AggregatedStatus = target
			s.UpdatedAt = r.now().UTC()
			return s, nil
		},
		Postcondition: func(s domain.Submission) bool { return s.AggregatedStatus == target },
	}, critical.WithMaxAttempts(r.maxAttempts))

	switch res.Outcome {
	case critical.OutcomeSucceeded:
		r.log.Info().Str("submission_id", sub.ID).Str("from", string(sub.AggregatedStatus)).Str("status", string(target)).Msg("submission aggregate updated")
		return true, nil
	case critical.OutcomePreconditionFailed, critical.OutcomePostconditionFailed:
		return false, nil
	default:
		return false, res.Err
	}
}

// AdvanceDeposits moves stuck deposits forward. RETRY deposits and stale
// deposits without a locator are dispatched for another orchestration run.
// Deposits holding a locator are checked against their repository and take
// the repository's verdict once it is terminal. Work runs on a bounded pool so
// one slow repository does not hold up the others.
func (r *Reconciler) AdvanceDeposits(ctx context.Context) (SweepReport, error) {
	started := r.now()
	defer func() { metrics.ObserveSweep(SweepAdvancement, r.now().Sub(started)) }()

	deps, err := r.deposits.ListAdvanceable(ctx, started.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list advanceable deposits: %w", err)
	}

	var examined, updated, dispatched, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, dep := range deps {
		if ctx.Err() != nil {
			break
		}
		dep := dep
		g.Go(func() error {
			examined.Add(1)
			switch r.advance(ctx, dep) {
			case advanceUpdated:
				updated.Add(1)
			case advanceDispatched:
				dispatched.Add(1)
			case advanceFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Examined:   int(examined.Load()),
		Updated:    int(updated.Load()),
		Dispatched: int(dispatched.Load()),
		Failed:     int(failed.Load()),
	}
	metrics.RecordSweep(SweepAdvancement, "examined", report.Examined)
	metrics.RecordSweep(SweepAdvancement, "updated", report.Updated)
	metrics.RecordSweep(SweepAdvancement, "dispatched", report.Dispatched)
	metrics.RecordSweep(SweepAdvancement, "failed", report.Failed)
	r.log.Debug().Int("examined", report.Examined).Int("updated", report.Updated).
		Int("dispatched", report.Dispatched).Int("failed", report.Failed).Msg("advancement sweep finished")
	return report, ctx.Err()
}

type advanceResult int

const (
	advanceNone advanceResult = iota
	advanceUpdated
	advanceDispatched
	advanceFailed
)

func (r *Reconciler) advance(ctx context.Context, dep domain.Deposit) advanceResult {
	logger := r.log.With().Str("deposit_id", dep.ID).Str("repository_id", dep.RepositoryID).Str("status", string(dep.Status)).Logger()

	if dep.Status == domain.DepositStatusRetry || dep.Locator == "" {
		if err := r.dispatcher.Dispatch(ctx, dep.ID); err != nil {
			logger.Error().Err(err).Msg("dispatch failed")
			// only failures of the run itself say anything about the deposit
			if _, _, ok := domain.ResourceOf(err); ok {
				r.escalator.Handle(ctx, err)
			}
			return advanceFailed
		}
		logger.Debug().Msg("deposit dispatched")
		return advanceDispatched
	}

	status, err := r.queryStatus(ctx, dep)
	if err != nil {
		// the repository stays authoritative; try again next sweep
		logger.Warn().Err(err).Msg("status query failed")
		return advanceFailed
	}
	if !status.IsTerminal() {
		return advanceNone
	}

	res := critical.Apply[domain.Deposit](ctx, r.deposits, critical.Update[domain.Deposit]{
		Kind:         domain.KindDeposit,
		ID:           dep.ID,
		Precondition: func(d domain.Deposit) bool { return !d.Status.IsTerminal() },
		Mutate: func(d domain.Deposit) (domain.Deposit, error) {
			d.Status = status
			d.StatusMessage = "reported by repository"
			d.StatusChangedAt = r.now().UTC()
			return d, nil
		},
		Postcondition: func(d domain.Deposit) bool { return d.Status == status },
	}, critical.WithMaxAttempts(r.maxAttempts))

	switch res.Outcome {
	case critical.OutcomeSucceeded:
		metrics.RecordTransition(dep.RepositoryID, SweepAdvancement, string(status))
		logger.Info().Str("remote_status", string(status)).Msg("deposit resolved by repository")
		return advanceUpdated
	case critical.OutcomePreconditionFailed, critical.OutcomePostconditionFailed:
		return advanceNone
	case critical.OutcomeExhausted:
		logger.Warn().Err(res.Err).Msg("deposit contended; leaving it for the next sweep")
		return advanceFailed
	default:
		logger.Error().Err(res.Err).Msg("recording repository status failed")
		r.escalator.Handle(ctx, domain.WithResource(domain.KindDeposit, dep.ID, res.Err))
		return advanceFailed
	}
}

// queryStatus asks the deposit's repository for its current verdict. A
// transport registered without status queries reports SUBMITTED, which leaves
// the deposit unchanged.
func (r *Reconciler) queryStatus(ctx context.Context, dep domain.Deposit) (domain.DepositStatus, error) {
	repo, err := r.repos.Get(dep.RepositoryID)
	if err != nil {
		return "", err
	}
	tr, err := r.transports.Lookup(repo.Protocol)
	if err != nil {
		return "", err
	}
	q, ok := tr.(transport.StatusQuerier)
	if !ok {
		return domain.DepositStatusSubmitted, nil
	}
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return q.QueryStatus(qctx, transport.Config(repo.Config), dep.Locator)
}
