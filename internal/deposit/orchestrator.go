// Package deposit drives a single deposit through packaging, transport and
// result recording.
//
// A run moves through three phases. PENDING_PACKAGE builds the package and
// stages it, PENDING_TRANSPORT opens a session to the target repository and
// PENDING_RESULT sends the package. Each phase ends either in the next phase
// or in an Outcome naming the status the deposit should take. Outcomes are
// written with a critical update whose precondition requires the deposit to
// still be non-terminal, so a run that loses a race against a sweep or a
// concurrent run is a no-op.
//
// Transport and packaging failures are classified here and never returned as
// errors. Anything else is returned tagged with the deposit reference for
// escalation.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/metrics"
	"deposit-orchestrator/internal/packaging"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

type Phase string

const (
	PhasePendingPackage   Phase = "PENDING_PACKAGE"
	PhasePendingTransport Phase = "PENDING_TRANSPORT"
	PhasePendingResult    Phase = "PENDING_RESULT"
)

const (
	DefaultTimeout = 10 * time.Minute
	// RecordTimeout bounds writing an outcome after the attempt itself ended.
	RecordTimeout = 30 * time.Second
)

type Packager interface {
	Build(ctx context.Context, req packaging.Request) (transport.Package, error)
}

type Stager interface {
	Stage(ctx context.Context, key string, pkg transport.Package) error
	Load(ctx context.Context, key string) (transport.Package, error)
}

type Repositories interface {
	Get(id string) (domain.Repository, error)
}

type Transports interface {
	Lookup(protocol string) (transport.Transport, error)
}

// Outcome is the status a phase decided for the deposit.
type Outcome struct {
	Phase   Phase                `json:"phase"`
	Status  domain.DepositStatus `json:"status"`
	Locator string               `json:"locator,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// Plan is the resolved input of one run.
type Plan struct {
	Deposit    domain.Deposit    `json:"deposit"`
	Submission domain.Submission `json:"submission"`
	Repository domain.Repository `json:"repository"`
	Skip       bool              `json:"skip"`
}

type Options struct {
	Store        storage.Store
	Repositories Repositories
	Transports   Transports
	Packager     Packager
	Stager       Stager
	Cache        *SubmissionCache
	Logger       zerolog.Logger
	MaxAttempts  int
	Timeout      time.Duration
	Now          func() time.Time
}

type Orchestrator struct {
	deposits    storage.Deposits
	submissions storage.Submissions
	repos       Repositories
	transports  Transports
	packager    Packager
	stager      Stager
	cache       *SubmissionCache
	log         zerolog.Logger
	maxAttempts int
	timeout     time.Duration
	now         func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Repositories == nil || opts.Transports == nil || opts.Packager == nil || opts.Stager == nil {
		return nil, errors.New("orchestrator requires store, repositories, transports, packager and stager")
	}
	cache := opts.Cache
	if cache == nil {
		var err error
		if cache, err = NewSubmissionCache(DefaultCacheSize); err != nil {
			return nil, err
		}
	}
	o := &Orchestrator{
		deposits:    opts.Store.Deposits(),
		submissions: opts.Store.Submissions(),
		repos:       opts.Repositories,
		transports:  opts.Transports,
		packager:    opts.Packager,
		stager:      opts.Stager,
		cache:       cache,
		log:         opts.Logger,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		now:         opts.Now,
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = critical.DefaultMaxAttempts
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// Run performs one complete orchestration attempt for the deposit. The
// attempt is bounded by the configured timeout and by any deadline on ctx.
// The outcome is recorded on a context detached from both, so an attempt
// that ran out of time is still marked RETRY.
func (o *Orchestrator) Run(ctx context.Context, depositID string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	plan, err := o.Prepare(attemptCtx, depositID)
	if err != nil {
		return err
	}
	if plan.Skip {
		return nil
	}

	ref, out, err := o.PackagePhase(attemptCtx, plan)
	if err != nil {
		return err
	}
	if out == nil {
		transmitted, err := o.TransmitPhase(attemptCtx, plan, ref)
		if err != nil {
			return err
		}
		out = &transmitted
	}

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), RecordTimeout)
	defer cancelRecord()
	return o.Record(recordCtx, depositID, *out)
}

// Prepare loads the deposit, its submission and its repository. Terminal
// deposits produce a plan with Skip set.
func (o *Orchestrator) Prepare(ctx context.Context, depositID string) (Plan, error) {
	dep, _, err := o.deposits.Get(ctx, depositID)
	if err != nil {
		return Plan{}, domain.WithResource(domain.KindDeposit, depositID, fmt.Errorf("load deposit: %w", err))
	}
	logger := o.log.With().Str("deposit_id", dep.ID).Str("submission_id", dep.SubmissionID).Str("repository_id", dep.RepositoryID).Logger()
	if dep.Status.IsTerminal() {
		logger.Debug().Str("status", string(dep.Status)).Msg("deposit already terminal; skipping")
		return Plan{Deposit: dep, Skip: true}, nil
	}

	sub, err := o.cache.get(ctx, dep.SubmissionID, o.submissions.Get)
	if err != nil {
		return Plan{}, domain.WithResource(domain.KindDeposit, depositID, fmt.Errorf("load submission %s: %w", dep.SubmissionID, err))
	}
	repo, err := o.repos.Get(dep.RepositoryID)
	if err != nil {
		// an unknown repository never resolves by itself
		return Plan{Deposit: dep, Submission: sub}, domain.WithResource(domain.KindDeposit, depositID, &transport.ConfigurationError{Reason: err.Error()})
	}
	return Plan{Deposit: dep, Submission: sub, Repository: repo}, nil
}

// PackagePhase builds and stages the package. It returns the staging key, or
// an Outcome when packaging decided the deposit's status.
func (o *Orchestrator) PackagePhase(ctx context.Context, plan Plan) (string, *Outcome, error) {
	logger := o.logger(plan, PhasePendingPackage)
	pkg, err := o.packager.Build(ctx, packaging.Request{Deposit: plan.Deposit, Submission: plan.Submission, Repository: plan.Repository})
	if err != nil {
		if isDeadline(ctx, err) {
			logger.Warn().Err(err).Msg("attempt deadline exceeded while packaging")
			return "", &Outcome{Phase: PhasePendingPackage, Status: domain.DepositStatusRetry, Reason: "attempt deadline exceeded"}, nil
		}
		logger.Error().Err(err).Msg("packaging failed")
		return "", &Outcome{Phase: PhasePendingPackage, Status: domain.DepositStatusFailed, Reason: err.Error()}, nil
	}

	key := storage.StagingKey(plan.Deposit.ID, pkg.Name)
	if err := o.stager.Stage(ctx, key, pkg); err != nil {
		return "", nil, domain.WithResource(domain.KindDeposit, plan.Deposit.ID, err)
	}
	logger.Debug().Str("package", pkg.Name).Int64("size", pkg.Size).Str("checksum", pkg.Checksum).Msg("package staged")
	return key, nil, nil
}

// TransmitPhase opens a session to the repository and sends the staged
// package. The send itself is not interrupted when ctx expires; the attempt
// is abandoned and reported as RETRY while the send runs to completion.
func (o *Orchestrator) TransmitPhase(ctx context.Context, plan Plan, ref string) (Outcome, error) {
	logger := o.logger(plan, PhasePendingTransport)

	pkg, err := o.stager.Load(ctx, ref)
	if err != nil {
		return Outcome{}, domain.WithResource(domain.KindDeposit, plan.Deposit.ID, fmt.Errorf("load staged package: %w", err))
	}

	cfg := transport.Config(plan.Repository.Config)
	tr, err := o.transports.Lookup(plan.Repository.Protocol)
	if err != nil {
		logger.Error().Err(err).Msg("no transport for repository")
		return Outcome{Phase: PhasePendingTransport, Status: domain.DepositStatusFailed, Reason: err.Error()}, nil
	}

	sess, err := tr.Open(ctx, cfg)
	if err != nil {
		switch {
		case transport.IsConnectionError(err), isDeadline(ctx, err):
			logger.Warn().Err(err).Msg("repository unreachable")
			return Outcome{Phase: PhasePendingTransport, Status: domain.DepositStatusRetry, Reason: err.Error()}, nil
		default:
			logger.Error().Err(err).Msg("open session failed")
			return Outcome{Phase: PhasePendingTransport, Status: domain.DepositStatusFailed, Reason: err.Error()}, nil
		}
	}

	logger = o.logger(plan, PhasePendingResult)
	type sent struct {
		receipt transport.Receipt
		err     error
	}
	done := make(chan sent, 1)
	started := o.now()
	go func() {
		defer sess.Close()
		receipt, err := sess.Send(context.WithoutCancel(ctx), pkg)
		metrics.RecordSend(tr.Protocol(), err == nil, o.now().Sub(started))
		done <- sent{receipt: receipt, err: err}
	}()

	var res sent
	select {
	case res = <-done:
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("attempt deadline exceeded during send")
		return Outcome{Phase: PhasePendingResult, Status: domain.DepositStatusRetry, Reason: "attempt deadline exceeded during send"}, nil
	}

	if err := res.err; err != nil {
		switch {
		case transport.IsProtocolRejection(err):
			logger.Warn().Err(err).Msg("repository rejected package")
			return Outcome{Phase: PhasePendingResult, Status: domain.DepositStatusRejected, Reason: err.Error()}, nil
		case transport.IsConnectionError(err):
			logger.Warn().Err(err).Msg("connection lost during send")
			return Outcome{Phase: PhasePendingResult, Status: domain.DepositStatusRetry, Reason: err.Error()}, nil
		default:
			logger.Error().Err(err).Msg("send failed")
			return Outcome{Phase: PhasePendingResult, Status: domain.DepositStatusFailed, Reason: err.Error()}, nil
		}
	}

	status := res.receipt.Status
	if status == domain.DepositStatusUnset {
		status = domain.DepositStatusAccepted
	}
	logger.Info().Str("locator", res.receipt.Locator).Str("status", string(status)).Msg("package delivered")
	return Outcome{Phase: PhasePendingResult, Status: status, Locator: res.receipt.Locator, Reason: res.receipt.Message}, nil
}

// Record applies out to the deposit. Losing a race is not an error. When the
// engine runs out of attempts the deposit is left for the next sweep and the
// returned error carries no resource reference.
func (o *Orchestrator) Record(ctx context.Context, depositID string, out Outcome) error {
	if out.Status == domain.DepositStatusUnset {
		return domain.WithResource(domain.KindDeposit, depositID, fmt.Errorf("outcome of phase %s has no status", out.Phase))
	}
	res := critical.Apply[domain.Deposit](ctx, o.deposits, critical.Update[domain.Deposit]{
		Kind:         domain.KindDeposit,
		ID:           depositID,
		Precondition: func(d domain.Deposit) bool { return !d.Status.IsTerminal() },
		Mutate: func(d domain.Deposit) (domain.Deposit, error) {
			d.Status = out.Status
			d.StatusMessage = truncate(out.Reason, 1024)
			if d.Locator == "" && out.Locator != "" {
				d.Locator = out.Locator
			}
			d.Attempts++
			d.StatusChangedAt = o.now().UTC()
			return d, nil
		},
		Postcondition: func(d domain.Deposit) bool { return d.Status == out.Status },
	}, critical.WithMaxAttempts(o.maxAttempts))

	logger := o.log.With().Str("deposit_id", depositID).Str("phase", string(out.Phase)).
		Str("status", string(out.Status)).Str("outcome", string(res.Outcome)).Logger()
	switch res.Outcome {
	case critical.OutcomeSucceeded:
		metrics.RecordTransition(res.State.RepositoryID, string(out.Phase), string(out.Status))
		logger.Info().Int("attempts", res.State.Attempts).Msg("deposit status recorded")
		return nil
	case critical.OutcomePreconditionFailed:
		logger.Info().Str("current", string(res.State.Status)).Msg("deposit already terminal; outcome dropped")
		return nil
	case critical.OutcomePostconditionFailed:
		logger.Warn().Err(res.Err).Msg("deposit changed concurrently; outcome dropped")
		return nil
	case critical.OutcomeExhausted:
		logger.Warn().Err(res.Err).Msg("deposit contended; leaving it for the next sweep")
		return res.Err
	default:
		return domain.WithResource(domain.KindDeposit, depositID, res.Err)
	}
}

func (o *Orchestrator) logger(plan Plan, phase Phase) zerolog.Logger {
	return o.log.With().
		Str("deposit_id", plan.Deposit.ID).
		Str("submission_id", plan.Deposit.SubmissionID).
		Str("repository_id", plan.Deposit.RepositoryID).
		Str("phase", string(phase)).
		Logger()
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
