// Package escalation is the backstop for errors that escape orchestration
// unclassified. It marks the referenced resource and never fails itself.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/metrics"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

type Action string

const (
	ActionLogged           Action = "logged"
	ActionDepositRetry     Action = "deposit_retry"
	ActionDepositFailed    Action = "deposit_failed"
	ActionSubmissionFailed Action = "submission_failed"
	ActionNotApplicable    Action = "not_applicable"
	ActionUpdateFailed     Action = "update_failed"
)

type Escalator struct {
	deposits    storage.Deposits
	submissions storage.Submissions
	log         zerolog.Logger
	maxAttempts int
	now         func() time.Time
}

func New(store storage.Store, logger zerolog.Logger, maxAttempts int) *Escalator {
	if maxAttempts <= 0 {
		maxAttempts = critical.DefaultMaxAttempts
	}
	return &Escalator{
		deposits:    store.Deposits(),
		submissions: store.Submissions(),
		log:         logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Handle marks the resource referenced by err. It never panics; failures of
// its own updates are logged and reported through the returned Action.
func (e *Escalator) Handle(ctx context.Context, err error) (action Action) {
	if err == nil {
		return ActionLogged
	}
	kind, id, _ := domain.ResourceOf(err)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).AnErr("cause", err).Msg("escalation panicked")
			action = ActionUpdateFailed
		}
		metrics.RecordEscalation(kind.String(), string(action))
	}()

	switch kind {
	case domain.KindDeposit:
		return e.deposit(ctx, id, err)
	case domain.KindSubmission:
		return e.submission(ctx, id, err)
	default:
		e.log.Error().Err(err).Msg("unrecoverable error without resource reference")
		return ActionLogged
	}
}

func (e *Escalator) deposit(ctx context.Context, id string, cause error) Action {
	target, action := domain.DepositStatusFailed, ActionDepositFailed
	if transport.IsConnectionError(cause) {
		target, action = domain.DepositStatusRetry, ActionDepositRetry
	}

	res := critical.Apply[domain.Deposit](ctx, e.deposits, critical.Update[domain.Deposit]{
		Kind:         domain.KindDeposit,
		ID:           id,
		Precondition: func(d domain.Deposit) bool { return !d.Status.IsTerminal() },
		Mutate: func(d domain.Deposit) (domain.Deposit, error) {
			d.Status = target
			d.StatusMessage = fmt.Sprintf("escalated: %v", cause)
			d.StatusChangedAt = e.now().UTC()
			return d, nil
		},
		Postcondition: func(d domain.Deposit) bool { return d.Status == target },
	}, critical.WithMaxAttempts(e.maxAttempts))

	logger := e.log.With().Str("deposit_id", id).Str("status", string(target)).Str("outcome", string(res.Outcome)).Logger()
	switch res.Outcome {
	case critical.OutcomeSucceeded:
		logger.Warn().Err(cause).Msg("deposit escalated")
		return action
	case critical.OutcomePreconditionFailed:
		logger.Info().Err(cause).Msg("deposit already terminal; escalation dropped")
		return ActionNotApplicable
	default:
		logger.Error().Err(res.Err).AnErr("cause", cause).Msg("deposit escalation failed")
		return ActionUpdateFailed
	}
}

func (e *Escalator) submission(ctx context.Context, id string, cause error) Action {
	res := critical.Apply[domain.Submission](ctx, e.submissions, critical.Update[domain.Submission]{
		Kind:         domain.KindSubmission,
		ID:           id,
		Precondition: func(s domain.Submission) bool { return s.Fault == "" },
		Mutate: func(s domain.Submission) (domain.Submission, error) {
			s.AggregatedStatus = domain.SubmissionStatusFailed
			s.Fault = cause.Error()
			s.UpdatedAt = e.now().UTC()
			return s, nil
		},
		Postcondition: func(s domain.Submission) bool { return s.AggregatedStatus == domain.SubmissionStatusFailed },
	}, critical.WithMaxAttempts(e.maxAttempts))

	logger := e.log.With().Str("submission_id", id).Str("outcome", string(res.Outcome)).Logger()
	switch res.Outcome {
	case critical.OutcomeSucceeded:
		logger.Warn().Err(cause).Msg("submission marked failed")
		return ActionSubmissionFailed
	case critical.OutcomePreconditionFailed:
		logger.Info().Err(cause).Msg("submission already faulted")
		return ActionNotApplicable
	default:
		logger.Error().Err(res.Err).AnErr("cause", cause).Msg("submission escalation failed")
		return ActionUpdateFailed
	}
}
