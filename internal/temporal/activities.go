package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/deposit"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

// ErrTypeUnclassified marks activity failures that the orchestrator could not
// turn into a deposit status. Their details carry an EscalateInput.
const ErrTypeUnclassified = "UnclassifiedDepositError"

type Orchestrator interface {
	Prepare(ctx context.Context, depositID string) (deposit.Plan, error)
	PackagePhase(ctx context.Context, plan deposit.Plan) (string, *deposit.Outcome, error)
	TransmitPhase(ctx context.Context, plan deposit.Plan, ref string) (deposit.Outcome, error)
	Record(ctx context.Context, depositID string, out deposit.Outcome) error
	Timeout() time.Duration
}

type Escalator interface {
	Handle(ctx context.Context, err error) escalation.Action
}

// Activities adapt the orchestrator phases to Temporal. Repository settings
// never cross the activity boundary: every activity resolves the deposit's
// plan itself, so credentials stay out of workflow history.
type Activities struct {
	Orchestrator Orchestrator
	Escalator    Escalator
	Logger       zerolog.Logger
}

type PrepareInput struct {
	DepositID string
}

type PrepareOutput struct {
	Skip         bool
	SubmissionID string
	RepositoryID string
	Status       domain.DepositStatus
}

type PackageInput struct {
	DepositID string
}

type PackageOutput struct {
	Skip    bool
	Ref     string
	Outcome *deposit.Outcome
}

type TransmitInput struct {
	DepositID string
	Ref       string
}

type TransmitOutput struct {
	Skip    bool
	Outcome deposit.Outcome
}

type RecordInput struct {
	DepositID string
	Outcome   deposit.Outcome
}

type EscalateInput struct {
	Kind       domain.ResourceKind
	ResourceID string
	Message    string
	Connection bool
}

func (a *Activities) PrepareActivity(ctx context.Context, input PrepareInput) (PrepareOutput, error) {
	plan, err := a.Orchestrator.Prepare(ctx, input.DepositID)
	if err != nil {
		return PrepareOutput{}, a.fail(err)
	}
	return PrepareOutput{
		Skip:         plan.Skip,
		SubmissionID: plan.Deposit.SubmissionID,
		RepositoryID: plan.Deposit.RepositoryID,
		Status:       plan.Deposit.Status,
	}, nil
}

func (a *Activities) PackageActivity(ctx context.Context, input PackageInput) (PackageOutput, error) {
	plan, err := a.Orchestrator.Prepare(ctx, input.DepositID)
	if err != nil {
		return PackageOutput{}, a.fail(err)
	}
	if plan.Skip {
		return PackageOutput{Skip: true}, nil
	}
	ref, out, err := a.Orchestrator.PackagePhase(ctx, plan)
	if err != nil {
		return PackageOutput{}, a.fail(err)
	}
	return PackageOutput{Ref: ref, Outcome: out}, nil
}

// TransmitActivity bounds the phase with the orchestrator timeout, which is
// shorter than the activity's start-to-close timeout, so an expired attempt
// still reports RETRY instead of timing the activity out.
func (a *Activities) TransmitActivity(ctx context.Context, input TransmitInput) (TransmitOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Orchestrator.Timeout())
	defer cancel()

	plan, err := a.Orchestrator.Prepare(ctx, input.DepositID)
	if err != nil {
		return TransmitOutput{}, a.fail(err)
	}
	if plan.Skip {
		return TransmitOutput{Skip: true}, nil
	}
	out, err := a.Orchestrator.TransmitPhase(ctx, plan, input.Ref)
	if err != nil {
		return TransmitOutput{}, a.fail(err)
	}
	return TransmitOutput{Outcome: out}, nil
}

func (a *Activities) RecordActivity(ctx context.Context, input RecordInput) error {
	err := a.Orchestrator.Record(ctx, input.DepositID, input.Outcome)
	if errors.Is(err, critical.ErrConcurrentUpdateExhausted) {
		a.Logger.Warn().Err(err).Str("deposit_id", input.DepositID).Msg("outcome not recorded; deposit left for the next sweep")
		return nil
	}
	if err != nil {
		return a.fail(err)
	}
	return nil
}

// EscalateActivity hands a failure reported by another activity to the
// escalation handler. It never fails.
func (a *Activities) EscalateActivity(ctx context.Context, input EscalateInput) (escalation.Action, error) {
	cause := errors.New(input.Message)
	if input.Connection {
		cause = &transport.ConnectionError{Endpoint: "repository", Err: cause}
	}
	return a.Escalator.Handle(ctx, domain.WithResource(input.Kind, input.ResourceID, cause)), nil
}

// fail converts an unclassified orchestrator error into an application
// error. Missing resources and configuration problems do not heal on retry.
func (a *Activities) fail(err error) error {
	kind, id, _ := domain.ResourceOf(err)
	details := EscalateInput{
		Kind:       kind,
		ResourceID: id,
		Message:    err.Error(),
		Connection: transport.IsConnectionError(err),
	}
	if errors.Is(err, storage.ErrNotFound) || transport.IsConfigurationError(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnclassified, err, details)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeUnclassified, err, details)
}
