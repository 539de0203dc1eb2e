package temporal

import (
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"deposit-orchestrator/internal/deposit"
	"deposit-orchestrator/internal/domain"
)

const DepositWorkflowName = "DepositWorkflow"

type WorkflowInput struct {
	DepositID string
}

type WorkflowResult struct {
	DepositID string
	Status    domain.DepositStatus
	Skipped   bool
}

// DepositWorkflow runs one orchestration attempt for a deposit. Each phase is
// its own activity; the outcome is recorded with a critical update, so a
// workflow that loses a race against a sweep ends without changing anything.
func DepositWorkflow(ctx workflow.Context, input WorkflowInput) (WorkflowResult, error) {
	phase := PhasePreparing
	if err := workflow.SetQueryHandler(ctx, PhaseQueryName, func() (string, error) {
		return phase, nil
	}); err != nil {
		return WorkflowResult{}, err
	}
	skipped := WorkflowResult{DepositID: input.DepositID, Skipped: true}

	var prepared PrepareOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyPrepare), (*Activities).PrepareActivity, PrepareInput{
		DepositID: input.DepositID,
	}).Get(ctx, &prepared); err != nil {
		return WorkflowResult{}, escalate(ctx, err)
	}
	if prepared.Skip {
		phase = PhaseDone
		skipped.Status = prepared.Status
		return skipped, nil
	}

	phase = string(deposit.PhasePendingPackage)
	var packaged PackageOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyPackage), (*Activities).PackageActivity, PackageInput{
		DepositID: input.DepositID,
	}).Get(ctx, &packaged); err != nil {
		return WorkflowResult{}, escalate(ctx, err)
	}
	if packaged.Skip {
		phase = PhaseDone
		return skipped, nil
	}

	outcome := packaged.Outcome
	if outcome == nil {
		phase = string(deposit.PhasePendingTransport)
		var transmitted TransmitOutput
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyTransmit), (*Activities).TransmitActivity, TransmitInput{
			DepositID: input.DepositID,
			Ref:       packaged.Ref,
		}).Get(ctx, &transmitted); err != nil {
			return WorkflowResult{}, escalate(ctx, err)
		}
		if transmitted.Skip {
			phase = PhaseDone
			return skipped, nil
		}
		outcome = &transmitted.Outcome
	}

	phase = PhaseRecording
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyRecord), (*Activities).RecordActivity, RecordInput{
		DepositID: input.DepositID,
		Outcome:   *outcome,
	}).Get(ctx, nil); err != nil {
		return WorkflowResult{}, escalate(ctx, err)
	}

	phase = PhaseDone
	workflow.GetLogger(ctx).Info("deposit attempt finished", "deposit_id", input.DepositID, "status", outcome.Status)
	return WorkflowResult{DepositID: input.DepositID, Status: outcome.Status}, nil
}

// escalate reports an activity failure to the escalation handler and returns
// the original error so the workflow fails with it.
func escalate(ctx workflow.Context, err error) error {
	in := EscalateInput{Message: err.Error()}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.HasDetails() {
		_ = appErr.Details(&in)
	}
	if escErr := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyEscalate), (*Activities).EscalateActivity, in).Get(ctx, nil); escErr != nil {
		workflow.GetLogger(ctx).Error("escalation activity failed", "error", escErr)
	}
	return err
}
