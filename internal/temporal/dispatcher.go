package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

const startTimeout = 15 * time.Second

// WorkflowStarter is the part of client.Client the dispatcher uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts one DepositWorkflow per deposit. The workflow id is
// derived from the deposit id, so at most one attempt per deposit runs at a
// time; a dispatch while one is running is a no-op.
type Dispatcher struct {
	client    WorkflowStarter
	taskQueue string
	idPrefix  string
	log       zerolog.Logger
}

func NewDispatcher(c WorkflowStarter, taskQueue, idPrefix string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: c, taskQueue: taskQueue, idPrefix: idPrefix, log: logger}
}

func (d *Dispatcher) WorkflowID(depositID string) string {
	return fmt.Sprintf("%s-%s", d.idPrefix, depositID)
}

func (d *Dispatcher) Dispatch(ctx context.Context, depositID string) error {
	workflowID := d.WorkflowID(depositID)
	execCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	run, err := d.client.ExecuteWorkflow(execCtx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, DepositWorkflowName, WorkflowInput{DepositID: depositID})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			d.log.Debug().Str("deposit_id", depositID).Str("workflow_id", workflowID).Msg("workflow already running")
			return nil
		}
		return fmt.Errorf("start workflow for deposit %s: %w", depositID, err)
	}

	d.log.Info().Str("deposit_id", depositID).Str("workflow_id", workflowID).Str("run_id", run.GetRunID()).Msg("workflow started")
	return nil
}
