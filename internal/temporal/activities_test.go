package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/deposit"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/packaging"
	"deposit-orchestrator/internal/repository"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

type stubTransport struct {
	sendErr error
	receipt transport.Receipt
	sends   atomic.Int32
}

func (s *stubTransport) Protocol() string { return "stub" }

func (s *stubTransport) Open(context.Context, transport.Config) (transport.Session, error) {
	return stubSession{t: s}, nil
}

func (s *stubTransport) CheckConnectivity(context.Context, transport.Config) bool { return true }

type stubSession struct{ t *stubTransport }

func (s stubSession) Send(context.Context, transport.Package) (transport.Receipt, error) {
	s.t.sends.Add(1)
	return s.t.receipt, s.t.sendErr
}

func (stubSession) Close() error { return nil }

type brokenPackager struct{}

func (brokenPackager) Build(_ context.Context, req packaging.Request) (transport.Package, error) {
	return transport.Package{}, &packaging.Error{DepositID: req.Deposit.ID, Reason: "metadata has no title"}
}

type harness struct {
	acts      *Activities
	orch      *deposit.Orchestrator
	store     *storage.MemoryStore
	transport *stubTransport
	depositID string
}

func newHarness(t require.TestingT, tr *stubTransport, packager deposit.Packager) harness {
	store := storage.NewMemoryStore()
	if packager == nil {
		packager = packaging.NewZipPackager()
	}
	orch, err := deposit.New(deposit.Options{
		Store: store,
		Repositories: repository.NewStatic(domain.Repository{
			ID: "dspace", Name: "DSpace", Protocol: "stub", Config: map[string]string{transport.KeyProtocol: "stub"},
		}),
		Transports: transport.NewRegistry(tr),
		Packager:   packager,
		Stager:     storage.NewMemoryStager(),
		Logger:     zerolog.Nop(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	_, deps, err := orch.Submit(context.Background(), domain.Intake{
		SubmissionID: "sub-1",
		Repositories: []string{"dspace"},
		Metadata:     json.RawMessage(`{"title":"Tide pools"}`),
	})
	require.NoError(t, err)
	require.Len(t, deps, 1)

	return harness{
		acts: &Activities{
			Orchestrator: orch,
			Escalator:    escalation.New(store, zerolog.Nop(), 0),
			Logger:       zerolog.Nop(),
		},
		orch:      orch,
		store:     store,
		transport: tr,
		depositID: deps[0].ID,
	}
}

func (h harness) deposit(t require.TestingT) domain.Deposit {
	d, err := h.orch.Deposit(context.Background(), h.depositID)
	require.NoError(t, err)
	return d
}

func TestPrepareActivityUnknownDepositIsNonRetryable(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)

	_, err := h.acts.PrepareActivity(context.Background(), PrepareInput{DepositID: "missing"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.NonRetryable())
	require.Equal(t, ErrTypeUnclassified, appErr.Type())

	var details EscalateInput
	require.NoError(t, appErr.Details(&details))
	require.Equal(t, domain.KindDeposit, details.Kind)
	require.Equal(t, "missing", details.ResourceID)
	require.False(t, details.Connection)
}

func TestPackageAndTransmitActivitiesCarryOnlyReferences(t *testing.T) {
	h := newHarness(t, &stubTransport{receipt: transport.Receipt{Locator: "https://dspace/edit/1", Status: domain.DepositStatusSubmitted}}, nil)
	ctx := context.Background()

	packaged, err := h.acts.PackageActivity(ctx, PackageInput{DepositID: h.depositID})
	require.NoError(t, err)
	require.Nil(t, packaged.Outcome)
	require.Equal(t, storage.StagingKey(h.depositID, "sub-1-dspace.zip"), packaged.Ref)

	transmitted, err := h.acts.TransmitActivity(ctx, TransmitInput{DepositID: h.depositID, Ref: packaged.Ref})
	require.NoError(t, err)
	require.Equal(t, domain.DepositStatusSubmitted, transmitted.Outcome.Status)

	require.NoError(t, h.acts.RecordActivity(ctx, RecordInput{DepositID: h.depositID, Outcome: transmitted.Outcome}))
	require.Equal(t, "https://dspace/edit/1", h.deposit(t).Locator)
}

func TestTransmitActivitySkipsTerminalDeposit(t *testing.T) {
	tr := &stubTransport{}
	h := newHarness(t, tr, nil)
	ctx := context.Background()
	require.NoError(t, h.orch.Record(ctx, h.depositID, deposit.Outcome{Phase: deposit.PhasePendingResult, Status: domain.DepositStatusAccepted}))

	out, err := h.acts.TransmitActivity(ctx, TransmitInput{DepositID: h.depositID, Ref: "staging/x"})
	require.NoError(t, err)
	require.True(t, out.Skip)
	require.Zero(t, tr.sends.Load())
}

type contendedOrchestrator struct{ Orchestrator }

func (contendedOrchestrator) Record(context.Context, string, deposit.Outcome) error {
	return fmt.Errorf("deposit d after 5 attempts: %w", critical.ErrConcurrentUpdateExhausted)
}

func TestRecordActivityLeavesExhaustedUpdatesForTheSweep(t *testing.T) {
	acts := &Activities{Orchestrator: contendedOrchestrator{}, Logger: zerolog.Nop()}
	err := acts.RecordActivity(context.Background(), RecordInput{DepositID: "d", Outcome: deposit.Outcome{Status: domain.DepositStatusAccepted}})
	require.NoError(t, err)
}

type failingRecordOrchestrator struct{ Orchestrator }

func (failingRecordOrchestrator) Record(_ context.Context, id string, _ deposit.Outcome) error {
	return domain.WithResource(domain.KindDeposit, id, errors.New("disk full"))
}

func TestRecordActivityStoreFailureIsRetryable(t *testing.T) {
	acts := &Activities{Orchestrator: failingRecordOrchestrator{}, Logger: zerolog.Nop()}
	err := acts.RecordActivity(context.Background(), RecordInput{DepositID: "d", Outcome: deposit.Outcome{Status: domain.DepositStatusAccepted}})

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.False(t, appErr.NonRetryable())
}

func TestEscalateActivityRestoresConnectivityClass(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)

	action, err := h.acts.EscalateActivity(context.Background(), EscalateInput{
		Kind:       domain.KindDeposit,
		ResourceID: h.depositID,
		Message:    "dial tcp: i/o timeout",
		Connection: true,
	})
	require.NoError(t, err)
	require.Equal(t, escalation.ActionDepositRetry, action)
	require.Equal(t, domain.DepositStatusRetry, h.deposit(t).Status)
}

func TestEscalateActivityWithoutReferenceOnlyLogs(t *testing.T) {
	h := newHarness(t, &stubTransport{}, nil)

	action, err := h.acts.EscalateActivity(context.Background(), EscalateInput{Message: "worker crashed"})
	require.NoError(t, err)
	require.Equal(t, escalation.ActionLogged, action)
	require.Equal(t, domain.DepositStatusUnset, h.deposit(t).Status)
}

func TestActivityOptionsFor(t *testing.T) {
	ao, err := ActivityOptionsFor(ActivityPolicyTransmit)
	require.NoError(t, err)
	require.EqualValues(t, 1, ao.RetryPolicy.MaximumAttempts)
	require.Greater(t, ao.StartToCloseTimeout, deposit.DefaultTimeout)

	ao, err = ActivityOptionsFor(ActivityPolicyRecord)
	require.NoError(t, err)
	require.EqualValues(t, 3, ao.RetryPolicy.MaximumAttempts)

	_, err = ActivityOptionsFor("unknown")
	require.Error(t, err)
}
