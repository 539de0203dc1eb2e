package temporal

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"

	"deposit-orchestrator/internal/deposit"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/storage"
	"deposit-orchestrator/internal/transport"
)

type activityTrace struct {
	mu sync.Mutex

	startedOrder   []string
	completedOrder []string

	prepareOut  *PrepareOutput
	packageIn   *PackageInput
	packageOut  *PackageOutput
	transmitIn  *TransmitInput
	transmitOut *TransmitOutput
	recordIn    *RecordInput

	escalateCalls int
}

func (t *activityTrace) recordStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedOrder = append(t.startedOrder, name)
}

func (t *activityTrace) recordCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedOrder = append(t.completedOrder, name)
}

var _ = Describe("DepositWorkflow blackbox happy path", func() {
	It("packages a submission, delivers it, and records the repository receipt", func() {
		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()

		tr := &stubTransport{receipt: transport.Receipt{
			Locator: "https://dspace.example.org/swordv2/edit/42",
			Status:  domain.DepositStatusSubmitted,
			Message: "deposit received",
		}}
		h := newHarness(GinkgoT(), tr, nil)
		trace := &activityTrace{}

		env.SetOnActivityStartedListener(func(info *activity.Info, _ context.Context, args converter.EncodedValues) {
			trace.recordStarted(info.ActivityType.Name)

			switch info.ActivityType.Name {
			case "PackageActivity":
				var in PackageInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.packageIn = &in
				trace.mu.Unlock()
			case "TransmitActivity":
				var in TransmitInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.transmitIn = &in
				trace.mu.Unlock()
			case "RecordActivity":
				var in RecordInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.recordIn = &in
				trace.mu.Unlock()
			case "EscalateActivity":
				trace.mu.Lock()
				trace.escalateCalls++
				trace.mu.Unlock()
			}
		})

		env.SetOnActivityCompletedListener(func(info *activity.Info, result converter.EncodedValue, _ error) {
			trace.recordCompleted(info.ActivityType.Name)

			switch info.ActivityType.Name {
			case "PrepareActivity":
				var out PrepareOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.prepareOut = &out
				trace.mu.Unlock()
			case "PackageActivity":
				var out PackageOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.packageOut = &out
				trace.mu.Unlock()
			case "TransmitActivity":
				var out TransmitOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.transmitOut = &out
				trace.mu.Unlock()
			}
		})

		env.RegisterWorkflow(DepositWorkflow)
		env.RegisterActivity(h.acts.PrepareActivity)
		env.RegisterActivity(h.acts.PackageActivity)
		env.RegisterActivity(h.acts.TransmitActivity)
		env.RegisterActivity(h.acts.RecordActivity)
		env.RegisterActivity(h.acts.EscalateActivity)

		By("triggering the workflow for the routed deposit")
		env.ExecuteWorkflow(DepositWorkflow, WorkflowInput{DepositID: h.depositID})

		By("validating workflow completes successfully")
		Expect(env.IsWorkflowCompleted()).To(BeTrue())
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())

		var wfResult WorkflowResult
		Expect(env.GetWorkflowResult(&wfResult)).To(Succeed())
		Expect(wfResult.DepositID).To(Equal(h.depositID))
		Expect(wfResult.Status).To(Equal(domain.DepositStatusSubmitted))
		Expect(wfResult.Skipped).To(BeFalse())

		By("validating each activity input and output")
		expectedOrder := []string{"PrepareActivity", "PackageActivity", "TransmitActivity", "RecordActivity"}
		Expect(trace.startedOrder).To(Equal(expectedOrder))
		Expect(trace.completedOrder).To(Equal(expectedOrder))
		Expect(trace.escalateCalls).To(Equal(0))

		Expect(trace.prepareOut).ToNot(BeNil())
		Expect(trace.prepareOut.Skip).To(BeFalse())
		Expect(trace.prepareOut.SubmissionID).To(Equal("sub-1"))
		Expect(trace.prepareOut.RepositoryID).To(Equal("dspace"))

		Expect(trace.packageIn).ToNot(BeNil())
		Expect(trace.packageIn.DepositID).To(Equal(h.depositID))
		Expect(trace.packageOut).ToNot(BeNil())
		Expect(trace.packageOut.Outcome).To(BeNil())
		Expect(trace.packageOut.Ref).To(Equal(storage.StagingKey(h.depositID, "sub-1-dspace.zip")))

		Expect(trace.transmitIn).ToNot(BeNil())
		Expect(trace.transmitIn.Ref).To(Equal(trace.packageOut.Ref))
		Expect(trace.transmitOut).ToNot(BeNil())
		Expect(trace.transmitOut.Outcome.Phase).To(Equal(deposit.PhasePendingResult))
		Expect(trace.transmitOut.Outcome.Locator).To(Equal("https://dspace.example.org/swordv2/edit/42"))

		Expect(trace.recordIn).ToNot(BeNil())
		Expect(trace.recordIn.Outcome).To(Equal(trace.transmitOut.Outcome))

		By("validating the persisted deposit")
		d := h.deposit(GinkgoT())
		Expect(d.Status).To(Equal(domain.DepositStatusSubmitted))
		Expect(d.Locator).To(Equal("https://dspace.example.org/swordv2/edit/42"))
		Expect(d.StatusMessage).To(Equal("deposit received"))
		Expect(d.Attempts).To(Equal(1))
		Expect(tr.sends.Load()).To(BeEquivalentTo(1))
	})
})
