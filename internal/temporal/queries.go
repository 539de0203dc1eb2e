package temporal

// PhaseQueryName answers with the phase the deposit workflow is in: one of
// the orchestrator phases or the workflow's own bookkeeping phases below.
const PhaseQueryName = "phase"

const (
	PhasePreparing = "PREPARING"
	PhaseRecording = "RECORDING"
	PhaseDone      = "DONE"
)
