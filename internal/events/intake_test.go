package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/storage"
)

type memObjects map[string][]byte

func (m memObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	b, ok := m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

type fakeSubmitter struct {
	err      error
	deposits []domain.Deposit
	got      []domain.Intake
}

func (f *fakeSubmitter) Submit(_ context.Context, in domain.Intake) (domain.Submission, []domain.Deposit, error) {
	f.got = append(f.got, in)
	if f.err != nil {
		return domain.Submission{}, nil, f.err
	}
	return domain.Submission{ID: in.SubmissionID}, f.deposits, nil
}

type fakeDispatcher struct {
	ids  []string
	fail map[string]bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	if f.fail[id] {
		return errors.New("temporal unavailable")
	}
	return nil
}

type fakeEscalator struct{ errs []error }

func (f *fakeEscalator) Handle(_ context.Context, err error) escalation.Action {
	f.errs = append(f.errs, err)
	return escalation.ActionSubmissionFailed
}

const validIntake = `{"submission_id":"sub-1","repositories":["dspace","s3-archive"],"metadata":{"title":"Reef survey"}}`

func TestIntakeHandlerSubmitsAndDispatches(t *testing.T) {
	objects := memObjects{"intake/sub-1.json": []byte(validIntake)}
	submitter := &fakeSubmitter{deposits: []domain.Deposit{{ID: "d1"}, {ID: "d2"}}}
	dispatcher := &fakeDispatcher{fail: map[string]bool{"d1": true}}
	h := NewIntakeHandler(objects, submitter, dispatcher, &fakeEscalator{}, zerolog.Nop())

	require.NoError(t, h.Handle(context.Background(), IntakeEvent{ObjectKey: "intake/sub-1.json", Name: "sub-1"}))
	require.Len(t, submitter.got, 1)
	require.Equal(t, []string{"dspace", "s3-archive"}, submitter.got[0].Repositories)
	require.Equal(t, []string{"d1", "d2"}, dispatcher.ids)
}

func TestIntakeHandlerSkipsInvalidDocuments(t *testing.T) {
	objects := memObjects{"intake/bad.json": []byte(`{"submission_id":""}`)}
	submitter := &fakeSubmitter{}
	h := NewIntakeHandler(objects, submitter, &fakeDispatcher{}, &fakeEscalator{}, zerolog.Nop())

	require.NoError(t, h.Handle(context.Background(), IntakeEvent{ObjectKey: "intake/bad.json"}))
	require.Empty(t, submitter.got)
}

func TestIntakeHandlerEscalatesSubmissionFaults(t *testing.T) {
	objects := memObjects{"intake/sub-1.json": []byte(validIntake)}
	fault := domain.WithResource(domain.KindSubmission, "sub-1", errors.New("unknown repository: s3-archive"))
	esc := &fakeEscalator{}
	dispatcher := &fakeDispatcher{}
	h := NewIntakeHandler(objects, &fakeSubmitter{err: fault}, dispatcher, esc, zerolog.Nop())

	require.NoError(t, h.Handle(context.Background(), IntakeEvent{ObjectKey: "intake/sub-1.json"}))
	require.Equal(t, []error{fault}, esc.errs)
	require.Empty(t, dispatcher.ids)
}

func TestIntakeHandlerStopsOnInfrastructureErrors(t *testing.T) {
	h := NewIntakeHandler(memObjects{}, &fakeSubmitter{}, &fakeDispatcher{}, &fakeEscalator{}, zerolog.Nop())
	err := h.Handle(context.Background(), IntakeEvent{ObjectKey: "intake/missing.json"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	objects := memObjects{"intake/sub-1.json": []byte(validIntake)}
	h = NewIntakeHandler(objects, &fakeSubmitter{err: errors.New("connection reset")}, &fakeDispatcher{}, &fakeEscalator{}, zerolog.Nop())
	require.ErrorContains(t, h.Handle(context.Background(), IntakeEvent{ObjectKey: "intake/sub-1.json"}), "connection reset")
}
