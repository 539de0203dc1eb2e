package critical

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deposit-orchestrator/internal/domain"
)

type record struct {
	Status domain.DepositStatus
	Hits   int
}

type fakeStore struct {
	mu       sync.Mutex
	state    record
	version  int64
	writes   int
	conflict func(attempt int) bool
	gets     int
	writeErr error
}

func (s *fakeStore) Get(_ context.Context, _ string) (record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.state, s.version, nil
}

func (s *fakeStore) CompareAndSet(_ context.Context, _ string, expected int64, next record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.conflict != nil && s.conflict(s.gets) {
		s.version++
		return ErrConflict
	}
	if expected != s.version {
		return ErrConflict
	}
	s.state = next
	s.version++
	s.writes++
	return nil
}

func toStatus(target domain.DepositStatus) Update[record] {
	return Update[record]{
		Kind:         domain.KindDeposit,
		ID:           "dep-1",
		Precondition: func(r record) bool { return !r.Status.IsTerminal() },
		Mutate: func(r record) (record, error) {
			r.Status = target
			r.Hits++
			return r, nil
		},
		Postcondition: func(r record) bool { return r.Status == target },
	}
}

func TestApplySucceeds(t *testing.T) {
	store := &fakeStore{state: record{Status: domain.DepositStatusSubmitted}}

	res := Apply[record](context.Background(), store, toStatus(domain.DepositStatusAccepted))
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.True(t, res.Applied())
	require.NoError(t, res.Error())
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, domain.DepositStatusAccepted, store.state.Status)
}

func TestApplyPreconditionFalseLeavesStateUntouched(t *testing.T) {
	store := &fakeStore{state: record{Status: domain.DepositStatusRejected}}

	res := Apply[record](context.Background(), store, toStatus(domain.DepositStatusAccepted))
	require.Equal(t, OutcomePreconditionFailed, res.Outcome)
	require.False(t, res.Applied())
	require.NoError(t, res.Error())
	require.Zero(t, store.writes)
	require.Equal(t, domain.DepositStatusRejected, store.state.Status)
}

func TestApplyRetriesConflictsAgainstFreshState(t *testing.T) {
	store := &fakeStore{
		state:    record{Status: domain.DepositStatusSubmitted},
		conflict: func(gets int) bool { return gets < 3 },
	}

	res := Apply[record](context.Background(), store, toStatus(domain.DepositStatusAccepted), WithBackoff(0, 0))
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 1, store.writes)
	require.Equal(t, 1, store.state.Hits)
}

func TestApplyExhausted(t *testing.T) {
	store := &fakeStore{
		state:    record{Status: domain.DepositStatusSubmitted},
		conflict: func(int) bool { return true },
	}

	res := Apply[record](context.Background(), store, toStatus(domain.DepositStatusAccepted), WithMaxAttempts(3), WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.Equal(t, OutcomeExhausted, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.ErrorIs(t, res.Error(), ErrConcurrentUpdateExhausted)
	require.Zero(t, store.writes)
}

func TestApplyPostconditionFailure(t *testing.T) {
	store := &fakeStore{state: record{Status: domain.DepositStatusSubmitted}}
	u := toStatus(domain.DepositStatusAccepted)
	u.Mutate = func(r record) (record, error) {
		r.Status = domain.DepositStatusRetry
		return r, nil
	}

	res := Apply[record](context.Background(), store, u)
	require.Equal(t, OutcomePostconditionFailed, res.Outcome)
	require.True(t, res.Applied())
	require.ErrorIs(t, res.Error(), ErrPostconditionFailed)
	require.Equal(t, domain.DepositStatusRetry, store.state.Status)
}

func TestApplyMutationAndStoreErrors(t *testing.T) {
	boom := errors.New("boom")

	store := &fakeStore{}
	u := toStatus(domain.DepositStatusAccepted)
	u.Mutate = func(record) (record, error) { return record{}, boom }
	res := Apply[record](context.Background(), store, u)
	require.Equal(t, OutcomeErrored, res.Outcome)
	require.ErrorIs(t, res.Error(), boom)
	require.Zero(t, store.writes)

	store = &fakeStore{writeErr: boom}
	res = Apply[record](context.Background(), store, toStatus(domain.DepositStatusAccepted))
	require.Equal(t, OutcomeErrored, res.Outcome)
	require.ErrorIs(t, res.Error(), boom)
	require.Equal(t, 1, res.Attempts)
}

func TestApplyCancelledDuringBackoff(t *testing.T) {
	store := &fakeStore{conflict: func(int) bool { return true }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Apply[record](ctx, store, toStatus(domain.DepositStatusAccepted), WithBackoff(time.Second, time.Second))
	require.Equal(t, OutcomeErrored, res.Outcome)
	require.ErrorIs(t, res.Error(), context.Canceled)
}

func TestConcurrentTerminalTransitionsHaveOneWinner(t *testing.T) {
	store := &fakeStore{state: record{Status: domain.DepositStatusSubmitted}}
	targets := []domain.DepositStatus{
		domain.DepositStatusAccepted,
		domain.DepositStatusRejected,
		domain.DepositStatusFailed,
		domain.DepositStatusAccepted,
		domain.DepositStatusRejected,
		domain.DepositStatusFailed,
	}

	var succeeded, skipped atomic.Int32
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target domain.DepositStatus) {
			defer wg.Done()
			res := Apply[record](context.Background(), store, toStatus(target), WithMaxAttempts(len(targets)+1), WithBackoff(0, 0))
			switch res.Outcome {
			case OutcomeSucceeded:
				succeeded.Add(1)
			case OutcomePreconditionFailed:
				skipped.Add(1)
			}
		}(target)
	}
	wg.Wait()

	require.EqualValues(t, 1, succeeded.Load())
	require.EqualValues(t, len(targets)-1, skipped.Load())
	require.Equal(t, 1, store.writes)
	require.True(t, store.state.Status.IsTerminal())
}
