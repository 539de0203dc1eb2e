package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
)

type fakeRunner struct {
	err     error
	gate    chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
	sawDone atomic.Bool
}

func (f *fakeRunner) Run(ctx context.Context, _ string) error {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if ctx.Err() != nil {
		f.sawDone.Store(true)
	}
	return f.err
}

type fakeEscalator struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeEscalator) Handle(_ context.Context, err error) escalation.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	return escalation.ActionDepositFailed
}

func (f *fakeEscalator) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func TestInlineDispatcherEscalatesRunFailures(t *testing.T) {
	tagged := domain.WithResource(domain.KindDeposit, "d1", errors.New("staging bucket missing"))
	esc := &fakeEscalator{}
	d := NewInlineDispatcher(&fakeRunner{err: tagged}, esc, zerolog.Nop(), 2)

	require.NoError(t, d.Dispatch(context.Background(), "d1"))
	d.Wait()
	require.Equal(t, []error{tagged}, esc.all())

	d = NewInlineDispatcher(&fakeRunner{err: errors.New("boom")}, esc, zerolog.Nop(), 2)
	require.NoError(t, d.Dispatch(context.Background(), "d2"))
	d.Wait()
	require.Len(t, esc.all(), 1)
}

func TestInlineDispatcherReturnsBeforeTheRunEnds(t *testing.T) {
	run := &fakeRunner{gate: make(chan struct{})}
	d := NewInlineDispatcher(run, &fakeEscalator{}, zerolog.Nop(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, "d1"))
	// the caller going away does not cancel the queued run
	cancel()
	require.Eventually(t, func() bool { return run.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(run.gate)
	d.Wait()
	require.False(t, run.sawDone.Load())
}

func TestInlineDispatcherBoundsConcurrencyAndDeduplicates(t *testing.T) {
	run := &fakeRunner{gate: make(chan struct{})}
	d := NewInlineDispatcher(run, &fakeEscalator{}, zerolog.Nop(), 2)

	require.NoError(t, d.Dispatch(context.Background(), "d1"))
	require.NoError(t, d.Dispatch(context.Background(), "d1"))
	require.NoError(t, d.Dispatch(context.Background(), "d2"))
	require.Eventually(t, func() bool { return run.active.Load() == 2 }, time.Second, 5*time.Millisecond)

	// both slots are taken; a third deposit waits only as long as its caller
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Dispatch(ctx, "d3"), context.DeadlineExceeded)

	close(run.gate)
	d.Wait()
	require.Equal(t, int32(2), run.calls.Load())
	require.Equal(t, int32(2), run.peak.Load())

	require.NoError(t, d.Dispatch(context.Background(), "d3"))
	d.Wait()
	require.Equal(t, int32(3), run.calls.Load())
}
