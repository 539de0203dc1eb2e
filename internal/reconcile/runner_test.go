package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/repository"
	"deposit-orchestrator/internal/transport"
)

func TestHealthMonitorProbesEveryRepository(t *testing.T) {
	repos := repository.NewStatic(
		domain.Repository{ID: "dspace", Protocol: "sword"},
		domain.Repository{ID: "archive", Protocol: "dropbox"},
		domain.Repository{ID: "legacy", Protocol: "ftp"},
	)
	transports := transport.NewRegistry(&queryTransport{protocol: "sword", reachable: true}, plainTransport{protocol: "dropbox"})
	monitor := NewHealthMonitor(repos, transports, zerolog.Nop(), 2)

	results := monitor.CheckAll(context.Background())
	require.Len(t, results, 3)

	require.Equal(t, "archive", results[0].RepositoryID)
	require.False(t, results[0].Reachable)
	require.Empty(t, results[0].Error)

	require.Equal(t, "dspace", results[1].RepositoryID)
	require.True(t, results[1].Reachable)

	require.Equal(t, "legacy", results[2].RepositoryID)
	require.False(t, results[2].Reachable)
	require.Contains(t, results[2].Error, "unsupported protocol")
}

func TestRunnerSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.submission(t, "s", domain.SubmissionStatusNotStarted, "")
	f.deposit(t, domain.Deposit{ID: "d1", SubmissionID: "s", RepositoryID: "dspace", Status: domain.DepositStatusRetry})

	runner := NewRunner(f.rec, nil, Intervals{Aggregation: 10 * time.Millisecond, Advancement: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.dispatcher.dispatched()) > 0 && f.aggregate(t, "s") == domain.SubmissionStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunnerWithoutIntervalsReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.rec, nil, Intervals{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runner.Run(ctx))
}
