package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/transport"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mem, err := Open(context.Background(), DriverMemory, "")
	require.NoError(t, err)

	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSubmission(t *testing.T, s Store, id string, status domain.SubmissionStatus, fault string) {
	t.Helper()
	_, created, err := s.Submissions().Insert(context.Background(), domain.Submission{
		ID:               id,
		AggregatedStatus: status,
		Fault:            fault,
		Metadata:         json.RawMessage(`{"title":"t"}`),
		CreatedAt:        base,
		UpdatedAt:        base,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func seedDeposit(t *testing.T, s Store, id, submissionID, repositoryID string, status domain.DepositStatus, locator string, changed time.Time) {
	t.Helper()
	_, created, err := s.Deposits().Insert(context.Background(), domain.Deposit{
		ID:              id,
		SubmissionID:    submissionID,
		RepositoryID:    repositoryID,
		Status:          status,
		Locator:         locator,
		CreatedAt:       base,
		StatusChangedAt: changed,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestStoreInsertIsIdempotent(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedSubmission(t, s, "sub-1", domain.SubmissionStatusNotStarted, "")

			existing, created, err := s.Submissions().Insert(ctx, domain.Submission{ID: "sub-1", Fault: "other"})
			require.NoError(t, err)
			require.False(t, created)
			require.Empty(t, existing.Fault)
			require.JSONEq(t, `{"title":"t"}`, string(existing.Metadata))

			seedDeposit(t, s, "dep-1", "sub-1", "repo-a", domain.DepositStatusUnset, "", base)
			dup, created, err := s.Deposits().Insert(ctx, domain.Deposit{ID: "dep-2", SubmissionID: "sub-1", RepositoryID: "repo-a"})
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, "dep-1", dup.ID)

			_, _, err = s.Deposits().Get(ctx, "dep-2")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreCompareAndSet(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedSubmission(t, s, "sub-1", domain.SubmissionStatusNotStarted, "")
			seedDeposit(t, s, "dep-1", "sub-1", "repo-a", domain.DepositStatusUnset, "", base)

			dep, version, err := s.Deposits().Get(ctx, "dep-1")
			require.NoError(t, err)
			require.Zero(t, version)

			dep.Status = domain.DepositStatusSubmitted
			dep.Locator = "https://repo.example/edit/1"
			dep.Attempts = 1
			dep.StatusChangedAt = base.Add(time.Minute)
			require.NoError(t, s.Deposits().CompareAndSet(ctx, "dep-1", version, dep))

			got, newVersion, err := s.Deposits().Get(ctx, "dep-1")
			require.NoError(t, err)
			require.Equal(t, int64(1), newVersion)
			require.Equal(t, domain.DepositStatusSubmitted, got.Status)
			require.Equal(t, "https://repo.example/edit/1", got.Locator)
			require.Equal(t, 1, got.Attempts)
			require.True(t, got.StatusChangedAt.Equal(base.Add(time.Minute)))

			err = s.Deposits().CompareAndSet(ctx, "dep-1", version, dep)
			require.ErrorIs(t, err, critical.ErrConflict)

			err = s.Deposits().CompareAndSet(ctx, "missing", 0, dep)
			require.ErrorIs(t, err, ErrNotFound)

			sub, sv, err := s.Submissions().Get(ctx, "sub-1")
			require.NoError(t, err)
			sub.AggregatedStatus = domain.SubmissionStatusFailed
			sub.Fault = "metadata unreadable"
			sub.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, s.Submissions().CompareAndSet(ctx, "sub-1", sv, sub))
			require.ErrorIs(t, s.Submissions().CompareAndSet(ctx, "sub-1", sv, sub), critical.ErrConflict)

			sub, _, err = s.Submissions().Get(ctx, "sub-1")
			require.NoError(t, err)
			require.Equal(t, domain.SubmissionStatusFailed, sub.AggregatedStatus)
			require.Equal(t, "metadata unreadable", sub.Fault)
		})
	}
}

func TestStoreListAdvanceable(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seedSubmission(t, s, "sub-1", domain.SubmissionStatusInProgress, "")
			recent := base.Add(time.Hour)
			seedDeposit(t, s, "retry", "sub-1", "r1", domain.DepositStatusRetry, "", recent)
			seedDeposit(t, s, "located", "sub-1", "r2", domain.DepositStatusSubmitted, "loc", recent)
			seedDeposit(t, s, "stale", "sub-1", "r3", domain.DepositStatusUnset, "", base)
			seedDeposit(t, s, "fresh", "sub-1", "r4", domain.DepositStatusUnset, "", recent)
			seedDeposit(t, s, "done", "sub-1", "r5", domain.DepositStatusAccepted, "loc", base)

			got, err := s.Deposits().ListAdvanceable(context.Background(), base.Add(30*time.Minute), 0)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, d := range got {
				ids = append(ids, d.ID)
			}
			require.Equal(t, []string{"stale", "located", "retry"}, ids)

			limited, err := s.Deposits().ListAdvanceable(context.Background(), base.Add(30*time.Minute), 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)

			all, err := s.Deposits().ListBySubmission(context.Background(), "sub-1")
			require.NoError(t, err)
			require.Len(t, all, 5)
			require.Equal(t, "r1", all[0].RepositoryID)
		})
	}
}

func TestStoreListForAggregation(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seedSubmission(t, s, "a-open", domain.SubmissionStatusNotStarted, "")
			seedSubmission(t, s, "b-done", domain.SubmissionStatusAccepted, "")
			seedSubmission(t, s, "c-faulted", domain.SubmissionStatusFailed, "boom")
			seedSubmission(t, s, "d-rejected", domain.SubmissionStatusRejected, "")
			seedDeposit(t, s, "d1", "b-done", "r1", domain.DepositStatusAccepted, "x", base)
			seedDeposit(t, s, "d2", "d-rejected", "r1", domain.DepositStatusRejected, "", base)
			seedDeposit(t, s, "d3", "d-rejected", "r2", domain.DepositStatusRetry, "", base)
			seedDeposit(t, s, "d4", "c-faulted", "r1", domain.DepositStatusRetry, "", base)

			got, err := s.Submissions().ListForAggregation(context.Background(), 0)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, sub := range got {
				ids = append(ids, sub.ID)
			}
			require.Equal(t, []string{"a-open", "d-rejected"}, ids)
		})
	}
}

func TestStoreBacksCriticalUpdates(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seedSubmission(t, s, "sub-1", domain.SubmissionStatusNotStarted, "")
			seedDeposit(t, s, "dep-1", "sub-1", "repo", domain.DepositStatusSubmitted, "", base)

			targets := []domain.DepositStatus{domain.DepositStatusAccepted, domain.DepositStatusRejected, domain.DepositStatusFailed}
			var mu sync.Mutex
			winners := 0
			var wg sync.WaitGroup
			for _, target := range targets {
				wg.Add(1)
				go func(target domain.DepositStatus) {
					defer wg.Done()
					res := critical.Apply[domain.Deposit](context.Background(), s.Deposits(), critical.Update[domain.Deposit]{
						Kind:         domain.KindDeposit,
						ID:           "dep-1",
						Precondition: func(d domain.Deposit) bool { return !d.Status.IsTerminal() },
						Mutate: func(d domain.Deposit) (domain.Deposit, error) {
							d.Status = target
							return d, nil
						},
					}, critical.WithMaxAttempts(10), critical.WithBackoff(0, 0))
					if res.Outcome == critical.OutcomeSucceeded {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(target)
			}
			wg.Wait()
			require.Equal(t, 1, winners)
		})
	}
}

func TestMemoryStager(t *testing.T) {
	s := NewMemoryStager()
	key := StagingKey("dep-1", "../pkg.zip")
	require.Equal(t, "staging/dep-1/pkg.zip", key)

	body := []byte("zip")
	require.NoError(t, s.Stage(context.Background(), key, transport.Package{Name: "pkg.zip", Body: body}))
	body[0] = 'X'

	pkg, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("zip"), pkg.Body)
	require.Equal(t, int64(3), pkg.Size)

	_, err = s.Load(context.Background(), "staging/none")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	require.Error(t, err)
}
