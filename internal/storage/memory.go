package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
)

// MemoryStore keeps deposits and submissions in process. It backs tests and
// the memory driver used for local runs.
type MemoryStore struct {
	mu          sync.Mutex
	deposits    map[string]domain.Deposit
	submissions map[string]domain.Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits:    make(map[string]domain.Deposit),
		submissions: make(map[string]domain.Submission),
	}
}

func (m *MemoryStore) Deposits() Deposits {
	return memoryDeposits{m}
}

func (m *MemoryStore) Submissions() Submissions {
	return memorySubmissions{m}
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type memoryDeposits struct{ m *MemoryStore }

func (d memoryDeposits) Get(_ context.Context, id string) (domain.Deposit, int64, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	dep, ok := d.m.deposits[id]
	if !ok {
		return domain.Deposit{}, 0, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	return dep, dep.Version, nil
}

func (d memoryDeposits) CompareAndSet(_ context.Context, id string, expected int64, next domain.Deposit) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	cur, ok := d.m.deposits[id]
	if !ok {
		return fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("deposit %s at version %d, expected %d: %w", id, cur.Version, expected, critical.ErrConflict)
	}
	next.ID = cur.ID
	next.SubmissionID = cur.SubmissionID
	next.RepositoryID = cur.RepositoryID
	next.CreatedAt = cur.CreatedAt
	next.Version = expected + 1
	d.m.deposits[id] = next
	return nil
}

func (d memoryDeposits) Insert(_ context.Context, dep domain.Deposit) (domain.Deposit, bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	for _, existing := range d.m.deposits {
		if existing.SubmissionID == dep.SubmissionID && existing.RepositoryID == dep.RepositoryID {
			return existing, false, nil
		}
	}
	if _, ok := d.m.deposits[dep.ID]; ok {
		return domain.Deposit{}, false, fmt.Errorf("deposit %s already exists", dep.ID)
	}
	dep.Version = 0
	d.m.deposits[dep.ID] = dep
	return dep, true, nil
}

func (d memoryDeposits) ListBySubmission(_ context.Context, submissionID string) ([]domain.Deposit, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	out := make([]domain.Deposit, 0)
	for _, dep := range d.m.deposits {
		if dep.SubmissionID == submissionID {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepositoryID < out[j].RepositoryID })
	return out, nil
}

func (d memoryDeposits) ListAdvanceable(_ context.Context, staleBefore time.Time, limit int) ([]domain.Deposit, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	out := make([]domain.Deposit, 0)
	for _, dep := range d.m.deposits {
		if dep.Status.IsTerminal() {
			continue
		}
		if dep.Status == domain.DepositStatusRetry || dep.Locator != "" || dep.StatusChangedAt.Before(staleBefore) {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].StatusChangedAt.Before(out[j].StatusChangedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memorySubmissions struct{ m *MemoryStore }

func (s memorySubmissions) Get(_ context.Context, id string) (domain.Submission, int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sub, ok := s.m.submissions[id]
	if !ok {
		return domain.Submission{}, 0, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, sub.Version, nil
}

func (s memorySubmissions) CompareAndSet(_ context.Context, id string, expected int64, next domain.Submission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("submission %s at version %d, expected %d: %w", id, cur.Version, expected, critical.ErrConflict)
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expected + 1
	s.m.submissions[id] = next
	return nil
}

func (s memorySubmissions) Insert(_ context.Context, sub domain.Submission) (domain.Submission, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if existing, ok := s.m.submissions[sub.ID]; ok {
		return existing, false, nil
	}
	sub.Version = 0
	s.m.submissions[sub.ID] = sub
	return sub, true, nil
}

func (s memorySubmissions) ListForAggregation(_ context.Context, limit int) ([]domain.Submission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	pending := make(map[string]bool)
	for _, dep := range s.m.deposits {
		if !dep.Status.IsTerminal() {
			pending[dep.SubmissionID] = true
		}
	}
	out := make([]domain.Submission, 0)
	for _, sub := range s.m.submissions {
		if sub.Fault != "" {
			continue
		}
		if !sub.AggregatedStatus.IsFinal() || pending[sub.ID] {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
