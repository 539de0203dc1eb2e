package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/metrics"
	"deposit-orchestrator/internal/transport"
)

type Health struct {
	RepositoryID string    `json:"repository_id"`
	Protocol     string    `json:"protocol"`
	Reachable    bool      `json:"reachable"`
	CheckedAt    time.Time `json:"checked_at"`
	Error        string    `json:"error,omitempty"`
}

// HealthMonitor probes repositories with CheckConnectivity and publishes the
// result as the repository_reachable gauge.
type HealthMonitor struct {
	repos       Repositories
	transports  Transports
	log         zerolog.Logger
	concurrency int
	now         func() time.Time
}

func NewHealthMonitor(repos Repositories, transports Transports, logger zerolog.Logger, concurrency int) *HealthMonitor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &HealthMonitor{repos: repos, transports: transports, log: logger, concurrency: concurrency, now: time.Now}
}

// Probe checks one repository. It never fails; problems are reported in the
// returned Health.
func (m *HealthMonitor) Probe(ctx context.Context, repo domain.Repository) Health {
	h := Health{RepositoryID: repo.ID, Protocol: repo.Protocol, CheckedAt: m.now().UTC()}
	tr, err := m.transports.Lookup(repo.Protocol)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Reachable = tr.CheckConnectivity(ctx, transport.Config(repo.Config))
	metrics.RecordReachability(repo.ID, repo.Protocol, h.Reachable)
	if !h.Reachable {
		m.log.Warn().Str("repository_id", repo.ID).Str("protocol", repo.Protocol).Msg("repository unreachable")
	}
	return h
}

// CheckAll probes every configured repository concurrently and returns the
// results ordered by repository id.
func (m *HealthMonitor) CheckAll(ctx context.Context) []Health {
	repos := m.repos.List()
	out := make([]Health, 0, len(repos))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			h := m.Probe(ctx, repo)
			mu.Lock()
			out = append(out, h)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].RepositoryID < out[j].RepositoryID })
	return out
}
