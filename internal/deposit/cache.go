package deposit

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"deposit-orchestrator/internal/domain"
)

const DefaultCacheSize = 512

// SubmissionCache memoises submission reads for the orchestrator that owns it.
// Entries are only used for packaging input, which does not change once a
// submission is created.
type SubmissionCache struct {
	entries *lru.Cache[string, domain.Submission]
}

func NewSubmissionCache(size int) (*SubmissionCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, domain.Submission](size)
	if err != nil {
		return nil, fmt.Errorf("create submission cache: %w", err)
	}
	return &SubmissionCache{entries: c}, nil
}

func (c *SubmissionCache) get(ctx context.Context, id string, load func(context.Context, string) (domain.Submission, int64, error)) (domain.Submission, error) {
	if sub, ok := c.entries.Get(id); ok {
		return sub, nil
	}
	sub, _, err := load(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	c.entries.Add(id, sub)
	return sub, nil
}

func (c *SubmissionCache) add(sub domain.Submission) {
	c.entries.Add(sub.ID, sub)
}

func (c *SubmissionCache) Len() int {
	return c.entries.Len()
}
