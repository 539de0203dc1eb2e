package deposit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"deposit-orchestrator/internal/domain"
)

// Submit records the submission described by in and routes it to its
// repositories. Submitting the same intake twice returns the existing
// submission and deposits.
func (o *Orchestrator) Submit(ctx context.Context, in domain.Intake) (domain.Submission, []domain.Deposit, error) {
	if problems := domain.ValidateIntake(in); len(problems) > 0 {
		return domain.Submission{}, nil, fmt.Errorf("invalid intake: %v", problems)
	}
	now := o.now().UTC()
	sub, created, err := o.submissions.Insert(ctx, domain.Submission{
		ID:               in.SubmissionID,
		AggregatedStatus: domain.SubmissionStatusNotStarted,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return domain.Submission{}, nil, fmt.Errorf("create submission %s: %w", in.SubmissionID, err)
	}
	if created {
		o.log.Info().Str("submission_id", sub.ID).Int("repositories", len(in.Repositories)).Msg("submission created")
	}
	o.cache.add(sub)

	deposits, err := o.Route(ctx, sub.ID, in.Repositories)
	if err != nil {
		return sub, nil, err
	}
	return sub, deposits, nil
}

// Route creates one deposit per repository for the submission. Existing
// deposits for a (submission, repository) pair are returned unchanged. A
// repository that is not configured is a fault of the submission.
func (o *Orchestrator) Route(ctx context.Context, submissionID string, repositoryIDs []string) ([]domain.Deposit, error) {
	if _, _, err := o.submissions.Get(ctx, submissionID); err != nil {
		return nil, fmt.Errorf("route submission %s: %w", submissionID, err)
	}
	for _, repoID := range repositoryIDs {
		if _, err := o.repos.Get(repoID); err != nil {
			return nil, domain.WithResource(domain.KindSubmission, submissionID, err)
		}
	}

	now := o.now().UTC()
	out := make([]domain.Deposit, 0, len(repositoryIDs))
	for _, repoID := range repositoryIDs {
		dep, created, err := o.deposits.Insert(ctx, domain.Deposit{
			ID:              uuid.NewString(),
			SubmissionID:    submissionID,
			RepositoryID:    repoID,
			Status:          domain.DepositStatusUnset,
			CreatedAt:       now,
			StatusChangedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("create deposit for %s/%s: %w", submissionID, repoID, err)
		}
		if created {
			o.log.Info().Str("deposit_id", dep.ID).Str("submission_id", submissionID).Str("repository_id", repoID).Msg("deposit routed")
		}
		out = append(out, dep)
	}
	return out, nil
}

// Deposit returns the stored deposit.
func (o *Orchestrator) Deposit(ctx context.Context, id string) (domain.Deposit, error) {
	dep, _, err := o.deposits.Get(ctx, id)
	return dep, err
}

// Submission returns the stored submission and its deposits, bypassing the
// cache.
func (o *Orchestrator) Submission(ctx context.Context, id string) (domain.Submission, []domain.Deposit, error) {
	sub, _, err := o.submissions.Get(ctx, id)
	if err != nil {
		return domain.Submission{}, nil, err
	}
	deps, err := o.deposits.ListBySubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, nil, err
	}
	return sub, deps, nil
}
