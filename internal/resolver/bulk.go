package resolver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"mirrorball/internal/model"
)

type Skip struct {
	IssueID string `json:"issue_id"`
	Reason  string `json:"reason"`
}

type BulkResult struct {
	Outcomes []model.ResolutionOutcome `json:"outcomes"`
	Skipped  []Skip                    `json:"skipped"`
}

// Failed counts outcomes the engine did not accept.
func (r BulkResult) Failed() int {
	count := 0
	for _, outcome := range r.Outcomes {
		if !outcome.Succeeded() {
			count++
		}
	}
	return count
}

// ResolveGroup applies, to every New issue of the group that has an option
// at slot, that issue's own option at slot. Issues run concurrently up to
// MaxParallel.
func (s *Submitter) ResolveGroup(ctx context.Context, group model.IssueGroup, slot int) BulkResult {
	requests := make([]model.ResolveRequest, 0, len(group.Issues))
	result := BulkResult{}
	for _, issue := range group.Issues {
		switch {
		case issue.State != model.IssueStateNew:
			result.Skipped = append(result.Skipped, Skip{IssueID: issue.ID, Reason: fmt.Sprintf("state %s", issue.State)})
		case slot < 0 || slot >= len(issue.Options):
			result.Skipped = append(result.Skipped, Skip{IssueID: issue.ID, Reason: fmt.Sprintf("no option at slot %d", slot)})
		default:
			requests = append(requests, model.ResolveRequest{ID: issue.ID, Choice: issue.Options[slot]})
		}
	}
	return s.resolveAll(ctx, requests, result)
}

// ClearFailed sends the clear choice for every Failed issue.
func (s *Submitter) ClearFailed(ctx context.Context, issues []model.Issue) BulkResult {
	requests := []model.ResolveRequest{}
	for _, issue := range issues {
		if issue.State == model.IssueStateFailed {
			requests = append(requests, model.ResolveRequest{ID: issue.ID, Choice: model.ClearChoice})
		}
	}
	return s.resolveAll(ctx, requests, BulkResult{})
}

func (s *Submitter) resolveAll(ctx context.Context, requests []model.ResolveRequest, result BulkResult) BulkResult {
	outcomes := make([]*model.ResolutionOutcome, len(requests))
	rejected := make([]error, len(requests))

	var group errgroup.Group
	group.SetLimit(s.opts.MaxParallel)
	for i, request := range requests {
		group.Go(func() error {
			outcome, err := s.Resolve(ctx, request.ID, request.Choice)
			if err != nil {
				rejected[i] = err
				return nil
			}
			outcomes[i] = &outcome
			return nil
		})
	}
	_ = group.Wait()

	for i, request := range requests {
		if rejected[i] != nil {
			result.Skipped = append(result.Skipped, Skip{IssueID: request.ID, Reason: rejected[i].Error()})
			continue
		}
		result.Outcomes = append(result.Outcomes, *outcomes[i])
	}
	return result
}
