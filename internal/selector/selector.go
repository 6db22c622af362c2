// Package selector implements the Task Selector: given a runner
// identity and an optional section scope, it picks the next task (or batch
// of tasks) a runner should work on and returns it already leased.
package selector

import (
	"context"
	"errors"
	"time"

	"github.com/steroids-run/steroids/internal/errs"
	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/types"
)

// tiers lists the statuses considered, in priority order: review first
// (completing the coder/reviewer loop before new work starts), then
// in_progress tasks whose lease lapsed (resuming interrupted work), then
// fresh pending work.
var tiers = [][]types.TaskStatus{
	{types.StatusReview},
	{types.StatusInProgress},
	{types.StatusPending},
}

// Options configures one Select call.
type Options struct {
	RunnerID   string
	SectionIDs []string // ordered; empty means "all sections eligible"
	LeaseFor   time.Duration
}

// Selector picks and leases the next task(s) a runner should act on.
type Selector struct {
	store *sqlite.Store
	locks *locking.Manager
}

// New constructs a Selector over a project-local store and its lock manager.
func New(store *sqlite.Store, locks *locking.Manager) *Selector {
	return &Selector{store: store, locks: locks}
}

// Select returns the next single task leased to opts.RunnerID, or (nil, nil)
// if there is currently no claimable work. It never blocks; use Wait for
// the polling variant.
func (s *Selector) Select(ctx context.Context, opts Options) (*types.Task, error) {
	for _, statuses := range tiers {
		candidates, err := s.store.ListCandidateTasks(ctx, statuses, opts.SectionIDs)
		if err != nil {
			return nil, err
		}
		candidates = orderBySectionList(candidates, opts.SectionIDs)
		task, err := s.tryClaimAny(ctx, candidates, opts.RunnerID, opts.LeaseFor)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
	}
	return nil, nil
}

// tryClaimAny attempts to acquire the lease for each candidate in order,
// returning the first one successfully claimed. A TaskLockedError (another
// runner owns an unexpired lease) just moves on to the next candidate,
// implementing re-query-and-try-next without an actual re-query: the
// candidate list was already ordered and a lost race is exactly
// equivalent to the candidate being excluded by a fresh query.
func (s *Selector) tryClaimAny(ctx context.Context, candidates []*types.Task, runnerID string, leaseFor time.Duration) (*types.Task, error) {
	for _, t := range candidates {
		result, err := s.locks.AcquireTask(ctx, t.ID, runnerID, leaseFor)
		var locked *errs.TaskLockedError
		if errors.As(err, &locked) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if result.Acquired {
			return t, nil
		}
	}
	return nil, nil
}

// SelectBatch returns up to maxBatch pending tasks from a single section,
// all leased atomically: if any member's lease fails, every lease already
// acquired in this call is released and the batch is aborted.
func (s *Selector) SelectBatch(ctx context.Context, opts Options, maxBatch int) ([]*types.Task, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	candidates, err := s.store.ListCandidateTasks(ctx, []types.TaskStatus{types.StatusPending}, opts.SectionIDs)
	if err != nil {
		return nil, err
	}
	candidates = orderBySectionList(candidates, opts.SectionIDs)

	var bySection []*types.Task
	if len(candidates) > 0 {
		section := candidates[0].SectionID
		for _, t := range candidates {
			if t.SectionID != section {
				break
			}
			bySection = append(bySection, t)
			if len(bySection) == maxBatch {
				break
			}
		}
	}

	claimed := make([]*types.Task, 0, len(bySection))
	for _, t := range bySection {
		result, err := s.locks.AcquireTask(ctx, t.ID, opts.RunnerID, opts.LeaseFor)
		var locked *errs.TaskLockedError
		if errors.As(err, &locked) || (err == nil && !result.Acquired) {
			s.releaseAll(ctx, claimed, opts.RunnerID)
			return nil, nil
		}
		if err != nil {
			s.releaseAll(ctx, claimed, opts.RunnerID)
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *Selector) releaseAll(ctx context.Context, tasks []*types.Task, runnerID string) {
	for _, t := range tasks {
		_ = s.locks.ReleaseTask(ctx, t.ID, runnerID)
	}
}

// Wait polls Select at opts poll interval until a task is claimed, the wait
// timeout elapses, ctx is cancelled, or no work remains at all. It returns (nil, nil) on a clean "nothing left to do" exit.
func (s *Selector) Wait(ctx context.Context, opts Options, pollInterval, waitTimeout time.Duration) (*types.Task, error) {
	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := s.Select(ctx, opts)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		done, err := s.allWorkFinished(ctx, opts.SectionIDs)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, &errs.CancellationRequestedError{}
		case <-ticker.C:
		}
	}
}

// allWorkFinished reports whether no task remains in a non-terminal status
// within scope, meaning the wait should give up rather than poll forever.
func (s *Selector) allWorkFinished(ctx context.Context, sectionIDs []string) (bool, error) {
	counts, err := s.store.CountTasksByStatus(ctx, sectionIDs)
	if err != nil {
		return false, err
	}
	return counts.Pending == 0 && counts.InProgress == 0 && counts.Review == 0, nil
}

// orderBySectionList re-sorts candidates (already section.position/created_at
// ordered by the store query) so that sections earlier in an explicit scope
// list sort before later ones, so an explicit scope order is respected.
// When sectionIDs is empty the store's natural ordering is left untouched.
func orderBySectionList(candidates []*types.Task, sectionIDs []string) []*types.Task {
	if len(sectionIDs) == 0 {
		return candidates
	}
	rank := make(map[string]int, len(sectionIDs))
	for i, id := range sectionIDs {
		rank[id] = i
	}
	out := make([]*types.Task, len(candidates))
	copy(out, candidates)

	// Stable insertion sort on section rank only; within-section order (as
	// produced by the store's ORDER BY) is preserved.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank[out[j-1].SectionID] > rank[out[j].SectionID]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
