package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/supervisor"
	"github.com/steroids-run/steroids/internal/types"
)

// runBatchIteration is the batch-mode variant of one loop iteration: when
// review or resumable in_progress work exists it falls back to the
// single-task path (review always completes before new work starts), and
// only fresh pending work is batched. It returns true if it handled any
// work this iteration.
func (l *Loop) runBatchIteration(ctx context.Context, shouldStop func() bool) (bool, error) {
	counts, err := l.store.CountTasksByStatus(ctx, l.cfg.SectionIDs)
	if err != nil {
		return false, fmt.Errorf("count tasks: %w", err)
	}
	if counts.Review > 0 || counts.InProgress > 0 {
		task, err := l.sel.Select(ctx, l.selectOptions())
		if err != nil {
			return false, fmt.Errorf("select task: %w", err)
		}
		if task == nil {
			return false, nil
		}
		if err := l.handleTask(ctx, task, shouldStop); err != nil {
			if isCancellation(err) {
				return true, nil
			}
			l.log.Error("task handling failed", "task_id", task.ID, "error", err)
		}
		return true, nil
	}

	batch, err := l.sel.SelectBatch(ctx, l.selectOptions(), l.cfg.MaxBatchSize)
	if err != nil {
		return false, fmt.Errorf("select batch: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}
	if len(batch) == 1 {
		// No point in the combined prompt for a single task.
		if err := l.handleTask(ctx, batch[0], shouldStop); err != nil && !isCancellation(err) {
			l.log.Error("task handling failed", "task_id", batch[0].ID, "error", err)
		}
		return true, nil
	}

	if err := l.handleBatch(ctx, batch, shouldStop); err != nil {
		if isCancellation(err) {
			return true, nil
		}
		l.log.Error("batch handling failed", "section_id", batch[0].SectionID, "size", len(batch), "error", err)
	}
	return true, nil
}

// handleBatch drives a leased batch of same-section pending tasks through
// one combined coder invocation. Each member transitions to in_progress
// up front and to review on a clean coder exit; reviews then run per-task
// through the ordinary single-task path on later iterations. Every lease
// is released on every exit path.
func (l *Loop) handleBatch(ctx context.Context, batch []*types.Task, shouldStop func() bool) error {
	heartbeats := make([]*locking.HeartbeatScheduler, 0, len(batch))
	for _, t := range batch {
		heartbeats = append(heartbeats, l.locks.StartTaskHeartbeat(ctx, t.ID, l.cfg.RunnerID, l.cfg.HeartbeatInterval))
	}
	defer func() {
		for i, t := range batch {
			heartbeats[i].Stop()
			_ = l.locks.ReleaseTask(ctx, t.ID, l.cfg.RunnerID)
		}
	}()

	l.heartbeatRunner(ctx, batch[0].ID, batch[0].SectionID)

	for _, t := range batch {
		if err := l.store.TransitionTask(ctx, t.ID, types.StatusInProgress, l.cfg.RunnerID, types.ActorCoder, "claimed by runner (batch)", ""); err != nil {
			return fmt.Errorf("transition task %s to in_progress: %w", t.ID, err)
		}
		t.Status = types.StatusInProgress
		l.dispatch(hooks.EventTaskUpdated, t, map[string]any{"batch_size": len(batch)})
	}

	prompt := buildBatchCoderPrompt(batch)
	outcome, err := l.sup.Invoke(ctx, batch[0].ID, l.cfg.CoderProvider, prompt, supervisor.Options{
		Model: l.cfg.CoderModel, CWD: l.cfg.ProjectPath, Timeout: l.cfg.InvocationTimeout,
		Role: types.RoleCoder,
	})
	if err != nil {
		return fmt.Errorf("invoke coder for batch: %w", err)
	}

	if outcome.Classification.Type == types.ClassCreditExhaustion {
		// The batch leases are released by the deferred cleanup; after a
		// resume the tasks are re-selected as resumable in_progress work.
		_, err := l.handleCreditExhaustion(ctx, l.cfg.CoderProvider, l.cfg.CoderModel, types.RoleCoder, shouldStop)
		return err
	}
	if !outcome.Success {
		l.log.Warn("batch coder invocation did not succeed", "classification", outcome.Classification.Type, "size", len(batch))
		return nil
	}

	for _, t := range batch {
		if err := l.store.TransitionTask(ctx, t.ID, types.StatusReview, l.cfg.RunnerID, types.ActorCoder, "coder invocation completed (batch)", ""); err != nil {
			return fmt.Errorf("transition task %s to review: %w", t.ID, err)
		}
		l.dispatch(hooks.EventTaskUpdated, t, map[string]any{"to": string(types.StatusReview)})
	}
	return nil
}

func buildBatchCoderPrompt(batch []*types.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement the following %d tasks in order.\n", len(batch))
	for i, t := range batch {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, t.Title)
		if t.FilePath != "" {
			fmt.Fprintf(&sb, " (%s", t.FilePath)
			if t.FileLine > 0 {
				fmt.Fprintf(&sb, ":%d", t.FileLine)
			}
			sb.WriteString(")")
		}
	}
	sb.WriteString("\n\nWhen every task is finished, print a line reading \"TASK COMPLETE\".\n")
	return sb.String()
}
