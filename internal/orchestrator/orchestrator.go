// Package orchestrator implements the Orchestrator Loop: the
// driver that repeatedly selects a task, leases it, invokes the coder,
// transitions it to review, invokes the reviewer, records the outcome,
// and releases the lease — handling credit-exhaustion pauses, the
// rejection-pattern intervention, and cooperative cancellation along the
// way.
//
// One iteration is in flight at a time: heartbeat, select, act, with a
// single "should stop" predicate polled at every suspension point.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/coordinator"
	"github.com/steroids-run/steroids/internal/errs"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/invocationlog"
	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/selector"
	"github.com/steroids-run/steroids/internal/store/globaldb"
	"github.com/steroids-run/steroids/internal/store/sqlite"
	"github.com/steroids-run/steroids/internal/supervisor"
	"github.com/steroids-run/steroids/internal/types"
)

// Config carries the ai.*, locking.*, sections.*, and disputes.* tunables
// the loop needs on top of the components it drives.
type Config struct {
	RunnerID    string
	ProjectPath string
	SteroidsDir string
	SectionIDs  []string

	PollInterval      time.Duration
	TaskLeaseTimeout  time.Duration
	HeartbeatInterval time.Duration
	InvocationTimeout time.Duration
	CreditPausePoll   time.Duration

	BatchMode    bool
	MaxBatchSize int

	CoderProvider    string
	CoderModel       string
	ReviewerProvider string
	ReviewerModel    string

	// Once exits after a single handled task (or batch) and fails a
	// credit-exhaustion classification immediately instead of entering
	// the pause loop.
	Once bool

	AutoDisputeOnMaxRejections bool
}

// ConfigReloader re-reads configuration from disk, used by the
// credit-pause poll to detect an operator changing ai.<role>.provider or
// ai.<role>.model.
type ConfigReloader func() (*config.Config, error)

// Loop drives one runner against one project.
type Loop struct {
	store      *sqlite.Store
	global     *globaldb.Store
	locks      *locking.Manager
	sel        *selector.Selector
	sup        *supervisor.Supervisor
	coord      *coordinator.Client // nil disables rejection-pattern intervention
	dispatcher hooks.Dispatcher
	reloadCfg  ConfigReloader
	cfg        Config
	log        *slog.Logger
}

// New constructs a Loop from its already-open collaborators.
func New(
	store *sqlite.Store,
	global *globaldb.Store,
	locks *locking.Manager,
	sel *selector.Selector,
	sup *supervisor.Supervisor,
	coord *coordinator.Client,
	dispatcher hooks.Dispatcher,
	reloadCfg ConfigReloader,
	cfg Config,
	log *slog.Logger,
) *Loop {
	if dispatcher == nil {
		dispatcher = hooks.Noop{}
	}
	return &Loop{
		store: store, global: global, locks: locks, sel: sel, sup: sup,
		coord: coord, dispatcher: dispatcher, reloadCfg: reloadCfg, cfg: cfg, log: log,
	}
}

// Run drives the main loop until no work remains, shouldStop
// reports true, or ctx is cancelled. It returns nil on a clean "idle,
// done" or cancelled exit; a non-nil error means a collaborator failed in
// a way the loop could not treat as transient.
func (l *Loop) Run(ctx context.Context, shouldStop func() bool) error {
	for {
		if shouldStop() || ctx.Err() != nil {
			return nil
		}

		l.heartbeatRunner(ctx, "", "")

		if l.cfg.BatchMode {
			handled, err := l.runBatchIteration(ctx, shouldStop)
			if err != nil {
				return err
			}
			if handled {
				if l.cfg.Once {
					return nil
				}
				continue
			}
		} else {
			task, err := l.sel.Select(ctx, l.selectOptions())
			if err != nil {
				return fmt.Errorf("select task: %w", err)
			}
			if task != nil {
				if err := l.handleTask(ctx, task, shouldStop); err != nil {
					if isCancellation(err) {
						return nil
					}
					l.log.Error("task handling failed", "task_id", task.ID, "error", err)
				}
				if l.cfg.Once {
					return nil
				}
				continue
			}
		}

		done, err := l.allWorkFinished(ctx)
		if err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		if done {
			return nil // idle, done
		}
		if !sleepOrStop(ctx, shouldStop, l.cfg.PollInterval) {
			return nil
		}
	}
}

// heartbeatRunner refreshes this runner's global-store row, recording the
// task it is currently working (empty between tasks). The detector keys
// its hanging-invocation rule on a fresh heartbeat carrying the task id,
// so this must stay current while an invocation is in flight.
func (l *Loop) heartbeatRunner(ctx context.Context, taskID, sectionID string) {
	if l.global == nil {
		return
	}
	if err := l.global.HeartbeatRunner(ctx, l.cfg.RunnerID, taskID, sectionID); err != nil {
		l.log.Warn("runner heartbeat failed", "runner_id", l.cfg.RunnerID, "error", err)
	}
}

func (l *Loop) selectOptions() selector.Options {
	return selector.Options{RunnerID: l.cfg.RunnerID, SectionIDs: l.cfg.SectionIDs, LeaseFor: l.cfg.TaskLeaseTimeout}
}

func (l *Loop) allWorkFinished(ctx context.Context) (bool, error) {
	counts, err := l.store.CountTasksByStatus(ctx, l.cfg.SectionIDs)
	if err != nil {
		return false, err
	}
	return counts.Pending == 0 && counts.InProgress == 0 && counts.Review == 0, nil
}

func isCancellation(err error) bool {
	var c *errs.CancellationRequestedError
	return errors.As(err, &c)
}

// sleepOrStop waits out interval, checking shouldStop and ctx at every
// wakeup boundary. It returns false if the wait should give up the loop
// entirely (cancellation).
func sleepOrStop(ctx context.Context, shouldStop func() bool, interval time.Duration) bool {
	if shouldStop() || ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !shouldStop()
	}
}

// handleTask drives one task through exactly one role invocation: claims in_progress if pending, then dispatches to the coder
// or reviewer depending on current status, and releases the lease on
// every exit path except a credit-exhaustion pause that resumed; there
// the lease is deliberately held so the same runner reclaims the same
// task on its next Select call.
func (l *Loop) handleTask(ctx context.Context, task *types.Task, shouldStop func() bool) error {
	hb := l.locks.StartTaskHeartbeat(ctx, task.ID, l.cfg.RunnerID, l.cfg.HeartbeatInterval)
	l.heartbeatRunner(ctx, task.ID, task.SectionID)
	held := true
	release := func() {
		hb.Stop()
		if held {
			_ = l.locks.ReleaseTask(ctx, task.ID, l.cfg.RunnerID)
		}
		l.heartbeatRunner(ctx, "", "")
	}

	if task.Status == types.StatusPending {
		if err := l.store.TransitionTask(ctx, task.ID, types.StatusInProgress, l.cfg.RunnerID, types.ActorCoder, "claimed by runner", ""); err != nil {
			release()
			return fmt.Errorf("transition task %s to in_progress: %w", task.ID, err)
		}
		task.Status = types.StatusInProgress
		l.dispatch(hooks.EventTaskUpdated, task, nil)
	}

	var outcome roundOutcome
	var err error
	switch task.Status {
	case types.StatusInProgress:
		outcome, err = l.runCoder(ctx, task, shouldStop)
	case types.StatusReview:
		outcome, err = l.runReviewer(ctx, task, shouldStop)
	default:
		release()
		return nil
	}

	if err != nil {
		release()
		return err
	}
	if outcome == outcomePausedResumed {
		// Lease stays held: the next Select call reclaims this same task
		// for a fresh coder/reviewer attempt.
		hb.Stop()
		held = false
		return nil
	}
	release()
	return nil
}

// roundOutcome distinguishes a credit-pause-resumed exit (lease retained)
// from every other exit (lease released).
type roundOutcome int

const (
	outcomeDone roundOutcome = iota
	outcomePausedResumed
)

// runCoder invokes the coder role for an in_progress task and reacts to
// its outcome.
func (l *Loop) runCoder(ctx context.Context, task *types.Task, shouldStop func() bool) (roundOutcome, error) {
	if task.RejectionCount >= types.MaxRejectionCount {
		return outcomeDone, l.handleMaxRejections(ctx, task)
	}

	guidance := l.intervene(ctx, task)
	prompt := buildCoderPrompt(task, guidance)

	outcome, err := l.sup.Invoke(ctx, task.ID, l.cfg.CoderProvider, prompt, supervisor.Options{
		Model: l.cfg.CoderModel, CWD: l.cfg.ProjectPath, Timeout: l.cfg.InvocationTimeout,
		Role: types.RoleCoder, RejectionNumber: task.RejectionCount,
	})
	if err != nil {
		return outcomeDone, fmt.Errorf("invoke coder for task %s: %w", task.ID, err)
	}

	if outcome.Classification.Type == types.ClassCreditExhaustion {
		return l.handleCreditExhaustion(ctx, l.cfg.CoderProvider, l.cfg.CoderModel, types.RoleCoder, shouldStop)
	}

	if !outcome.Success {
		l.log.Warn("coder invocation did not succeed", "task_id", task.ID, "classification", outcome.Classification.Type)
		return outcomeDone, nil // transient: lease released by the caller, task stays in_progress
	}

	if err := l.store.TransitionTask(ctx, task.ID, types.StatusReview, l.cfg.RunnerID, types.ActorCoder, "coder invocation completed", ""); err != nil {
		return outcomeDone, fmt.Errorf("transition task %s to review: %w", task.ID, err)
	}
	l.dispatch(hooks.EventTaskUpdated, task, map[string]any{"to": string(types.StatusReview)})
	return outcomeDone, nil
}

// runReviewer invokes the reviewer role for a review task and reacts to
// its decision token.
func (l *Loop) runReviewer(ctx context.Context, task *types.Task, shouldStop func() bool) (roundOutcome, error) {
	guidance := l.intervene(ctx, task)

	coderResponse := ""
	if latest, err := l.store.LatestInvocation(ctx, task.ID); err == nil && latest != nil {
		coderResponse = latest.Response
	}
	prompt := buildReviewerPrompt(task, coderResponse, guidance)

	outcome, err := l.sup.Invoke(ctx, task.ID, l.cfg.ReviewerProvider, prompt, supervisor.Options{
		Model: l.cfg.ReviewerModel, CWD: l.cfg.ProjectPath, Timeout: l.cfg.InvocationTimeout,
		Role: types.RoleReviewer, RejectionNumber: task.RejectionCount,
	})
	if err != nil {
		return outcomeDone, fmt.Errorf("invoke reviewer for task %s: %w", task.ID, err)
	}

	if outcome.Classification.Type == types.ClassCreditExhaustion {
		return l.handleCreditExhaustion(ctx, l.cfg.ReviewerProvider, l.cfg.ReviewerModel, types.RoleReviewer, shouldStop)
	}

	if !outcome.Success {
		l.log.Warn("reviewer invocation did not succeed", "task_id", task.ID, "classification", outcome.Classification.Type)
		return outcomeDone, nil // transient: lease released, task stays at review
	}

	switch invocationlog.ParseDecision(outcome.Stdout) {
	case invocationlog.DecisionApprove:
		if err := l.store.TransitionTask(ctx, task.ID, types.StatusCompleted, l.cfg.RunnerID, types.ActorReviewer, "reviewer approved", ""); err != nil {
			return outcomeDone, fmt.Errorf("transition task %s to completed: %w", task.ID, err)
		}
		l.appendActivity(ctx, task, types.StatusCompleted)
		l.dispatch(hooks.EventTaskCompleted, task, nil)
	case invocationlog.DecisionReject:
		if err := l.store.IncrementRejection(ctx, task.ID, l.cfg.RunnerID); err != nil {
			return outcomeDone, fmt.Errorf("increment rejection for task %s: %w", task.ID, err)
		}
		l.dispatch(hooks.EventTaskUpdated, task, map[string]any{"to": string(types.StatusInProgress), "reason": "rejected"})
	default:
		l.log.Warn("reviewer returned no decision token", "task_id", task.ID)
	}
	return outcomeDone, nil
}

// handleMaxRejections implements the rejection_count=15 boundary: refuse another coder invocation and either
// auto-dispute or fail the task.
func (l *Loop) handleMaxRejections(ctx context.Context, task *types.Task) error {
	if l.cfg.AutoDisputeOnMaxRejections {
		_, err := l.store.CreateDispute(ctx, &types.Dispute{
			TaskID: task.ID, Type: "max_rejections",
			Reason:    fmt.Sprintf("rejection_count reached the %d cap", types.MaxRejectionCount),
			CreatedBy: l.cfg.RunnerID,
		})
		if err != nil {
			return fmt.Errorf("create dispute for task %s: %w", task.ID, err)
		}
		if err := l.store.TransitionTask(ctx, task.ID, types.StatusDisputed, l.cfg.RunnerID, types.ActorRecovery, "max rejections reached", ""); err != nil {
			return fmt.Errorf("transition task %s to disputed: %w", task.ID, err)
		}
		l.dispatch(hooks.EventDisputeCreated, task, nil)
		return nil
	}
	if err := l.store.TransitionTask(ctx, task.ID, types.StatusFailed, l.cfg.RunnerID, types.ActorRecovery, "max rejections reached, no auto-dispute", ""); err != nil {
		return fmt.Errorf("transition task %s to failed: %w", task.ID, err)
	}
	l.appendActivity(ctx, task, types.StatusFailed)
	l.dispatch(hooks.EventTaskFailed, task, nil)
	return nil
}

// appendActivity records a terminal task outcome in the global activity
// log; failures here are invisible to the loop by design.
func (l *Loop) appendActivity(ctx context.Context, task *types.Task, final types.TaskStatus) {
	if l.global == nil {
		return
	}
	sectionName := ""
	if task.SectionID != "" {
		if sec, err := l.store.GetSection(ctx, task.SectionID); err == nil && sec != nil {
			sectionName = sec.Name
		}
	}
	if err := l.global.AppendActivity(ctx, &globaldb.ActivityEntry{
		ProjectPath: l.cfg.ProjectPath,
		RunnerID:    l.cfg.RunnerID,
		TaskID:      task.ID,
		TaskTitle:   task.Title,
		SectionName: sectionName,
		FinalStatus: string(final),
	}); err != nil {
		l.log.Warn("append activity failed", "task_id", task.ID, "error", err)
	}
}

// --- Credit pause ---

func (l *Loop) handleCreditExhaustion(ctx context.Context, provider, model string, role types.Role, shouldStop func() bool) (roundOutcome, error) {
	if l.cfg.Once {
		return outcomeDone, &errs.CreditExhaustionError{Provider: provider, Model: model, Role: string(role)}
	}

	incID, err := l.recordOrReuseCreditIncident(ctx, provider, model, role)
	if err != nil {
		l.log.Warn("record credit incident failed", "error", err)
	}
	l.dispatch(hooks.EventCreditExhausted, nil, map[string]any{"provider": provider, "model": model, "role": string(role)})

	baseline, err := l.reloadCfg()
	if err != nil {
		l.log.Warn("reload config for credit pause baseline failed", "error", err)
	}
	baseProvider, baseModel := providerModelFor(baseline, role)

	pollInterval := l.cfg.CreditPausePoll
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wake, closeWatch := watchConfig(l.cfg.SteroidsDir, l.log)
	defer closeWatch()

	for {
		if shouldStop() || ctx.Err() != nil {
			if incID != 0 {
				_ = l.store.ResolveIncident(ctx, incID, "stopped")
			}
			return outcomeDone, &errs.CancellationRequestedError{}
		}

		select {
		case <-ctx.Done():
			if incID != 0 {
				_ = l.store.ResolveIncident(ctx, incID, "stopped")
			}
			return outcomeDone, &errs.CancellationRequestedError{}
		case <-ticker.C:
		case <-wake:
			// An edit under .steroids/ (most likely config.yaml) landed;
			// re-check immediately rather than waiting out the rest of the
			// poll interval.
		}

		l.heartbeatRunner(ctx, "", "")

		cfg, err := l.reloadCfg()
		if err != nil {
			l.log.Warn("reload config during credit pause failed", "error", err)
			continue
		}
		curProvider, curModel := providerModelFor(cfg, role)
		if curProvider != baseProvider || curModel != baseModel {
			if incID != 0 {
				_ = l.store.ResolveIncident(ctx, incID, "config_changed")
			}
			l.dispatch(hooks.EventCreditResolved, nil, map[string]any{"provider": curProvider, "model": curModel, "role": string(role)})
			return outcomePausedResumed, nil
		}
	}
}

type creditIncidentDetails struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Role     string `json:"role"`
}

// recordOrReuseCreditIncident dedupes by provider+model+role within the
// last hour, so repeated pauses on the same exhausted account reuse one
// open incident.
func (l *Loop) recordOrReuseCreditIncident(ctx context.Context, provider, model string, role types.Role) (int64, error) {
	open, err := l.store.ListOpenIncidents(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Hour)
	for _, inc := range open {
		if inc.FailureMode != types.FailureCreditExhaustion || inc.DetectedAt.Before(cutoff) {
			continue
		}
		var d creditIncidentDetails
		if json.Unmarshal([]byte(inc.Details), &d) == nil && d.Provider == provider && d.Model == model && d.Role == string(role) {
			return inc.ID, nil
		}
	}
	details, _ := json.Marshal(creditIncidentDetails{Provider: provider, Model: model, Role: string(role)})
	return l.store.RecordIncident(ctx, &types.Incident{
		FailureMode: types.FailureCreditExhaustion, DetectedAt: time.Now(), Details: string(details),
	})
}

func providerModelFor(cfg *config.Config, role types.Role) (provider, model string) {
	if cfg == nil {
		return "", ""
	}
	switch role {
	case types.RoleReviewer:
		return cfg.AI.Reviewer.Provider, cfg.AI.Reviewer.Model
	default:
		return cfg.AI.Coder.Provider, cfg.AI.Coder.Model
	}
}

// --- Rejection-pattern intervention ---

// intervene invokes the coordinator when a task has accumulated enough
// rejections, returning guidance text to attach as read-only context to
// the next coder/reviewer invocation, or "" if no coordinator is
// configured, there is no history yet, or the call failed (the
// intervention is strictly best-effort).
func (l *Loop) intervene(ctx context.Context, task *types.Task) string {
	if l.coord == nil || task.RejectionCount < coordinator.InterventionThreshold {
		return ""
	}

	invs, err := l.store.ListInvocationsForTask(ctx, task.ID)
	if err != nil {
		l.log.Warn("list invocations for intervention failed", "task_id", task.ID, "error", err)
		return ""
	}
	history := buildRejectionHistory(invs)
	if len(history) == 0 {
		return ""
	}

	result, err := l.coord.Intervene(ctx, task, history)
	if err != nil {
		l.log.Warn("coordinator intervention failed", "task_id", task.ID, "error", err)
		return ""
	}
	return fmt.Sprintf("Coordinator guidance (%s): %s", result.Decision, result.Guidance)
}

func buildRejectionHistory(invs []*types.Invocation) []coordinator.RejectionRound {
	var rounds []coordinator.RejectionRound
	var lastCoderResponse string
	for _, inv := range invs {
		switch inv.Role {
		case types.RoleCoder:
			lastCoderResponse = inv.Response
		case types.RoleReviewer:
			if inv.RejectionNumber > 0 {
				rounds = append(rounds, coordinator.RejectionRound{
					RejectionNumber: inv.RejectionNumber,
					CoderResponse:   lastCoderResponse,
					ReviewerNotes:   inv.Response,
				})
			}
		}
	}
	return rounds
}

// --- Prompt construction ---

func buildCoderPrompt(task *types.Task, guidance string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement the following task.\n\nTitle: %s\n", task.Title)
	if task.FilePath != "" {
		fmt.Fprintf(&sb, "File: %s", task.FilePath)
		if task.FileLine > 0 {
			fmt.Fprintf(&sb, ":%d", task.FileLine)
		}
		sb.WriteString("\n")
	}
	if guidance != "" {
		fmt.Fprintf(&sb, "\n%s\n", guidance)
	}
	sb.WriteString("\nWhen you are finished, print a line reading \"TASK COMPLETE\".\n")
	return sb.String()
}

func buildReviewerPrompt(task *types.Task, coderResponse, guidance string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the following work against the task requirements.\n\nTitle: %s\n", task.Title)
	if coderResponse != "" {
		fmt.Fprintf(&sb, "\nCoder output:\n%s\n", coderResponse)
	}
	if guidance != "" {
		fmt.Fprintf(&sb, "\n%s\n", guidance)
	}
	sb.WriteString("\nRespond with a line reading exactly \"DECISION: APPROVE\" or \"DECISION: REJECT\", followed by your reasoning.\n")
	return sb.String()
}

// --- Hooks ---

func (l *Loop) dispatch(event string, task *types.Task, fields map[string]any) {
	p := hooks.Payload{Event: event, Timestamp: time.Now(), Project: l.cfg.ProjectPath, Fields: fields}
	if task != nil {
		p.TaskID = task.ID
		p.SectionID = task.SectionID
	}
	l.dispatcher.Dispatch(p)
}
