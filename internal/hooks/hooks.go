// Package hooks implements the Hook Dispatcher contract: the core
// emits a structured event payload on each observable state transition,
// and user-provided scripts under a project's .steroids/hooks/ directory
// run in response. Failures never block the loop; Dispatch discards them
// without logging, and only DispatchSync returns them to its caller.
//
// Dispatch mechanics: stat the script, check the executable bit, spawn
// with a timeout, and kill the whole process group if it hangs.
package hooks

import (
	"os"
	"path/filepath"
	"time"
)

// Event names emitted on observable state transitions.
const (
	EventTaskCreated      = "task.created"
	EventTaskUpdated      = "task.updated"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventSectionCompleted = "section.completed"
	EventHealthChanged    = "health.changed"
	EventHealthCritical   = "health.critical"
	EventDisputeCreated   = "dispute.created"
	EventDisputeResolved  = "dispute.resolved"
	EventCreditExhausted  = "credit.exhausted"
	EventCreditResolved   = "credit.resolved"
)

// Every event shares a single script file so hosts can dispatch on the
// "event" field inside the payload rather than maintaining one script
// per event name.
const hookFileName = "on_event"

// Payload is the structured body delivered to a hook script over stdin as
// JSON, and to a webhook as the request body.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Project   string         `json:"project"`
	TaskID    string         `json:"task_id,omitempty"`
	SectionID string         `json:"section_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Dispatcher is the Go-level contract every hook transport (argv script,
// HTTPS webhook) implements. The orchestrator only depends on this
// interface; Runner below is the one argv-spawning implementation
// shipped.
type Dispatcher interface {
	Dispatch(p Payload)
}

// Runner dispatches events to a single executable script per project.
type Runner struct {
	hooksDir string
	timeout  time.Duration
}

// NewRunner constructs a Runner rooted at a project's .steroids/hooks
// directory.
func NewRunner(hooksDir string) *Runner {
	return &Runner{hooksDir: hooksDir, timeout: 10 * time.Second}
}

// NewRunnerFromProject constructs a Runner from a project's .steroids root.
func NewRunnerFromProject(steroidsDir string) *Runner {
	return NewRunner(filepath.Join(steroidsDir, "hooks"))
}

// Dispatch fires the event hook asynchronously, fire-and-forget; hook
// failures never block the loop.
func (r *Runner) Dispatch(p Payload) {
	hookPath := filepath.Join(r.hooksDir, hookFileName)

	info, err := os.Stat(hookPath)
	if err != nil || info.IsDir() {
		return // no hook configured, skip silently
	}
	if info.Mode()&0o111 == 0 {
		return // not executable, skip
	}

	go func() {
		_ = r.runHook(hookPath, p)
	}()
}

// DispatchSync runs the hook synchronously, for callers (such as tests)
// that need to observe the outcome.
func (r *Runner) DispatchSync(p Payload) error {
	hookPath := filepath.Join(r.hooksDir, hookFileName)

	info, err := os.Stat(hookPath)
	if err != nil || info.IsDir() {
		return nil
	}
	if info.Mode()&0o111 == 0 {
		return nil
	}

	return r.runHook(hookPath, p)
}

// HookExists reports whether a dispatchable hook script is configured.
func (r *Runner) HookExists() bool {
	hookPath := filepath.Join(r.hooksDir, hookFileName)
	info, err := os.Stat(hookPath)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Noop is a Dispatcher that discards every event, for callers that run
// without a configured hooks directory.
type Noop struct{}

func (Noop) Dispatch(Payload) {}
