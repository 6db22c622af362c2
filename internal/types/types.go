// Package types holds the shared domain model for the orchestration core:
// tasks, sections, audit entries, invocations, leases, runners, and
// incidents. These are plain data structs; behavior lives in the packages
// that own persistence and coordination.
package types

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusCompleted  TaskStatus = "completed"
	StatusDisputed   TaskStatus = "disputed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// MaxRejectionCount is the hard cap on Task.RejectionCount.
const MaxRejectionCount = 15

// Task is the unit of work driven through the state machine.
type Task struct {
	ID              string
	Title           string
	Status          TaskStatus
	SectionID       string // empty if unscoped
	SourceFile      string
	FilePath        string
	FileLine        int
	FileCommitSHA   string
	FileContentHash string
	RejectionCount  int
	FailureCount    int
	LastFailureAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Section is an ordered group of tasks.
type Section struct {
	ID        string
	Name      string
	Position  int
	Priority  int
	Skipped   bool
	CreatedAt time.Time
}

// SectionDependency records a directed edge: SectionID depends on
// DependsOnSectionID.
type SectionDependency struct {
	ID                 int64
	SectionID          string
	DependsOnSectionID string
}

// ActorType distinguishes who performed a state transition.
type ActorType string

const (
	ActorHuman     ActorType = "human"
	ActorCoder     ActorType = "coder"
	ActorReviewer  ActorType = "reviewer"
	ActorRecovery  ActorType = "recovery"
	ActorSanitizer ActorType = "sanitizer"
)

// AuditEntry is an append-only record of a task status transition.
type AuditEntry struct {
	ID         int64
	TaskID     string
	FromStatus TaskStatus
	ToStatus   TaskStatus
	Actor      string
	ActorType  ActorType
	Model      string
	Notes      string
	CommitSHA  string
	CreatedAt  time.Time
}

// Role identifies which of the three independently configured provider
// slots an invocation used.
type Role string

const (
	RoleCoder        Role = "coder"
	RoleReviewer     Role = "reviewer"
	RoleOrchestrator Role = "orchestrator"
)

// InvocationStatus is the lifecycle state of one external process run.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimeout   InvocationStatus = "timeout"
)

// Invocation is one external-process execution against a task.
type Invocation struct {
	ID               int64
	TaskID           string
	Role             Role
	Provider         string
	Model            string
	Prompt           string
	Response         string
	Error            string
	StartedAtMS      int64
	CompletedAtMS    *int64
	LastActivityAtMS int64
	Status           InvocationStatus
	ExitCode         int
	DurationMS       int64
	Success          bool
	TimedOut         bool
	RejectionNumber  int
	CreatedAt        time.Time
}

// TaskLock is a lease row over a single task.
type TaskLock struct {
	TaskID      string
	RunnerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// SectionLock is a lease row over a single section.
type SectionLock struct {
	SectionID  string
	RunnerID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// RunnerStatus is the lifecycle state of a registered runner process.
type RunnerStatus string

const (
	RunnerRunning RunnerStatus = "running"
	RunnerStopped RunnerStatus = "stopped"
)

// Runner is a long-running loop process registered in the global store.
type Runner struct {
	ID                string
	Status            RunnerStatus
	OSProcessID       int
	ProjectPath       string
	CurrentTaskID     string
	SectionID         string
	ParallelSessionID string
	StartedAt         time.Time
	HeartbeatAt       time.Time
}

// FailureMode enumerates the pathologies the detector recognizes.
type FailureMode string

const (
	FailureOrphanedTask      FailureMode = "orphaned_task"
	FailureHangingInvocation FailureMode = "hanging_invocation"
	FailureZombieRunner      FailureMode = "zombie_runner"
	FailureDeadRunner        FailureMode = "dead_runner"
	FailureDBInconsistency   FailureMode = "db_inconsistency"
	// FailureCreditExhaustion is not a detector pathology; it records
	// credit-pause incidents in the same append-only table, deduped by
	// provider+model+role.
	FailureCreditExhaustion FailureMode = "credit_exhaustion"
)

// Incident is an append-only record of a detected pathology.
type Incident struct {
	ID          int64
	TaskID      string
	RunnerID    string
	FailureMode FailureMode
	DetectedAt  time.Time
	ResolvedAt  *time.Time
	Resolution  string
	Details     string // JSON blob
	CreatedAt   time.Time
}

// DisputeStatus is the lifecycle state of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute records an unresolved coder/reviewer disagreement.
type Dispute struct {
	ID               int64
	TaskID           string
	Type             string
	Status           DisputeStatus
	Reason           string
	CoderPosition    string
	ReviewerPosition string
	Resolution       string
	ResolutionNotes  string
	CreatedBy        string
	ResolvedBy       string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// ClassificationType is the outcome bucket a provider assigns to a failed
// invocation.
type ClassificationType string

const (
	ClassCreditExhaustion ClassificationType = "credit_exhaustion"
	ClassModelNotFound    ClassificationType = "model_not_found"
	ClassAuthError        ClassificationType = "auth_error"
	ClassNetwork          ClassificationType = "network"
	ClassUnknown          ClassificationType = "unknown"
)

// Classification is the structured verdict a provider's classify() returns.
type Classification struct {
	Type      ClassificationType
	Retryable bool
	Message   string
}
