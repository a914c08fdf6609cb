package store

import "time"

// ExecutionStatus is the lifecycle of one workflow run.
type ExecutionStatus string

// Execution statuses, per spec.md §3.
const (
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionInterrupted ExecutionStatus = "interrupted"
)

// Execution is a run of one workflow script.
type Execution struct {
	ID         string          `db:"id"`
	Name       string          `db:"name"`
	ScriptPath string          `db:"script_path"`
	Status     ExecutionStatus `db:"status"`
	ScopeRev   int             `db:"scope_rev"`
	StartedAt  time.Time       `db:"started_at"`
	EndedAt    *time.Time      `db:"ended_at"`
	CreatedAt  time.Time       `db:"created_at"`
}

// PhaseStatus is the lifecycle of a Phase or Step.
type PhaseStatus string

// Phase/Step statuses, per spec.md §3/§4.4.
const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Phase is a declared phase of a workflow.
type Phase struct {
	ID          string      `db:"id"`
	ExecutionID string      `db:"execution_id"`
	Name        string      `db:"name"`
	Status      PhaseStatus `db:"status"`
	Position    int         `db:"position"`
	StartedAt   *time.Time  `db:"started_at"`
	EndedAt     *time.Time  `db:"ended_at"`
	DurationMs  *int64      `db:"duration_ms"`
	CreatedAt   time.Time   `db:"created_at"`
}

// Step is a child of a Phase with the same lifecycle shape.
type Step struct {
	ID          string      `db:"id"`
	ExecutionID string      `db:"execution_id"`
	PhaseID     string      `db:"phase_id"`
	Name        string      `db:"name"`
	Status      PhaseStatus `db:"status"`
	Position    int         `db:"position"`
	StartedAt   *time.Time  `db:"started_at"`
	EndedAt     *time.Time  `db:"ended_at"`
	DurationMs  *int64      `db:"duration_ms"`
	CreatedAt   time.Time   `db:"created_at"`
}

// AgentRunStatus is the lifecycle of one agent invocation.
type AgentRunStatus string

// AgentRun statuses, per spec.md §3.
const (
	AgentRunPending    AgentRunStatus = "pending"
	AgentRunStreaming  AgentRunStatus = "streaming"
	AgentRunTools      AgentRunStatus = "tools"
	AgentRunContinuing AgentRunStatus = "continuing"
	AgentRunCompleted  AgentRunStatus = "completed"
	AgentRunFailed     AgentRunStatus = "failed"
	AgentRunCancelled  AgentRunStatus = "cancelled"
)

// forwardOnly lists the only transitions AgentRun.Status may take, per
// spec.md §6 "Statuses advance only forward".
var forwardOnly = map[AgentRunStatus][]AgentRunStatus{
	AgentRunPending:    {AgentRunStreaming, AgentRunTools, AgentRunCompleted, AgentRunFailed, AgentRunCancelled},
	AgentRunStreaming:  {AgentRunTools, AgentRunContinuing, AgentRunCompleted, AgentRunFailed, AgentRunCancelled},
	AgentRunTools:      {AgentRunContinuing, AgentRunCompleted, AgentRunFailed, AgentRunCancelled},
	AgentRunContinuing: {AgentRunStreaming, AgentRunTools, AgentRunCompleted, AgentRunFailed, AgentRunCancelled},
}

// CanTransition reports whether an AgentRun may move from `from` to `to`.
func CanTransition(from, to AgentRunStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range forwardOnly[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AgentRun is a single invocation of the external agent executor.
type AgentRun struct {
	ID           string         `db:"id"`
	ExecutionID  string         `db:"execution_id"`
	NodeID       string         `db:"node_id"`
	PhaseID      *string        `db:"phase_id"`
	StepID       *string        `db:"step_id"`
	Prompt       string         `db:"prompt"`
	Model        string         `db:"model"`
	AllowedTools string         `db:"allowed_tools"` // JSON array
	Status       AgentRunStatus `db:"status"`
	TokensInput  *int64         `db:"tokens_input"`
	TokensOutput *int64         `db:"tokens_output"`
	Error        *string        `db:"error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// ToolCall is a single tool invocation made during an AgentRun.
type ToolCall struct {
	ID         string  `db:"id"`
	AgentRunID string  `db:"agent_run_id"`
	ToolName   string  `db:"tool_name"`
	InputJSON  string  `db:"input_json"`
	Status     string  `db:"status"`
	Output     *string `db:"output"`
	Error      *string `db:"error"`
}

// RenderFrame is a persisted snapshot of the rendered tree at one
// iteration boundary.
type RenderFrame struct {
	ExecutionID    string    `db:"execution_id"`
	SequenceNumber int       `db:"sequence_number"`
	TreeXML        string    `db:"tree_xml"`
	CreatedAt      time.Time `db:"created_at"`
}

// RenderFrameRetention is the default number of RenderFrames retained
// per Execution (spec.md §3).
const RenderFrameRetention = 50

// ModuleVersion is a rewritten overlay produced by SuperSmithers.
type ModuleVersion struct {
	VersionID       string  `db:"version_id"`
	ModuleHash      string  `db:"module_hash"`
	ParentVersionID *string `db:"parent_version_id"`
	Code            string  `db:"code"`
	CodeSHA256      string  `db:"code_sha256"`
	Trigger         string  `db:"trigger"`
	AnalysisJSON    string  `db:"analysis_json"`
	VCSCommitID     string  `db:"vcs_commit_id"`
}

// ActiveOverride points a module_hash at the currently active
// ModuleVersion. Its absence means "load the baseline".
type ActiveOverride struct {
	ModuleHash string  `db:"module_hash"`
	VersionID  *string `db:"version_id"`
}

// StateEntry is a JSON-valued key within an Execution.
type StateEntry struct {
	ExecutionID string    `db:"execution_id"`
	Key         string    `db:"key"`
	ValueJSON   string    `db:"value_json"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// StateTransition is one append-only log entry of a StateEntry change.
type StateTransition struct {
	ExecutionID string    `db:"execution_id"`
	Key         string    `db:"key"`
	OldJSON     *string   `db:"old_json"`
	NewJSON     string    `db:"new_json"`
	Trigger     *string   `db:"trigger"`
	At          time.Time `db:"at"`
}
