package models

import "time"

// ExecutionStatus represents the lifecycle state of a chain run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the outcome of a single step in the trace.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// StepResult is one entry of a run's append-only trace. Steps on the untaken
// branch of a condition are recorded as skipped so the trace stays complete.
type StepResult struct {
	StepIndex        int              `json:"step_index"`
	StepName         string           `json:"step_name,omitempty"`
	Kind             StepKind         `json:"kind"`
	Status           StepStatus       `json:"status"`
	Output           any              `json:"output,omitempty"`
	TokensUsed       int              `json:"tokens_used,omitempty"`
	LatencyMs        int64            `json:"latency_ms,omitempty"`
	CredentialSource CredentialSource `json:"credential_source,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// ExecutionContext is the central mutable record of one chain run. It is
// exclusively owned by the executing goroutine; after the run reaches a
// terminal status it is never mutated again.
type ExecutionContext struct {
	ID          string `json:"id"`
	ChainID     string `json:"chain_id"`
	WorkspaceID string `json:"workspace_id"`
	ActorID     string `json:"actor_id"`

	Status ExecutionStatus `json:"status"`

	// InputVariables is the caller-supplied snapshot, kept verbatim for
	// auditability. Variables is the live scope accumulating step outputs.
	InputVariables map[string]any `json:"input_variables,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`

	StepResults []StepResult `json:"step_results,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	FailedStep  *int       `json:"failed_step,omitempty"`

	// CancelRequested is the cooperative cancellation flag. It is the only
	// field written by anyone other than the executing goroutine, and stores
	// must flip it with a single atomic update.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// AppendResult appends a step result to the trace, assigning its position.
func (ec *ExecutionContext) AppendResult(result StepResult) {
	result.StepIndex = len(ec.StepResults)
	ec.StepResults = append(ec.StepResults, result)
}

// BindVariable writes a value into the run scope. Rebinding overwrites.
func (ec *ExecutionContext) BindVariable(name string, value any) {
	if ec.Variables == nil {
		ec.Variables = make(map[string]any)
	}

	ec.Variables[name] = value
}

func (ec *ExecutionContext) markTerminal(status ExecutionStatus) {
	now := time.Now().UTC()
	ec.Status = status
	ec.CompletedAt = &now
}

// MarkCompleted transitions the run to its successful terminal state.
func (ec *ExecutionContext) MarkCompleted() {
	ec.markTerminal(ExecutionStatusCompleted)
}

// MarkFailed records the first error and the index of the failing step.
func (ec *ExecutionContext) MarkFailed(stepIndex int, message string) {
	ec.markTerminal(ExecutionStatusFailed)
	ec.Error = message
	ec.FailedStep = &stepIndex
}

// MarkCancelled transitions the run to the cancelled terminal state.
// Cancellation is a distinct outcome, not a failure.
func (ec *ExecutionContext) MarkCancelled() {
	ec.markTerminal(ExecutionStatusCancelled)
}
