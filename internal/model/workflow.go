package model

import "time"

// WorkflowStatus is the lifecycle state of a Workflow record.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
	WorkflowArchived WorkflowStatus = "archived"
)

// OnError names the policy a workflow (or an individual task override) uses
// when a task fails terminally.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// TaskSpec is a template within a Workflow definition, not a run record.
type TaskSpec struct {
	Name           string         `json:"name"`
	AgentType      string         `json:"agent_type"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	RetryCount     *int           `json:"retry_count,omitempty"`
	OnError        *OnError       `json:"on_error,omitempty"`
}

// Definition is the DAG carried by a Workflow.
type Definition struct {
	Tasks     []TaskSpec     `json:"tasks"`
	Variables map[string]any `json:"variables,omitempty"`
	OnError   OnError        `json:"on_error,omitempty"`
}

// EffectiveOnError returns the workflow-level policy, defaulting to stop.
func (d Definition) EffectiveOnError() OnError {
	if d.OnError == "" {
		return OnErrorStop
	}
	return d.OnError
}

// TaskByName returns the TaskSpec with the given name, or false.
func (d Definition) TaskByName(name string) (TaskSpec, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Workflow is a persisted, owner-scoped workflow definition.
type Workflow struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Owner             string         `json:"owner"`
	Definition        Definition     `json:"definition"`
	Status            WorkflowStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	TimeoutSeconds    *int           `json:"timeout_seconds,omitempty"`
	MaxRetriesDefault *int           `json:"max_retries_default,omitempty"`
}

// Schedule is a standing instruction, owned by the Trigger component, to
// call ExecuteWorkflow on a cron cadence. The engine never reads this
// record; only the Trigger polls it.
type Schedule struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Owner      string         `json:"owner"`
	Name       string         `json:"name"`
	CronExpr   string         `json:"cron_expr"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Enabled    bool           `json:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ExecutionStatus is the lifecycle state of an Execution record.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one run of a Workflow.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	TriggerType string          `json:"trigger_type"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskRunStatus is the lifecycle state of a TaskRun record.
type TaskRunStatus string

const (
	TaskRunQueued    TaskRunStatus = "queued"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunSkipped   TaskRunStatus = "skipped"
	TaskRunCancelled TaskRunStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case TaskRunCompleted, TaskRunFailed, TaskRunSkipped, TaskRunCancelled:
		return true
	}
	return false
}

// TaskRun is a single attempt-sequence of a task within one execution.
type TaskRun struct {
	ID                 string         `json:"id"`
	ExecutionID        string         `json:"execution_id"`
	TaskName           string         `json:"task_name"`
	AgentType          string         `json:"agent_type"`
	Action             string         `json:"action"`
	Status             TaskRunStatus  `json:"status"`
	Attempt            int            `json:"attempt"`
	RetryCountLimit    int            `json:"retry_count_limit"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	DurationMs         *int64         `json:"duration_ms,omitempty"`
	ParametersResolved map[string]any `json:"parameters_resolved,omitempty"`
	Output             map[string]any `json:"output,omitempty"`
	Error              *Error         `json:"error,omitempty"`
}

// ExecutionEventKind names one of the EventBus event kinds.
type ExecutionEventKind string

const (
	EventExecutionQueued    ExecutionEventKind = "execution_queued"
	EventExecutionStarted   ExecutionEventKind = "execution_started"
	EventTaskQueued         ExecutionEventKind = "task_queued"
	EventTaskStarted        ExecutionEventKind = "task_started"
	EventTaskSucceeded      ExecutionEventKind = "task_succeeded"
	EventTaskFailed         ExecutionEventKind = "task_failed"
	EventTaskRetrying       ExecutionEventKind = "task_retrying"
	EventTaskSkipped        ExecutionEventKind = "task_skipped"
	EventTaskCancelled      ExecutionEventKind = "task_cancelled"
	EventExecutionCompleted ExecutionEventKind = "execution_completed"
	EventExecutionFailed    ExecutionEventKind = "execution_failed"
	EventExecutionCancelled ExecutionEventKind = "execution_cancelled"
)

// IsTerminal reports whether the event kind is one of the three terminal
// execution events that the EventBus must never drop.
func (k ExecutionEventKind) IsTerminal() bool {
	switch k {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

// ExecutionEvent is one row of the append-only execution_events log.
type ExecutionEvent struct {
	ExecutionID   string             `json:"execution_id"`
	Seq           int64              `json:"seq"`
	Ts            time.Time          `json:"ts"`
	Kind          ExecutionEventKind `json:"kind"`
	TaskName      string             `json:"task_name,omitempty"`
	Attempt       int                `json:"attempt,omitempty"`
	Error         *Error             `json:"error,omitempty"`
	OutputDigest  string             `json:"output_digest,omitempty"`
}
