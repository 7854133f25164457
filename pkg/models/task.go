package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on its dependencies or a slot.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency has completed. It is derived
	// for status reports and never persisted.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task holds a worker slot.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task produced a result.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its attempts or failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusRetrying indicates the task failed and waits for its backoff to elapse.
	TaskStatusRetrying TaskStatus = "retrying"
	// TaskStatusSkipped indicates a dependency failed permanently so the task never ran.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusRetrying, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// TaskSpec is the caller-supplied definition of a task at workflow creation.
type TaskSpec struct {
	// ID is unique within the workflow.
	ID string `json:"id" validate:"required,max=128"`
	// Description is passed to the executor as the head of the task input.
	Description string `json:"description"`
	// Dependencies lists task IDs that must complete first, in declaration order.
	Dependencies []string `json:"dependencies,omitempty" validate:"dive,required"`
	// Priority orders ready tasks; higher runs first.
	Priority int `json:"priority"`
	// Retry overrides the workflow default retry policy.
	Retry *RetryPolicy `json:"retry,omitempty" validate:"omitempty"`
	// Timeout bounds a single attempt. Zero uses the workflow default.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`
	// Optional tasks may fail without failing the workflow.
	Optional bool `json:"optional,omitempty"`
}

// Task is the persisted state of one unit of work.
type Task struct {
	// ID is the unique identifier for this task within its workflow.
	ID string `json:"id"`
	// WorkflowID is the owning workflow.
	WorkflowID string `json:"workflow_id"`
	// Description is the executor-facing text of the task.
	Description string `json:"description,omitempty"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// Priority orders ready tasks; higher runs first.
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Result is set only when the task completed.
	Result string `json:"result,omitempty"`
	// Error holds the last failure reason.
	Error string `json:"error,omitempty"`
	// Attempts counts executor invocations started for this task.
	Attempts int `json:"attempts"`
	// LastAttemptAt is when the latest attempt started.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	// EligibleAt is when a retrying task may run again.
	EligibleAt *time.Time `json:"eligible_at,omitempty"`
	// Retry is the task-level retry override, if any.
	Retry *RetryPolicy `json:"retry,omitempty"`
	// Timeout bounds a single attempt. Zero uses the workflow default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Optional tasks may fail without failing the workflow.
	Optional bool `json:"optional,omitempty"`
}

// NewTask builds the initial pending task for a spec.
func NewTask(workflowID string, spec TaskSpec) Task {
	deps := make([]string, len(spec.Dependencies))
	copy(deps, spec.Dependencies)
	var retry *RetryPolicy
	if spec.Retry != nil {
		r := *spec.Retry
		retry = &r
	}
	return Task{
		ID:           spec.ID,
		WorkflowID:   workflowID,
		Description:  spec.Description,
		Dependencies: deps,
		Priority:     spec.Priority,
		Status:       TaskStatusPending,
		Retry:        retry,
		Timeout:      spec.Timeout,
		Optional:     spec.Optional,
	}
}

// Spec returns the definition the task was created from.
func (t Task) Spec() TaskSpec {
	return TaskSpec{
		ID:           t.ID,
		Description:  t.Description,
		Dependencies: t.Dependencies,
		Priority:     t.Priority,
		Retry:        t.Retry,
		Timeout:      t.Timeout,
		Optional:     t.Optional,
	}
}

// Outcome classifies how an execution attempt ended.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeSkipped     Outcome = "skipped"
)

// ExecutionRecord is an append-only log entry for one attempt or skip.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the attempt ran.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
