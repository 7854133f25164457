package models

import (
	"sort"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	// WorkflowStatusCreated indicates the workflow is persisted but never started.
	WorkflowStatusCreated WorkflowStatus = "created"
	// WorkflowStatusRunning indicates a control loop is dispatching tasks.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusPaused indicates the pause marker is set.
	WorkflowStatusPaused WorkflowStatus = "paused"
	// WorkflowStatusCompleted indicates the graph was exhausted without failure.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates a required task failed or was skipped.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCanceled indicates the workflow was canceled by a caller.
	WorkflowStatusCanceled WorkflowStatus = "canceled"
	// WorkflowStatusDegraded indicates the control loop halted on a persistence error.
	WorkflowStatusDegraded WorkflowStatus = "degraded"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusCreated, WorkflowStatusRunning, WorkflowStatusPaused,
		WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCanceled,
		WorkflowStatusDegraded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the workflow can no longer be started.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCanceled
}

// Workflow is the persisted header of a workflow.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// TaskIDs lists task IDs in declaration order.
	TaskIDs []string `json:"task_ids"`
	// Status is the current lifecycle state.
	Status WorkflowStatus `json:"status"`
	// ConcurrencyLimit caps tasks running at once.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// FailFast cancels remaining work on the first required failure.
	FailFast bool `json:"fail_fast"`
	// SkippedIsFailure makes a skipped task fail the workflow.
	SkippedIsFailure bool `json:"skipped_is_failure"`
	// DefaultRetry applies to tasks without their own policy.
	DefaultRetry RetryPolicy `json:"default_retry"`
	// DefaultTimeout applies to tasks without their own timeout. Zero means none.
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
	// Paused is the durable pause marker.
	Paused bool `json:"paused"`
	// Owner is the controller instance holding the control loop.
	Owner string `json:"owner,omitempty"`
	// LeaseUntil is when the owner claim lapses unless renewed. Nil with
	// an owner set means the claim never lapses.
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	// RunningCount is the number of tasks committed as running.
	RunningCount int `json:"running_count"`
	// Error holds the terminal reason, if any.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the workflow header last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnerLive reports whether the owner claim still holds at now.
func (w *Workflow) OwnerLive(now time.Time) bool {
	if w.Owner == "" {
		return false
	}
	return w.LeaseUntil == nil || now.Before(*w.LeaseUntil)
}

// WorkflowSummary is a compact listing entry.
type WorkflowSummary struct {
	ID        string         `json:"id"`
	Status    WorkflowStatus `json:"status"`
	Paused    bool           `json:"paused"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot is a consistent read of a workflow and all of its tasks.
type Snapshot struct {
	Workflow Workflow `json:"workflow"`
	Tasks    []Task   `json:"tasks"`
}

// Task returns the task with the given ID, or nil.
func (s *Snapshot) Task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Statuses maps task IDs to their persisted status.
func (s *Snapshot) Statuses() map[string]TaskStatus {
	out := make(map[string]TaskStatus, len(s.Tasks))
	for _, t := range s.Tasks {
		out[t.ID] = t.Status
	}
	return out
}

// Results maps completed task IDs to their results.
func (s *Snapshot) Results() map[string]string {
	out := make(map[string]string)
	for _, t := range s.Tasks {
		if t.Status == TaskStatusCompleted {
			out[t.ID] = t.Result
		}
	}
	return out
}

// Count returns how many tasks have the given status.
func (s *Snapshot) Count(status TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Summary condenses the snapshot into a listing entry.
func (s *Snapshot) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:        s.Workflow.ID,
		Status:    s.Workflow.Status,
		Paused:    s.Workflow.Paused,
		Total:     len(s.Tasks),
		Completed: s.Count(TaskStatusCompleted),
		CreatedAt: s.Workflow.CreatedAt,
		UpdatedAt: s.Workflow.UpdatedAt,
	}
}

// SortTasks orders tasks by the workflow's declaration order.
func (s *Snapshot) SortTasks() {
	pos := make(map[string]int, len(s.Workflow.TaskIDs))
	for i, id := range s.Workflow.TaskIDs {
		pos[id] = i
	}
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		return pos[s.Tasks[i].ID] < pos[s.Tasks[j].ID]
	})
}
