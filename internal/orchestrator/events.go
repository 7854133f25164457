package orchestrator

import (
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// EventType represents the type of lifecycle event.
type EventType string

const (
	// EventTaskStarted indicates a task attempt was dispatched.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetrying indicates a failed attempt was scheduled for retry.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskFailed indicates a task failed permanently.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task will never run.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskInterrupted indicates an attempt was cut short by shutdown.
	EventTaskInterrupted EventType = "task_interrupted"

	EventWorkflowStarted  EventType = "workflow_started"
	EventWorkflowPaused   EventType = "workflow_paused"
	EventWorkflowResumed  EventType = "workflow_resumed"
	EventWorkflowResized  EventType = "workflow_resized"
	EventWorkflowFinished EventType = "workflow_finished"
	// EventWorkflowDegraded indicates the run halted on a persistence failure.
	EventWorkflowDegraded EventType = "workflow_degraded"
)

// Event is emitted on every observable lifecycle change.
type Event struct {
	Type       EventType             `json:"type"`
	WorkflowID string                `json:"workflow_id"`
	TaskID     string                `json:"task_id,omitempty"`
	Attempt    int                   `json:"attempt,omitempty"`
	Status     string                `json:"status,omitempty"`
	Message    string                `json:"message,omitempty"`
	Error      string                `json:"error,omitempty"`
	Delay      time.Duration         `json:"delay,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	Workflow   models.WorkflowStatus `json:"workflow_status,omitempty"`
}
