package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Transition moves one task from an expected status to a new one.
type Transition struct {
	WorkflowID string
	TaskID     string
	From       models.TaskStatus
	To         models.TaskStatus
	// Attempts replaces the attempt counter when positive.
	Attempts int
	// StartedAt is recorded as the last attempt time when To is running.
	StartedAt time.Time
	// Result is stored when To is completed.
	Result string
	// Error is stored when To is failed, retrying or skipped.
	Error string
	// EligibleAt is stored when To is retrying.
	EligibleAt time.Time
	// Record is appended to the execution log when set.
	Record *models.ExecutionRecord
}

func (tr Transition) String() string {
	return fmt.Sprintf("%s/%s %s->%s", tr.WorkflowID, tr.TaskID, tr.From, tr.To)
}

// applyTransition validates tr against the current task and mutates both
// the task and the workflow running count. Backends call it inside their
// write transaction so the check and the write are atomic.
func applyTransition(wf *models.Workflow, task *models.Task, tr Transition, now time.Time) error {
	if task.Status != tr.From {
		return fmt.Errorf("%w: %s is %s", ErrConflict, tr, task.Status)
	}
	if !tr.To.Valid() || tr.To == models.TaskStatusReady {
		return fmt.Errorf("%w: invalid target status %q", ErrConflict, tr.To)
	}

	switch {
	case tr.To == models.TaskStatusRunning && tr.From != models.TaskStatusRunning:
		if wf.RunningCount >= wf.ConcurrencyLimit {
			return fmt.Errorf("%w: %d running with limit %d", ErrConcurrencyExceeded, wf.RunningCount, wf.ConcurrencyLimit)
		}
		wf.RunningCount++
	case tr.From == models.TaskStatusRunning && tr.To != models.TaskStatusRunning:
		if wf.RunningCount > 0 {
			wf.RunningCount--
		}
	}

	task.Status = tr.To
	if tr.Attempts > 0 {
		task.Attempts = tr.Attempts
	}

	switch tr.To {
	case models.TaskStatusRunning:
		started := tr.StartedAt
		if started.IsZero() {
			started = now
		}
		task.LastAttemptAt = &started
		task.EligibleAt = nil
	case models.TaskStatusCompleted:
		task.Result = tr.Result
		task.Error = ""
		task.EligibleAt = nil
	case models.TaskStatusRetrying:
		task.Error = tr.Error
		eligible := tr.EligibleAt
		if eligible.IsZero() {
			eligible = now
		}
		task.EligibleAt = &eligible
	case models.TaskStatusFailed, models.TaskStatusSkipped:
		task.Error = tr.Error
		task.EligibleAt = nil
	case models.TaskStatusPending:
		task.EligibleAt = nil
	}

	wf.UpdatedAt = now
	return nil
}
