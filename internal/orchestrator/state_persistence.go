package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// commit applies transitions through the store and mirrors them into the
// run's cached snapshot on success.
func (r *workflowRun) commit(ctx context.Context, trs ...state.Transition) error {
	if len(trs) == 0 {
		return nil
	}
	if err := r.ctrl.store.Commit(ctx, trs...); err != nil {
		r.ctrl.metrics.incCommitError()
		return err
	}
	r.note(trs...)
	return nil
}

// note updates the cached snapshot the way the store just did.
func (r *workflowRun) note(trs ...state.Transition) {
	if r.snap == nil {
		return
	}
	for _, tr := range trs {
		task := r.snap.Task(tr.TaskID)
		if task == nil {
			continue
		}
		task.Status = tr.To
		if tr.Attempts > 0 {
			task.Attempts = tr.Attempts
		}
		switch tr.To {
		case models.TaskStatusCompleted:
			task.Result = tr.Result
			task.Error = ""
		case models.TaskStatusRetrying:
			task.Error = tr.Error
			eligible := tr.EligibleAt
			task.EligibleAt = &eligible
		case models.TaskStatusFailed, models.TaskStatusSkipped:
			task.Error = tr.Error
		}
		if tr.To != models.TaskStatusRetrying {
			task.EligibleAt = nil
		}
	}
}

// newRecord starts an execution record for the completion of an attempt.
func (r *workflowRun) newRecord(c Completion, outcome models.Outcome) *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		ID:         uuid.New().String(),
		WorkflowID: r.id,
		TaskID:     c.TaskID,
		Attempt:    c.Attempt,
		StartedAt:  c.StartedAt,
		EndedAt:    c.EndedAt,
		Outcome:    outcome,
	}
	if c.Err != nil {
		rec.Error = c.Err.Error()
	}
	return rec
}

// skipTransitions builds pending/retrying -> skipped transitions for ids,
// ignoring tasks that already reached another status.
func skipTransitions(snap *models.Snapshot, ids []string, reason string) []state.Transition {
	now := time.Now().UTC()
	wfID := snap.Workflow.ID
	var trs []state.Transition
	for _, id := range ids {
		task := snap.Task(id)
		if task == nil {
			continue
		}
		if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusRetrying {
			continue
		}
		trs = append(trs, state.Transition{
			WorkflowID: wfID,
			TaskID:     id,
			From:       task.Status,
			To:         models.TaskStatusSkipped,
			Error:      reason,
			Record: &models.ExecutionRecord{
				ID:         uuid.New().String(),
				WorkflowID: wfID,
				TaskID:     id,
				Attempt:    task.Attempts,
				StartedAt:  now,
				EndedAt:    now,
				Outcome:    models.OutcomeSkipped,
				Error:      reason,
			},
		})
	}
	return trs
}

// skip commits skip transitions and emits one event per skipped task.
func (r *workflowRun) skip(ctx context.Context, ids []string, reason string) error {
	trs := skipTransitions(r.snap, ids, reason)
	if err := r.commit(ctx, trs...); err != nil {
		return err
	}
	for _, tr := range trs {
		r.emit(Event{Type: EventTaskSkipped, TaskID: tr.TaskID, Status: string(models.TaskStatusSkipped), Message: reason})
	}
	r.ctrl.metrics.addSkipped(len(trs))
	return nil
}

// outcomeFor classifies an attempt error for the execution log.
func outcomeFor(err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeSucceeded
	case errors.Is(err, models.ErrTimeoutExceeded):
		return models.OutcomeTimedOut
	case errors.Is(err, context.Canceled):
		return models.OutcomeCanceled
	default:
		return models.OutcomeFailed
	}
}

// persistenceError wraps a store failure into the error the run halts with.
func persistenceError(err error) error {
	if errors.Is(err, models.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
}
