package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// InterruptedWorkflow describes a workflow left mid-run by a process that
// exited without releasing it.
type InterruptedWorkflow struct {
	WorkflowID   string
	Status       models.WorkflowStatus
	Owner        string
	LeaseUntil   *time.Time
	RunningTasks []string
	UpdatedAt    time.Time
}

// RecoveryManager handles detection and repair of interrupted workflows.
type RecoveryManager struct {
	store Store
}

// NewRecoveryManager creates a RecoveryManager over the given store.
func NewRecoveryManager(store Store) *RecoveryManager {
	return &RecoveryManager{store: store}
}

// CheckForInterrupted returns non-terminal workflows whose owner lease has
// lapsed, or that have tasks committed as running with no owner at all.
// Owners listed in live are skipped, which lets a process ignore its own
// loops.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context, live map[string]bool) ([]InterruptedWorkflow, error) {
	summaries, err := rm.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	now := time.Now()
	var out []InterruptedWorkflow
	for _, s := range summaries {
		if s.Status.Terminal() || s.Status == models.WorkflowStatusCreated {
			continue
		}
		snap, err := rm.store.Load(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", s.ID, err)
		}
		if live[snap.Workflow.Owner] || snap.Workflow.OwnerLive(now) {
			continue
		}

		var running []string
		for _, t := range snap.Tasks {
			if t.Status == models.TaskStatusRunning {
				running = append(running, t.ID)
			}
		}
		if snap.Workflow.Owner == "" && len(running) == 0 {
			continue
		}
		out = append(out, InterruptedWorkflow{
			WorkflowID:   s.ID,
			Status:       snap.Workflow.Status,
			Owner:        snap.Workflow.Owner,
			LeaseUntil:   snap.Workflow.LeaseUntil,
			RunningTasks: running,
			UpdatedAt:    snap.Workflow.UpdatedAt,
		})
	}
	return out, nil
}

// ResetOrphans moves every running task of the workflow back to pending,
// keeping its attempt count and appending an interrupted record. It returns
// the IDs that were reset.
func (rm *RecoveryManager) ResetOrphans(ctx context.Context, workflowID string) ([]string, error) {
	snap, err := rm.store.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var trs []Transition
	var ids []string
	for _, t := range snap.Tasks {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		started := now
		if t.LastAttemptAt != nil {
			started = *t.LastAttemptAt
		}
		trs = append(trs, Transition{
			WorkflowID: workflowID,
			TaskID:     t.ID,
			From:       models.TaskStatusRunning,
			To:         models.TaskStatusPending,
			Record: &models.ExecutionRecord{
				ID:         uuid.New().String(),
				WorkflowID: workflowID,
				TaskID:     t.ID,
				Attempt:    t.Attempts,
				StartedAt:  started,
				EndedAt:    now,
				Outcome:    models.OutcomeInterrupted,
				Error:      "owner exited before the attempt finished",
			},
		})
		ids = append(ids, t.ID)
	}

	if len(trs) == 0 {
		return nil, nil
	}
	if err := rm.store.Commit(ctx, trs...); err != nil {
		return nil, fmt.Errorf("reset orphaned tasks: %w", err)
	}
	log.Printf("[state] reset %d orphaned running tasks in workflow %s", len(ids), workflowID)
	return ids, nil
}
