package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// TaskView is one task as reported by Status. Status is the persisted
// status, except that a pending task whose dependencies are all completed
// is reported as ready.
type TaskView struct {
	ID            string            `json:"id"`
	Description   string            `json:"description"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	Priority      int               `json:"priority"`
	Optional      bool              `json:"optional,omitempty"`
	Status        models.TaskStatus `json:"status"`
	Attempts      int               `json:"attempts"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	EligibleAt    *time.Time        `json:"eligible_at,omitempty"`
}

// StatusReport is the durable view of one workflow.
type StatusReport struct {
	Workflow  models.Workflow `json:"workflow"`
	Tasks     []TaskView      `json:"tasks"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	// Percent is completed/total*100.
	Percent float64 `json:"percent"`
	Records int     `json:"records"`
	// Local is true when this process drives the workflow.
	Local    bool   `json:"local"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// Status reads the last committed state of a workflow.
func (c *Controller) Status(ctx context.Context, id string) (*StatusReport, error) {
	snap, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := c.store.Records(ctx, id)
	if err != nil {
		return nil, persistenceError(err)
	}

	c.mu.Lock()
	local := c.localRun(id) != nil
	degradedErr := c.degraded[id]
	c.mu.Unlock()

	report := buildReport(snap)
	report.Records = len(records)
	report.Local = local
	report.Reason = snap.Workflow.Error
	if snap.Workflow.Status == models.WorkflowStatusDegraded {
		report.Degraded = true
	}
	if degradedErr != nil {
		report.Degraded = true
		report.Reason = degradedErr.Error()
	}
	return report, nil
}

func buildReport(snap *models.Snapshot) *StatusReport {
	statuses := snap.Statuses()
	deps := make(map[string][]string, len(snap.Tasks))
	for _, t := range snap.Tasks {
		deps[t.ID] = t.Dependencies
	}

	report := &StatusReport{
		Workflow: snap.Workflow,
		Tasks:    make([]TaskView, 0, len(snap.Tasks)),
		Total:    len(snap.Tasks),
	}
	for _, t := range snap.Tasks {
		view := TaskView{
			ID:            t.ID,
			Description:   t.Description,
			Dependencies:  t.Dependencies,
			Priority:      t.Priority,
			Optional:      t.Optional,
			Status:        t.Status,
			Attempts:      t.Attempts,
			Result:        t.Result,
			Error:         t.Error,
			LastAttemptAt: t.LastAttemptAt,
			EligibleAt:    t.EligibleAt,
		}
		if t.Status == models.TaskStatusPending && graph.AllCompleted(deps[t.ID], statuses) {
			view.Status = models.TaskStatusReady
		}
		if t.Status == models.TaskStatusCompleted {
			report.Completed++
		}
		report.Tasks = append(report.Tasks, view)
	}
	if report.Total > 0 {
		report.Percent = float64(report.Completed) / float64(report.Total) * 100
	}
	return report
}
