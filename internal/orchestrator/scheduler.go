package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// stopReason records why a run stopped dispatching before its graph drained.
type stopReason int

const (
	stopNone stopReason = iota
	stopCancel
	stopFailFast
)

// cancelRequest is posted by the controller and consumed by the loop.
type cancelRequest struct {
	inFlight bool
	reason   string
}

// inflight represents one dispatched attempt.
type inflight struct {
	taskID    string
	attempt   int
	startTime time.Time
}

// workflowRun is the control loop state of one workflow. Fields below the
// loop-owned marker are only touched by the loop goroutine.
type workflowRun struct {
	id      string
	ctrl    *Controller
	graph   *graph.TaskGraph
	pool    *WorkerPool
	pause   *PauseController
	limiter *rate.Limiter

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelReq *cancelRequest
	status    models.WorkflowStatus
	err       error

	// loop-owned
	snap       *models.Snapshot
	inflight   map[string]*inflight
	stopping   stopReason
	stopReason string
}

func newWorkflowRun(c *Controller, snap *models.Snapshot, g *graph.TaskGraph) *workflowRun {
	r := &workflowRun{
		id:       snap.Workflow.ID,
		ctrl:     c,
		graph:    g,
		pool:     NewWorkerPool(c.exec, snap.Workflow.ConcurrencyLimit, c.policy.Pool.MaxConcurrency),
		pause:    NewPauseController(snap.Workflow.ID),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		snap:     snap,
		inflight: make(map[string]*inflight),
		status:   snap.Workflow.Status,
	}
	if c.policy.Dispatch.Rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(c.policy.Dispatch.Rate), c.policy.Dispatch.Burst)
	}
	if snap.Workflow.Paused {
		r.pause.Pause()
	}
	return r
}

// poke wakes the loop without blocking.
func (r *workflowRun) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// requestCancel asks the loop to stop dispatching.
func (r *workflowRun) requestCancel(inFlight bool, reason string) {
	r.mu.Lock()
	if r.cancelReq == nil || inFlight {
		r.cancelReq = &cancelRequest{inFlight: inFlight, reason: reason}
	}
	r.mu.Unlock()
	r.poke()
}

func (r *workflowRun) takeCancel() *cancelRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := r.cancelReq
	r.cancelReq = nil
	return req
}

// result returns the final status and error once done is closed.
func (r *workflowRun) result() (models.WorkflowStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.err
}

func (r *workflowRun) setResult(status models.WorkflowStatus, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
}

// running reports whether the loop goroutine is still active.
func (r *workflowRun) running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *workflowRun) emit(e Event) {
	e.WorkflowID = r.id
	r.ctrl.events.Emit(e)
}

// stop halts dispatch. In-flight attempts are interrupted when cancelInFlight is set.
func (r *workflowRun) stop(reason stopReason, msg string, cancelInFlight bool) {
	if r.stopping == stopNone {
		r.stopping = reason
		r.stopReason = msg
		debugLog("[scheduler] %s stopping: %s", r.id, msg)
	}
	if cancelInFlight {
		r.pool.CancelAll()
	}
}

// syncPause keeps the in-process gate in step with the durable marker.
func (r *workflowRun) syncPause(marker bool) {
	if marker {
		if r.pause.Pause() {
			r.emit(Event{Type: EventWorkflowPaused, Workflow: models.WorkflowStatusPaused})
		}
		return
	}
	if r.pause.Resume() {
		r.emit(Event{Type: EventWorkflowResumed, Workflow: models.WorkflowStatusRunning})
	}
}

// reserve takes one dispatch token. It returns how long to wait when none
// is available yet.
func (r *workflowRun) reserve(now time.Time) time.Duration {
	if r.limiter == nil {
		return 0
	}
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return r.ctrl.policy.Loop.PollInterval
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d
	}
	return 0
}

// dispatchable reports whether any pending task has all dependencies completed.
func (r *workflowRun) dispatchable() bool {
	return len(r.graph.ReadySet(r.snap.Statuses())) > 0
}

// nextEligible returns the earliest retry eligibility among retrying tasks.
func (r *workflowRun) nextEligible() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range r.snap.Tasks {
		if t.Status != models.TaskStatusRetrying || t.EligibleAt == nil {
			continue
		}
		if !found || t.EligibleAt.Before(next) {
			next = *t.EligibleAt
			found = true
		}
	}
	return next, found
}

// unfinished returns ids of tasks that are pending or retrying.
func (r *workflowRun) unfinished() []string {
	var ids []string
	for _, t := range r.snap.Tasks {
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusRetrying {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// settle decides whether the run is over. It is only consulted with nothing
// in flight. Unreachable pending tasks are skipped as a side effect.
func (r *workflowRun) settle(ctx context.Context) (bool, models.WorkflowStatus, string, error) {
	switch r.stopping {
	case stopCancel:
		reason := r.stopReason
		if err := r.skip(ctx, r.unfinished(), "workflow canceled"); err != nil {
			return false, "", "", err
		}
		return true, models.WorkflowStatusCanceled, reason, nil
	case stopFailFast:
		if err := r.skip(ctx, r.unfinished(), "fail-fast: "+r.stopReason); err != nil {
			return false, "", "", err
		}
		return true, models.WorkflowStatusFailed, r.stopReason, nil
	}

	if r.snap.Count(models.TaskStatusCompleted) == len(r.snap.Tasks) {
		return true, models.WorkflowStatusCompleted, "", nil
	}
	if _, waiting := r.nextEligible(); waiting {
		return false, "", "", nil
	}
	if r.dispatchable() {
		return false, "", "", nil
	}

	// Nothing can make progress: remaining pending tasks depend on a
	// task that will never complete.
	if err := r.skip(ctx, r.unfinished(), "dependency will not complete"); err != nil {
		return false, "", "", err
	}
	status, reason := finalStatus(r.snap)
	return true, status, reason, nil
}

// finalStatus applies the terminal rule to a drained snapshot: a failed
// required task fails the workflow, and so does a skipped required task
// when the workflow counts skips as failures.
func finalStatus(snap *models.Snapshot) (models.WorkflowStatus, string) {
	for _, t := range snap.Tasks {
		if t.Optional {
			continue
		}
		switch {
		case t.Status == models.TaskStatusFailed:
			return models.WorkflowStatusFailed, fmt.Sprintf("task %s failed: %s", t.ID, t.Error)
		case t.Status == models.TaskStatusSkipped && snap.Workflow.SkippedIsFailure:
			return models.WorkflowStatusFailed, fmt.Sprintf("task %s skipped: %s", t.ID, t.Error)
		}
	}
	return models.WorkflowStatusCompleted, ""
}
