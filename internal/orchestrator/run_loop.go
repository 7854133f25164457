package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// runLoop drives one workflow until it reaches a final status, the context
// ends, or the store fails. It suspends only on completions, retry timers,
// pause changes and control signals.
func (r *workflowRun) runLoop(ctx context.Context) (models.WorkflowStatus, error) {
	poll := r.ctrl.policy.Loop.PollInterval

	var signal <-chan struct{}
	if r.ctrl.signals != nil {
		ch, err := r.ctrl.signals.Watch(ctx, r.id)
		if err != nil {
			log.Printf("[scheduler] %s: signal watch unavailable, polling only: %v", r.id, err)
		} else {
			signal = ch
		}
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return r.interrupt()
		}

		snap, err := r.ctrl.store.Load(ctx, r.id)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt()
			}
			return r.halt(err)
		}
		r.snap = snap
		if snap.Workflow.ConcurrencyLimit != r.pool.Size() {
			r.pool.Resize(snap.Workflow.ConcurrencyLimit)
		}
		r.syncPause(snap.Workflow.Paused)

		if req := r.takeCancel(); req != nil {
			r.stop(stopCancel, req.reason, req.inFlight)
		} else if snap.Workflow.Status == models.WorkflowStatusCanceled && r.stopping == stopNone {
			// Another process canceled the workflow through the store.
			r.stop(stopCancel, snap.Workflow.Error, true)
		}

		now := time.Now()
		if err := r.promoteDue(ctx, now); err != nil {
			return r.halt(err)
		}

		throttle, err := r.dispatchReady(ctx, now)
		if err != nil {
			return r.halt(err)
		}

		if len(r.inflight) == 0 {
			done, status, reason, err := r.settle(ctx)
			if err != nil {
				return r.halt(err)
			}
			if done {
				return r.finish(ctx, status, reason)
			}
			if r.pause.IsPaused() && r.stopping == stopNone {
				// Nothing can complete while paused; block on the gate,
				// re-reading the store at most once per poll interval so
				// a marker cleared elsewhere is noticed.
				waitCtx, cancel := context.WithTimeout(ctx, poll)
				waitErr := r.pause.WaitIfPaused(waitCtx)
				cancel()
				if errors.Is(waitErr, ErrStopped) {
					return r.interrupt()
				}
				continue
			}
		}

		wait := poll
		if throttle > 0 && throttle < wait {
			wait = throttle
		}
		if next, ok := r.nextEligible(); ok {
			if d := time.Until(next); d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		resetTimer(timer, wait)

		select {
		case <-ctx.Done():
			return r.interrupt()
		case c := <-r.pool.Completions():
			if ctx.Err() != nil {
				return r.interrupt(c)
			}
			if err := r.handleCompletion(ctx, c); err != nil {
				if ctx.Err() != nil {
					return r.interrupt()
				}
				return r.halt(err)
			}
		case <-r.wake:
		case <-signal:
			debugLog("[scheduler] %s: control signal", r.id)
		case <-timer.C:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// promoteDue moves retrying tasks whose delay has elapsed back to pending.
func (r *workflowRun) promoteDue(ctx context.Context, now time.Time) error {
	var trs []state.Transition
	for _, t := range r.snap.Tasks {
		if t.Status != models.TaskStatusRetrying {
			continue
		}
		if t.EligibleAt != nil && t.EligibleAt.After(now) {
			continue
		}
		if r.stopping != stopNone {
			continue
		}
		trs = append(trs, state.Transition{
			WorkflowID: r.id,
			TaskID:     t.ID,
			From:       models.TaskStatusRetrying,
			To:         models.TaskStatusPending,
		})
	}
	return r.commit(ctx, trs...)
}

// dispatchReady starts ready tasks in priority order until slots, tokens or
// tasks run out. It returns the throttle delay when the rate limiter held
// back a task.
func (r *workflowRun) dispatchReady(ctx context.Context, now time.Time) (time.Duration, error) {
	if r.stopping != stopNone || r.pause.IsPaused() {
		return 0, nil
	}

	results := r.snap.Results()
	ready := r.graph.ReadySet(r.snap.Statuses())
	debugLog("[scheduler] %s: %d ready, %d in flight, %d free slots", r.id, len(ready), len(r.inflight), r.pool.Available())

	for _, spec := range ready {
		if _, busy := r.inflight[spec.ID]; busy {
			continue
		}
		if r.pool.Available() == 0 {
			return 0, nil
		}
		if d := r.reserve(now); d > 0 {
			return d, nil
		}

		task := r.snap.Task(spec.ID)
		if task == nil {
			continue
		}
		attempt := task.Attempts + 1
		started := time.Now().UTC()
		tr := state.Transition{
			WorkflowID: r.id,
			TaskID:     task.ID,
			From:       task.Status,
			To:         models.TaskStatusRunning,
			Attempts:   attempt,
			StartedAt:  started,
		}
		if err := r.commit(ctx, tr); err != nil {
			if errors.Is(err, state.ErrConflict) {
				// Changed under us; the next reload sees the new state.
				debugLog("[scheduler] %s: dispatch conflict on %s: %v", r.id, task.ID, err)
				continue
			}
			return 0, err
		}

		job := Job{
			TaskID:  task.ID,
			Attempt: attempt,
			Input:   BuildContext(*task, results),
			Timeout: models.EffectiveTimeout(&r.snap.Workflow, task),
		}
		if err := r.pool.Dispatch(ctx, job); err != nil {
			log.Printf("[scheduler] %s: dispatch %s failed: %v", r.id, task.ID, err)
			// Put the task back. The attempt stays counted and gets an
			// interrupted record.
			rec := r.newRecord(Completion{
				TaskID:    task.ID,
				Attempt:   attempt,
				Err:       fmt.Errorf("dispatch: %w", err),
				StartedAt: started,
				EndedAt:   time.Now().UTC(),
			}, models.OutcomeInterrupted)
			undo := state.Transition{WorkflowID: r.id, TaskID: task.ID, From: models.TaskStatusRunning, To: models.TaskStatusPending, Record: rec}
			if err := r.commit(ctx, undo); err != nil {
				return 0, err
			}
			continue
		}

		r.inflight[task.ID] = &inflight{taskID: task.ID, attempt: attempt, startTime: started}
		r.ctrl.metrics.setRunning(r.id, len(r.inflight))
		r.emit(Event{Type: EventTaskStarted, TaskID: task.ID, Attempt: attempt, Status: string(models.TaskStatusRunning)})
	}
	return 0, nil
}

// handleCompletion persists the outcome of one attempt, then frees its slot.
func (r *workflowRun) handleCompletion(ctx context.Context, c Completion) error {
	defer r.pool.Release(c.TaskID)
	delete(r.inflight, c.TaskID)
	r.ctrl.metrics.setRunning(r.id, len(r.inflight))

	outcome := outcomeFor(c.Err)
	r.ctrl.metrics.observeAttempt(outcome, c.EndedAt.Sub(c.StartedAt))
	rec := r.newRecord(c, outcome)

	if c.Err == nil {
		err := r.commit(ctx, state.Transition{
			WorkflowID: r.id,
			TaskID:     c.TaskID,
			From:       models.TaskStatusRunning,
			To:         models.TaskStatusCompleted,
			Result:     c.Output,
			Record:     rec,
		})
		if err != nil {
			return err
		}
		r.emit(Event{Type: EventTaskCompleted, TaskID: c.TaskID, Attempt: c.Attempt, Status: string(models.TaskStatusCompleted)})
		return nil
	}

	task := r.snap.Task(c.TaskID)
	if task == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownTask, c.TaskID)
	}

	if r.stopping == stopNone {
		policy := models.EffectiveRetry(&r.snap.Workflow, task)
		d := r.ctrl.retry.Decide(policy, c.Attempt, c.Err, time.Now().UTC())
		if d.Retry {
			err := r.commit(ctx, state.Transition{
				WorkflowID: r.id,
				TaskID:     c.TaskID,
				From:       models.TaskStatusRunning,
				To:         models.TaskStatusRetrying,
				Error:      c.Err.Error(),
				EligibleAt: d.EligibleAt,
				Record:     rec,
			})
			if err != nil {
				return err
			}
			r.ctrl.metrics.incRetry()
			r.emit(Event{Type: EventTaskRetrying, TaskID: c.TaskID, Attempt: c.Attempt, Status: string(models.TaskStatusRetrying), Error: c.Err.Error(), Delay: d.Delay})
			return nil
		}
		debugLog("[scheduler] %s: %s will not retry: %s", r.id, c.TaskID, d.Reason)
	}

	err := r.commit(ctx, state.Transition{
		WorkflowID: r.id,
		TaskID:     c.TaskID,
		From:       models.TaskStatusRunning,
		To:         models.TaskStatusFailed,
		Error:      c.Err.Error(),
		Record:     rec,
	})
	if err != nil {
		return err
	}
	r.emit(Event{Type: EventTaskFailed, TaskID: c.TaskID, Attempt: c.Attempt, Status: string(models.TaskStatusFailed), Error: c.Err.Error()})

	if r.stopping != stopNone {
		return nil
	}

	if err := r.skip(ctx, r.graph.Descendants(c.TaskID), fmt.Sprintf("dependency %s failed", c.TaskID)); err != nil {
		return err
	}
	if r.snap.Workflow.FailFast && !task.Optional {
		r.stop(stopFailFast, fmt.Sprintf("task %s failed: %v", c.TaskID, c.Err), true)
	}
	return nil
}

// finish records the final status.
func (r *workflowRun) finish(ctx context.Context, status models.WorkflowStatus, reason string) (models.WorkflowStatus, error) {
	if err := r.ctrl.store.SetStatus(ctx, r.id, status, reason); err != nil {
		return r.halt(err)
	}
	r.ctrl.metrics.workflowFinished(status)
	r.emit(Event{Type: EventWorkflowFinished, Workflow: status, Status: string(status), Message: reason})
	log.Printf("[scheduler] workflow %s %s", r.id, status)
	return status, nil
}

// drain collects completions for every in-flight attempt, bounded by the
// drain timeout. Attempts that never report are returned by id.
func (r *workflowRun) drain(fn func(Completion)) []string {
	deadline := time.NewTimer(r.ctrl.policy.Loop.DrainTimeout)
	defer deadline.Stop()

	for len(r.inflight) > 0 {
		select {
		case c := <-r.pool.Completions():
			delete(r.inflight, c.TaskID)
			fn(c)
			r.pool.Release(c.TaskID)
		case <-deadline.C:
			var stuck []string
			for id := range r.inflight {
				stuck = append(stuck, id)
			}
			return stuck
		}
	}
	return nil
}

// interrupt tears the run down on shutdown. Attempts cut short go back to
// pending with an interrupted record and keep their attempt count; the
// workflow status is left as is for the next run. received holds
// completions already taken off the pool channel.
func (r *workflowRun) interrupt(received ...Completion) (models.WorkflowStatus, error) {
	r.pool.CancelAll()
	r.pause.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), r.ctrl.policy.Loop.DrainTimeout)
	defer cancel()

	record := func(c Completion) {
		var tr state.Transition
		if c.Err == nil {
			tr = state.Transition{WorkflowID: r.id, TaskID: c.TaskID, From: models.TaskStatusRunning, To: models.TaskStatusCompleted, Result: c.Output, Record: r.newRecord(c, models.OutcomeSucceeded)}
		} else {
			tr = state.Transition{WorkflowID: r.id, TaskID: c.TaskID, From: models.TaskStatusRunning, To: models.TaskStatusPending, Record: r.newRecord(c, models.OutcomeInterrupted)}
			r.emit(Event{Type: EventTaskInterrupted, TaskID: c.TaskID, Attempt: c.Attempt, Status: string(models.TaskStatusPending)})
		}
		if err := r.commit(ctx, tr); err != nil {
			log.Printf("[scheduler] %s: failed to record interrupted %s: %v", r.id, c.TaskID, err)
		}
	}
	for _, c := range received {
		delete(r.inflight, c.TaskID)
		record(c)
		r.pool.Release(c.TaskID)
	}
	stuck := r.drain(record)
	if len(stuck) > 0 {
		log.Printf("[scheduler] %s: %d tasks did not stop in time and stay running: %v", r.id, len(stuck), stuck)
	}
	r.ctrl.metrics.forgetWorkflow(r.id)

	status := models.WorkflowStatusRunning
	if r.snap != nil {
		status = r.snap.Workflow.Status
	}
	return status, context.Canceled
}

// halt stops the run after a store failure. Nothing more is committed
// except a best-effort degraded marker; recovery resets orphaned tasks.
func (r *workflowRun) halt(cause error) (models.WorkflowStatus, error) {
	err := persistenceError(cause)
	log.Printf("[scheduler] workflow %s degraded: %v", r.id, err)

	r.pool.CancelAll()
	r.pause.Stop()
	r.drain(func(Completion) {})
	r.ctrl.metrics.forgetWorkflow(r.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if setErr := r.ctrl.store.SetStatus(ctx, r.id, models.WorkflowStatusDegraded, err.Error()); setErr != nil {
		debugLog("[scheduler] %s: could not record degraded status: %v", r.id, setErr)
	}
	r.ctrl.metrics.workflowFinished(models.WorkflowStatusDegraded)
	r.emit(Event{Type: EventWorkflowDegraded, Workflow: models.WorkflowStatusDegraded, Error: err.Error()})
	return models.WorkflowStatusDegraded, err
}
