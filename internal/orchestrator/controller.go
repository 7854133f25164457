package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/retry"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ErrShutdown is returned by control operations after Shutdown.
var ErrShutdown = errors.New("controller is shut down")

// Controller is the public entry point: it registers workflows and owns
// the control loop of every workflow started in this process.
type Controller struct {
	store      state.Store
	exec       Executor
	policy     *policy.Config
	logger     *DebugLogger
	metrics    *Metrics
	retry      *retry.Manager
	signals    Signaler
	events     *EventEmitter
	instanceID string

	// mu serializes control operations and guards the maps.
	mu       sync.Mutex
	runs     map[string]*workflowRun
	degraded map[string]error
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// New creates a controller over store, running task bodies with exec.
func New(store state.Store, exec Executor, opts ...Option) *Controller {
	o := &controllerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	pc := o.policyConfig
	if pc == nil {
		pc = policy.Default()
	}
	_ = pc.Validate()

	if o.instanceID == "" {
		host, _ := os.Hostname()
		o.instanceID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if o.retry == nil {
		o.retry = retry.NewManager()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	setPackageLogger(o.logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      store,
		exec:       exec,
		policy:     pc,
		logger:     o.logger,
		metrics:    o.metrics,
		retry:      o.retry,
		signals:    o.signals,
		events:     NewEventEmitter(pc.Events.BufferSize),
		instanceID: o.instanceID,
		runs:       make(map[string]*workflowRun),
		degraded:   make(map[string]error),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.metrics.registerDropped(c.events)
	return c
}

// InstanceID returns the owner identity of this controller.
func (c *Controller) InstanceID() string { return c.instanceID }

// Metrics returns the controller's collectors.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// Events returns the lifecycle event stream. It is closed by Shutdown.
func (c *Controller) Events() <-chan Event { return c.events.Events() }

// DroppedEventCount returns how many events were dropped on a full channel.
func (c *Controller) DroppedEventCount() uint64 { return c.events.DroppedCount() }

// Create validates spec, checks the graph and persists the workflow with
// every task pending. Nothing is stored when any check fails.
func (c *Controller) Create(ctx context.Context, spec WorkflowSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	g := graph.New()
	g.SetDebugLog(debugLog)
	if err := g.Build(spec.Tasks); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = "wf-" + uuid.New().String()[:8]
	}

	def := c.policy.Defaults
	wf := &models.Workflow{
		ID:               id,
		Status:           models.WorkflowStatusCreated,
		ConcurrencyLimit: def.Concurrency,
		FailFast:         def.FailFast,
		SkippedIsFailure: def.SkippedIsFailure,
		DefaultRetry:     def.Retry,
		DefaultTimeout:   def.TaskTimeout,
	}
	if spec.Concurrency > 0 {
		wf.ConcurrencyLimit = c.clampConcurrency(spec.Concurrency)
	}
	if spec.FailFast != nil {
		wf.FailFast = *spec.FailFast
	}
	if spec.SkippedIsFailure != nil {
		wf.SkippedIsFailure = *spec.SkippedIsFailure
	}
	if spec.DefaultRetry != nil {
		wf.DefaultRetry = *spec.DefaultRetry
	}
	if spec.DefaultTimeout > 0 {
		wf.DefaultTimeout = spec.DefaultTimeout
	}

	tasks := make([]models.Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		tasks = append(tasks, models.NewTask(id, ts))
	}

	if err := c.store.CreateWorkflow(ctx, wf, tasks); err != nil {
		if errors.Is(err, state.ErrAlreadyExists) {
			return "", err
		}
		return "", persistenceError(err)
	}
	log.Printf("[controller] created workflow %s with %d tasks", id, len(tasks))
	return id, nil
}

func (c *Controller) clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > c.policy.Pool.MaxConcurrency {
		return c.policy.Pool.MaxConcurrency
	}
	return n
}

// load reads a snapshot, mapping a missing workflow to ErrUnknownWorkflow.
func (c *Controller) load(ctx context.Context, id string) (*models.Snapshot, error) {
	snap, err := c.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownWorkflow, id)
		}
		return nil, persistenceError(err)
	}
	return snap, nil
}

// localRun returns the active loop for id. Caller holds c.mu.
func (c *Controller) localRun(id string) *workflowRun {
	if r := c.runs[id]; r != nil && r.running() {
		return r
	}
	return nil
}

// ownedElsewhere reports whether another controller holds a live claim on wf.
func (c *Controller) ownedElsewhere(wf models.Workflow) bool {
	return wf.Owner != c.instanceID && wf.OwnerLive(time.Now())
}

// abandoned reports whether wf was left mid-run with no loop anywhere.
// Caller holds c.mu.
func (c *Controller) abandoned(wf models.Workflow) bool {
	if wf.Status != models.WorkflowStatusRunning && wf.Status != models.WorkflowStatusDegraded {
		return false
	}
	return c.localRun(wf.ID) == nil && !c.ownedElsewhere(wf)
}

// Start begins the control loop of a created, paused or interrupted workflow.
// A claim whose lease has lapsed is taken over.
func (c *Controller) Start(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, id, false)
}

// Recover takes over a workflow whose owner died: the owner claim is forced
// and orphaned running tasks are reset before the loop starts.
func (c *Controller) Recover(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, id, true)
}

func (c *Controller) startLocked(ctx context.Context, id string, force bool) error {
	if c.closed {
		return ErrShutdown
	}
	if c.localRun(id) != nil {
		return fmt.Errorf("%w: %s", models.ErrAlreadyRunning, id)
	}

	snap, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.Workflow.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", models.ErrAlreadyFinished, id, snap.Workflow.Status)
	}

	if err := c.store.ClaimOwner(ctx, id, c.instanceID, c.policy.Loop.OwnerLease, force); err != nil {
		if errors.Is(err, state.ErrOwned) {
			return fmt.Errorf("%w: %w", models.ErrAlreadyRunning, err)
		}
		return persistenceError(err)
	}
	release := func() {
		if err := c.store.ReleaseOwner(context.Background(), id, c.instanceID); err != nil {
			debugLog("[controller] release %s: %v", id, err)
		}
	}

	// Holding the claim, any running task belongs to a dead loop.
	reset, err := state.NewRecoveryManager(c.store).ResetOrphans(ctx, id)
	if err != nil {
		release()
		return persistenceError(err)
	}
	for _, taskID := range reset {
		c.events.Emit(Event{Type: EventTaskInterrupted, WorkflowID: id, TaskID: taskID, Status: string(models.TaskStatusPending), Message: "reset after owner exit"})
	}

	if !snap.Workflow.Paused && snap.Workflow.Status != models.WorkflowStatusRunning {
		if err := c.store.SetStatus(ctx, id, models.WorkflowStatusRunning, ""); err != nil {
			release()
			return persistenceError(err)
		}
	}

	snap, err = c.load(ctx, id)
	if err != nil {
		release()
		return err
	}
	g, err := graph.FromTasks(snap.Tasks)
	if err != nil {
		release()
		return err
	}
	g.SetDebugLog(debugLog)

	r := newWorkflowRun(c, snap, g)
	runCtx, cancel := context.WithCancel(c.ctx)
	r.cancel = cancel
	c.runs[id] = r
	delete(c.degraded, id)

	c.events.Emit(Event{Type: EventWorkflowStarted, WorkflowID: id, Workflow: snap.Workflow.Status})
	c.group.Go(func() error {
		c.drive(runCtx, r)
		return nil
	})

	log.Printf("[controller] started workflow %s (owner %s)", id, c.instanceID)
	return nil
}

// drive runs the loop and cleans up after it.
func (c *Controller) drive(ctx context.Context, r *workflowRun) {
	defer close(r.done)
	defer r.cancel()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(hbCtx, r)
	}()

	status, err := r.runLoop(ctx)
	stopHeartbeat()
	<-hbDone
	r.setResult(status, err)

	relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if relErr := c.store.ReleaseOwner(relCtx, r.id, c.instanceID); relErr != nil && !errors.Is(relErr, state.ErrNotFound) {
		log.Printf("[controller] release owner of %s: %v", r.id, relErr)
	}

	c.mu.Lock()
	if errors.Is(err, models.ErrPersistenceFailure) {
		c.degraded[r.id] = err
	}
	if c.runs[r.id] == r {
		delete(c.runs, r.id)
	}
	c.mu.Unlock()
}

// heartbeat renews the owner lease until ctx ends. Losing the claim to
// another instance stops the run.
func (c *Controller) heartbeat(ctx context.Context, r *workflowRun) {
	lease := c.policy.Loop.OwnerLease
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.store.RenewOwner(ctx, r.id, c.instanceID, lease)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, state.ErrOwned):
			log.Printf("[controller] %s: owner lease lost, stopping: %v", r.id, err)
			r.cancel()
			return
		default:
			log.Printf("[controller] %s: renew owner lease: %v", r.id, err)
		}
	}
}

// Pause sets the durable pause marker. In-flight tasks finish; nothing new
// starts until Resume. Pausing a paused workflow changes nothing.
func (c *Controller) Pause(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.Workflow.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", models.ErrAlreadyFinished, id, snap.Workflow.Status)
	}
	if err := c.store.SetPaused(ctx, id, true); err != nil {
		return persistenceError(err)
	}

	if r := c.localRun(id); r != nil {
		if r.pause.Pause() {
			r.emit(Event{Type: EventWorkflowPaused, Workflow: models.WorkflowStatusPaused})
		}
		r.poke()
	}
	c.notify(id)
	return nil
}

// Resume clears the pause marker and returns the resulting status. A
// workflow that is not paused is left alone unless its loop is gone. With
// no live loop anywhere, one is started here from persisted state, taking
// over a lapsed owner claim.
func (c *Controller) Resume(ctx context.Context, id string) (models.WorkflowStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx, id)
	if err != nil {
		return "", err
	}
	wf := snap.Workflow
	if !wf.Paused && !c.abandoned(wf) {
		return wf.Status, nil
	}
	if c.localRun(id) == nil && c.ownedElsewhere(wf) && wf.LeaseUntil == nil {
		// A claim with no lease cannot be checked for liveness.
		return "", fmt.Errorf("%w: %s held by %s with no lease", models.ErrAlreadyRunning, id, wf.Owner)
	}
	if wf.Paused {
		if err := c.store.SetPaused(ctx, id, false); err != nil {
			return "", persistenceError(err)
		}
	}

	if r := c.localRun(id); r != nil {
		if r.pause.Resume() {
			r.emit(Event{Type: EventWorkflowResumed, Workflow: models.WorkflowStatusRunning})
		}
		r.poke()
		return models.WorkflowStatusRunning, nil
	}

	c.notify(id)
	if wf.Status.Terminal() {
		return wf.Status, nil
	}
	if c.ownedElsewhere(wf) {
		// The owner renews its lease from a live loop and picks the change
		// up from the store.
		return models.WorkflowStatusRunning, nil
	}
	if err := c.startLocked(ctx, id, false); err != nil {
		return "", err
	}
	return models.WorkflowStatusRunning, nil
}

// Cancel stops future dispatch, skips every task that has not run and ends
// the workflow canceled. cancelInFlight also interrupts running attempts.
func (c *Controller) Cancel(ctx context.Context, id string, cancelInFlight bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.Workflow.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", models.ErrAlreadyFinished, id, snap.Workflow.Status)
	}

	const reason = "canceled by request"
	if r := c.localRun(id); r != nil {
		r.requestCancel(cancelInFlight, reason)
		return nil
	}

	if c.ownedElsewhere(snap.Workflow) {
		// The owner sees the canceled status on its next read and stops.
		if err := c.store.SetStatus(ctx, id, models.WorkflowStatusCanceled, reason); err != nil {
			return persistenceError(err)
		}
		c.notify(id)
		return nil
	}

	// No loop anywhere: finish the bookkeeping here.
	now := time.Now().UTC()
	var ids []string
	var trs []state.Transition
	for _, t := range snap.Tasks {
		switch t.Status {
		case models.TaskStatusPending, models.TaskStatusRetrying:
			ids = append(ids, t.ID)
		case models.TaskStatusRunning:
			started := now
			if t.LastAttemptAt != nil {
				started = *t.LastAttemptAt
			}
			trs = append(trs, state.Transition{
				WorkflowID: id,
				TaskID:     t.ID,
				From:       t.Status,
				To:         models.TaskStatusFailed,
				Error:      reason,
				Record: &models.ExecutionRecord{
					ID:         uuid.New().String(),
					WorkflowID: id,
					TaskID:     t.ID,
					Attempt:    t.Attempts,
					StartedAt:  started,
					EndedAt:    now,
					Outcome:    models.OutcomeCanceled,
					Error:      reason,
				},
			})
		}
	}
	trs = append(trs, skipTransitions(snap, ids, "workflow canceled")...)
	if err := c.store.Commit(ctx, trs...); err != nil {
		return persistenceError(err)
	}
	if err := c.store.SetStatus(ctx, id, models.WorkflowStatusCanceled, reason); err != nil {
		return persistenceError(err)
	}
	c.metrics.workflowFinished(models.WorkflowStatusCanceled)
	c.events.Emit(Event{Type: EventWorkflowFinished, WorkflowID: id, Workflow: models.WorkflowStatusCanceled, Status: string(models.WorkflowStatusCanceled), Message: reason})
	return nil
}

// Resize changes the concurrency limit and returns the applied value.
// Shrinking never interrupts running tasks.
func (c *Controller) Resize(ctx context.Context, id string, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.load(ctx, id); err != nil {
		return 0, err
	}
	n = c.clampConcurrency(n)
	if err := c.store.SetConcurrency(ctx, id, n); err != nil {
		return 0, persistenceError(err)
	}
	if r := c.localRun(id); r != nil {
		r.pool.Resize(n)
		r.emit(Event{Type: EventWorkflowResized, Message: fmt.Sprintf("concurrency %d", n)})
		r.poke()
	}
	c.notify(id)
	return n, nil
}

// List returns every known workflow.
func (c *Controller) List(ctx context.Context) ([]models.WorkflowSummary, error) {
	list, err := c.store.List(ctx)
	if err != nil {
		return nil, persistenceError(err)
	}
	return list, nil
}

// Purge deletes completed, failed and canceled workflows last updated more
// than olderThan ago and returns how many were removed.
func (c *Controller) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.store.PurgeFinished(ctx, olderThan)
	if err != nil {
		return n, persistenceError(err)
	}
	if n > 0 {
		log.Printf("[controller] purged %d finished workflows older than %s", n, olderThan)
	}
	return n, nil
}

// Interrupted lists workflows left mid-run by an owner whose lease lapsed.
// Workflows driven by this controller are never reported.
func (c *Controller) Interrupted(ctx context.Context) ([]state.InterruptedWorkflow, error) {
	list, err := state.NewRecoveryManager(c.store).CheckForInterrupted(ctx, map[string]bool{c.instanceID: true})
	if err != nil {
		return nil, persistenceError(err)
	}
	return list, nil
}

// Delete removes a workflow and all of its state. A running workflow is
// refused unless force is set, in which case a local loop is stopped first.
func (c *Controller) Delete(ctx context.Context, id string, force bool) error {
	c.mu.Lock()
	r := c.localRun(id)
	c.mu.Unlock()

	snap, err := c.load(ctx, id)
	if err != nil {
		return err
	}

	active := r != nil || snap.Workflow.Status == models.WorkflowStatusRunning || c.ownedElsewhere(snap.Workflow)
	if active && !force {
		return fmt.Errorf("%w: %s", models.ErrWorkflowRunning, id)
	}

	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrUnknownWorkflow, id)
		}
		return persistenceError(err)
	}
	delete(c.degraded, id)
	c.metrics.forgetWorkflow(id)
	log.Printf("[controller] deleted workflow %s", id)
	return nil
}

// Wait blocks until the local loop of id ends and returns its result. With
// no local loop it returns the stored status.
func (c *Controller) Wait(ctx context.Context, id string) (models.WorkflowStatus, error) {
	c.mu.Lock()
	r := c.runs[id]
	degraded := c.degraded[id]
	c.mu.Unlock()

	if r == nil {
		if degraded != nil {
			return models.WorkflowStatusDegraded, degraded
		}
		snap, err := c.load(ctx, id)
		if err != nil {
			return "", err
		}
		return snap.Workflow.Status, nil
	}

	select {
	case <-r.done:
		return r.result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Running reports whether this process drives the workflow.
func (c *Controller) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localRun(id) != nil
}

// Shutdown interrupts every local loop and waits for them to record their
// in-flight tasks. The event channel is closed once all loops are done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		c.events.Close()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) notify(id string) {
	if c.signals == nil {
		return
	}
	if err := c.signals.Notify(id); err != nil {
		debugLog("[controller] notify %s: %v", id, err)
	}
}
