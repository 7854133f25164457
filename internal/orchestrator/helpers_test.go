package orchestrator

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/retry"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// fakeExecutor records calls and peak concurrency. fn overrides the default
// behavior of returning "done:<id>".
type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	order []string

	running    atomic.Int32
	maxRunning atomic.Int32

	fn func(ctx context.Context, in TaskInput) (TaskResult, error)
}

func newFakeExecutor(fn func(ctx context.Context, in TaskInput) (TaskResult, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int), fn: fn}
}

func (f *fakeExecutor) Execute(ctx context.Context, in TaskInput) (TaskResult, error) {
	f.mu.Lock()
	f.calls[in.TaskID]++
	f.order = append(f.order, in.TaskID)
	f.mu.Unlock()

	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	if f.fn != nil {
		return f.fn(ctx, in)
	}
	return TaskResult{Output: "done:" + in.TaskID}, nil
}

func (f *fakeExecutor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testPolicy() *policy.Config {
	pc := policy.Default()
	pc.Loop.PollInterval = 10 * time.Millisecond
	pc.Loop.DrainTimeout = 2 * time.Second
	pc.Defaults.Retry = models.RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, Multiplier: 2}
	pc.Events.BufferSize = 4096
	return pc
}

func openTestStore(t *testing.T, path string) state.Store {
	t.Helper()
	store, err := state.OpenStore(state.Options{Backend: state.BackendSQLite, Path: path})
	require.NoError(t, err)
	return store
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { store.Close() })
	return store
}

// claimLapsed records owner on id with a lease that has already run out,
// as a process that died without releasing its claim would leave it.
func claimLapsed(t *testing.T, store state.Store, id, owner string) {
	t.Helper()
	require.NoError(t, store.ClaimOwner(t.Context(), id, owner, time.Millisecond, false))
	time.Sleep(5 * time.Millisecond)
}

func newTestController(t *testing.T, store state.Store, exec Executor, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		WithPolicy(testPolicy()),
		WithRetryManager(retry.NewManager(retry.WithRand(rand.New(rand.NewSource(1))))),
	}
	c := New(store, exec, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func boolPtr(b bool) *bool { return &b }

func taskSpec(id string, priority int, deps ...string) models.TaskSpec {
	return models.TaskSpec{ID: id, Description: "task " + id, Dependencies: deps, Priority: priority}
}

// startAndWait creates, starts and waits for a workflow.
func startAndWait(t *testing.T, c *Controller, spec WorkflowSpec) (string, models.WorkflowStatus, error) {
	t.Helper()
	ctx := t.Context()
	id, err := c.Create(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, id))

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, err := c.Wait(wctx, id)
	return id, status, err
}

func taskStatus(t *testing.T, c *Controller, wfID, taskID string) models.TaskStatus {
	t.Helper()
	report, err := c.Status(t.Context(), wfID)
	require.NoError(t, err)
	for _, tv := range report.Tasks {
		if tv.ID == taskID {
			return tv.Status
		}
	}
	t.Fatalf("task %s not in report", taskID)
	return ""
}
