package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/taskweave/internal/retry"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

func waitCompletion(t *testing.T, p *WorkerPool) Completion {
	t.Helper()
	select {
	case c := <-p.Completions():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestNewWorkerPool_Clamps(t *testing.T) {
	p := NewWorkerPool(ExecutorFunc(nil), 0, 4)
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
	p = NewWorkerPool(ExecutorFunc(nil), 10, 4)
	if p.Size() != 4 {
		t.Errorf("Size() = %d, want 4", p.Size())
	}
	if p.Available() != 4 {
		t.Errorf("Available() = %d, want 4", p.Available())
	}
}

func TestWorkerPool_DispatchAndRelease(t *testing.T) {
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		return TaskResult{Output: "ok:" + in.TaskID}, nil
	}), 1, 2)

	if err := p.Dispatch(t.Context(), Job{TaskID: "a", Attempt: 1}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := p.Dispatch(t.Context(), Job{TaskID: "b", Attempt: 1}); !errors.Is(err, ErrNoSlot) {
		t.Errorf("second Dispatch error = %v, want ErrNoSlot", err)
	}

	c := waitCompletion(t, p)
	if c.TaskID != "a" || c.Output != "ok:a" || c.Err != nil {
		t.Errorf("completion = %+v", c)
	}

	// The slot is held until the caller releases it.
	if p.Available() != 0 {
		t.Errorf("Available() before Release = %d, want 0", p.Available())
	}
	p.Release("a")
	if p.Available() != 1 {
		t.Errorf("Available() after Release = %d, want 1", p.Available())
	}
	p.Wait()
}

func TestWorkerPool_AlreadyDispatched(t *testing.T) {
	block := make(chan struct{})
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		<-block
		return TaskResult{}, nil
	}), 2, 2)

	if err := p.Dispatch(t.Context(), Job{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Dispatch(t.Context(), Job{TaskID: "a"}); !errors.Is(err, ErrAlreadyDispatched) {
		t.Errorf("error = %v, want ErrAlreadyDispatched", err)
	}
	close(block)
	waitCompletion(t, p)
	p.Release("a")
	p.Wait()
}

func TestWorkerPool_ResizeDoesNotInterrupt(t *testing.T) {
	release := make(chan struct{})
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		select {
		case <-release:
			return TaskResult{Output: "done"}, nil
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}), 2, 4)

	for _, id := range []string{"a", "b"} {
		if err := p.Dispatch(t.Context(), Job{TaskID: id}); err != nil {
			t.Fatal(err)
		}
	}

	if got := p.Resize(1); got != 1 {
		t.Errorf("Resize(1) = %d", got)
	}
	if p.Available() != 0 {
		t.Errorf("Available() = %d after shrinking below busy", p.Available())
	}

	close(release)
	for range 2 {
		c := waitCompletion(t, p)
		if c.Err != nil {
			t.Errorf("running task interrupted by resize: %v", c.Err)
		}
		p.Release(c.TaskID)
	}
	if p.Available() != 1 {
		t.Errorf("Available() = %d, want 1", p.Available())
	}

	if got := p.Resize(99); got != 4 {
		t.Errorf("Resize(99) = %d, want ceiling 4", got)
	}
	p.Wait()
}

func TestWorkerPool_Timeout(t *testing.T) {
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		<-ctx.Done()
		return TaskResult{}, ctx.Err()
	}), 1, 1)

	if err := p.Dispatch(t.Context(), Job{TaskID: "slow", Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, p)
	if !errors.Is(c.Err, models.ErrTimeoutExceeded) {
		t.Errorf("error = %v, want ErrTimeoutExceeded", c.Err)
	}
	if !errors.Is(c.Err, models.ErrExecutorFailure) {
		t.Errorf("timeout should count as an executor failure: %v", c.Err)
	}
	if !retry.Retryable(c.Err) {
		t.Error("timeout should be retryable")
	}
	p.Release("slow")
	p.Wait()
}

func TestWorkerPool_CancelAll(t *testing.T) {
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		<-ctx.Done()
		return TaskResult{}, ctx.Err()
	}), 2, 2)

	for _, id := range []string{"a", "b"} {
		if err := p.Dispatch(t.Context(), Job{TaskID: id}); err != nil {
			t.Fatal(err)
		}
	}
	p.CancelAll()

	for range 2 {
		c := waitCompletion(t, p)
		if !errors.Is(c.Err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", c.Err)
		}
		p.Release(c.TaskID)
	}
	p.Wait()
}

func TestWorkerPool_WrapsExecutorErrors(t *testing.T) {
	p := NewWorkerPool(ExecutorFunc(func(ctx context.Context, in TaskInput) (TaskResult, error) {
		if in.TaskID == "panic" {
			panic("boom")
		}
		return TaskResult{}, errors.New("exit status 1")
	}), 2, 2)

	for _, id := range []string{"plain", "panic"} {
		if err := p.Dispatch(t.Context(), Job{TaskID: id}); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		c := waitCompletion(t, p)
		if !errors.Is(c.Err, models.ErrExecutorFailure) {
			t.Errorf("%s: error = %v, want ErrExecutorFailure", c.TaskID, c.Err)
		}
		p.Release(c.TaskID)
	}
	p.Wait()
}
