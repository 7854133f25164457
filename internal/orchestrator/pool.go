package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	// ErrNoSlot is returned by Dispatch when every slot is occupied.
	ErrNoSlot = errors.New("no free worker slot")
	// ErrAlreadyDispatched is returned when a task already holds a slot.
	ErrAlreadyDispatched = errors.New("task already dispatched")
)

// Job is one task attempt handed to the pool.
type Job struct {
	TaskID  string
	Attempt int
	Input   TaskInput
	// Timeout bounds the attempt; zero means no limit.
	Timeout time.Duration
}

// Completion reports the end of one attempt.
type Completion struct {
	TaskID    string
	Attempt   int
	Output    string
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// WorkerPool runs executor calls with bounded concurrency. A slot is held
// from Dispatch until Release, so the caller decides when the work is
// accounted for, typically after persisting the outcome.
type WorkerPool struct {
	exec Executor

	mu      sync.Mutex
	size    int
	ceiling int
	slots   map[string]context.CancelFunc

	completions chan Completion
	wg          sync.WaitGroup
}

// NewWorkerPool creates a pool with size slots that can grow to ceiling.
func NewWorkerPool(exec Executor, size, ceiling int) *WorkerPool {
	if ceiling < 1 {
		ceiling = 1
	}
	p := &WorkerPool{
		exec:    exec,
		ceiling: ceiling,
		slots:   make(map[string]context.CancelFunc),
		// Holders never exceed the ceiling, so sends never block.
		completions: make(chan Completion, ceiling),
	}
	p.size = p.clamp(size)
	return p
}

func (p *WorkerPool) clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > p.ceiling {
		return p.ceiling
	}
	return n
}

// Resize changes the slot count and returns the applied value. Shrinking
// never interrupts running work; it only stops new dispatch until enough
// slots are released.
func (p *WorkerPool) Resize(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = p.clamp(n)
	debugLog("[pool] resized to %d (busy=%d)", p.size, len(p.slots))
	return p.size
}

// Size returns the configured slot count.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Available returns the number of free slots.
func (p *WorkerPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if free := p.size - len(p.slots); free > 0 {
		return free
	}
	return 0
}

// Completions delivers one Completion per dispatched job.
func (p *WorkerPool) Completions() <-chan Completion {
	return p.completions
}

// Dispatch starts job in its own goroutine under a context derived from ctx.
func (p *WorkerPool) Dispatch(ctx context.Context, job Job) error {
	p.mu.Lock()
	if _, ok := p.slots[job.TaskID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDispatched, job.TaskID)
	}
	if len(p.slots) >= p.size {
		p.mu.Unlock()
		return ErrNoSlot
	}
	taskCtx, cancel := context.WithCancel(ctx)
	p.slots[job.TaskID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(taskCtx, job)
	return nil
}

func (p *WorkerPool) run(taskCtx context.Context, job Job) {
	defer p.wg.Done()

	runCtx := taskCtx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(taskCtx, job.Timeout)
		defer cancel()
	}

	c := Completion{TaskID: job.TaskID, Attempt: job.Attempt, StartedAt: time.Now()}
	out, err := p.execute(runCtx, job.Input)
	c.EndedAt = time.Now()
	c.Output = out.Output

	switch {
	case err == nil:
	case taskCtx.Err() != nil:
		// Canceled by CancelAll, Release or the parent: not the task's fault.
		c.Err = taskCtx.Err()
	case job.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		c.Err = fmt.Errorf("%w after %s", models.ErrTimeoutExceeded, job.Timeout)
	case errors.Is(err, models.ErrExecutorFailure):
		c.Err = err
	default:
		c.Err = fmt.Errorf("%w: %w", models.ErrExecutorFailure, err)
	}

	p.completions <- c
}

func (p *WorkerPool) execute(ctx context.Context, input TaskInput) (res TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] executor panic on task %s: %v", input.TaskID, r)
			err = fmt.Errorf("%w: panic: %v", models.ErrExecutorFailure, r)
		}
	}()
	return p.exec.Execute(ctx, input)
}

// Release frees the slot held by taskID.
func (p *WorkerPool) Release(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.slots[taskID]; ok {
		cancel()
		delete(p.slots, taskID)
	}
}

// CancelAll interrupts every running attempt.
func (p *WorkerPool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.slots {
		cancel()
	}
}

// Wait blocks until every dispatched goroutine has reported.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
