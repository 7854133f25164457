package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrStopped is returned by WaitIfPaused once the gate has been stopped.
var ErrStopped = errors.New("run stopped")

// PauseController is the in-process pause gate of one workflow run.
// The durable pause marker lives in the store; the run loop keeps this gate
// in step with it so a blocked loop wakes as soon as the marker clears.
type PauseController struct {
	workflowID string
	// paused indicates whether dispatch is held.
	paused bool
	// stopped indicates the run is shutting down.
	stopped bool
	// mu protects all fields.
	mu sync.RWMutex
	// cond is signalled on resume and stop.
	cond *sync.Cond
}

// NewPauseController creates a gate for the given workflow.
func NewPauseController(workflowID string) *PauseController {
	p := &PauseController{workflowID: workflowID}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause holds dispatch. Reports whether the state changed.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return false
	}
	p.paused = true
	log.Printf("[scheduler] workflow %s paused - no new tasks will start", p.workflowID)
	return true
}

// Resume releases dispatch. Reports whether the state changed.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return false
	}
	p.paused = false
	log.Printf("[scheduler] workflow %s resumed", p.workflowID)
	p.cond.Broadcast()
	return true
}

// Stop unblocks any WaitIfPaused call permanently.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cond.Broadcast()
	}
}

// IsPaused returns whether dispatch is held.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped returns whether the gate has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// WaitIfPaused blocks while the gate is paused. It returns ctx.Err() if the
// context ends first and ErrStopped after Stop.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if p.paused && !p.stopped {
		// One watcher per wait, not per wakeup.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if ctx.Err() != nil {
				close(done)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		close(done)
	}
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return nil
}
