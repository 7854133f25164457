// Package signals wakes control loops in other processes.
//
// Every workflow has a signal file in a shared directory. A control
// operation touches the file after changing the store; the owning process
// watches the directory with fsnotify and re-reads the store right away
// instead of waiting for its next poll. The files carry no state: losing a
// signal only delays the reaction to the poll interval.
package signals

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Dir is a signal directory. It implements orchestrator.Signaler.
type Dir struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	subs    map[string][]chan struct{}
	done    chan struct{}
}

// New creates the directory if needed.
func New(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	return &Dir{
		path: path,
		subs: make(map[string][]chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Path returns the directory.
func (d *Dir) Path() string { return d.path }

func (d *Dir) file(workflowID string) string {
	return filepath.Join(d.path, workflowID)
}

// Notify touches the signal file of workflowID.
func (d *Dir) Notify(workflowID string) error {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(d.file(workflowID), []byte(stamp), 0644); err != nil {
		return fmt.Errorf("signal %s: %w", workflowID, err)
	}
	return nil
}

// Watch returns a channel that receives a value whenever workflowID is
// signaled. Signals coalesce. The channel is closed when ctx ends.
func (d *Dir) Watch(ctx context.Context, workflowID string) (<-chan struct{}, error) {
	if err := d.ensureWatcher(); err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.subs[workflowID] = append(d.subs[workflowID], ch)
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		d.unsubscribe(workflowID, ch)
	}()
	return ch, nil
}

// Remove deletes the signal file of a workflow that no longer exists.
func (d *Dir) Remove(workflowID string) error {
	if err := os.Remove(d.file(workflowID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close stops the watcher and closes every subscription.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Dir) ensureWatcher() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return fmt.Errorf("signal dir %s closed", d.path)
	default:
	}
	if d.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(d.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", d.path, err)
	}
	d.watcher = w
	go d.run(w)
	return nil
}

func (d *Dir) run(w *fsnotify.Watcher) {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d.fire(filepath.Base(event.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

func (d *Dir) fire(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs[workflowID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (d *Dir) unsubscribe(workflowID string, ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[workflowID]
	for i, c := range subs {
		if c == ch {
			d.subs[workflowID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(d.subs[workflowID]) == 0 {
		delete(d.subs, workflowID)
	}
}
