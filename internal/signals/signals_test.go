package signals

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "signals"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNotifyWritesFile(t *testing.T) {
	d := newDir(t)
	if err := d.Notify("wf-1"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Path(), "wf-1")); err != nil {
		t.Errorf("signal file missing: %v", err)
	}
	if err := d.Remove("wf-1"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if err := d.Remove("wf-1"); err != nil {
		t.Errorf("second Remove should be a no-op: %v", err)
	}
}

func TestWatchReceivesOwnWorkflow(t *testing.T) {
	d := newDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := d.Watch(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	other, err := d.Watch(ctx, "wf-2")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := d.Notify("wf-1"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mine:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal for wf-1")
	}
	select {
	case <-other:
		t.Error("wf-2 received a signal meant for wf-1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchClosesWithContext(t *testing.T) {
	d := newDir(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := d.Watch(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestWatchAfterClose(t *testing.T) {
	d := newDir(t)
	d.Close()
	if _, err := d.Watch(context.Background(), "wf-1"); err == nil {
		t.Error("expected error watching a closed dir")
	}
}
