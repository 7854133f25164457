package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

type fakeSource struct {
	mu      sync.Mutex
	report  *orchestrator.StatusReport
	err     error
	actions []string
}

func (f *fakeSource) Status(ctx context.Context, id string) (*orchestrator.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.err
}

func (f *fakeSource) Pause(ctx context.Context, id string) error {
	f.record("pause " + id)
	return nil
}

func (f *fakeSource) Resume(ctx context.Context, id string) (models.WorkflowStatus, error) {
	f.record("resume " + id)
	return models.WorkflowStatusRunning, nil
}

func (f *fakeSource) Cancel(ctx context.Context, id string, cancelInFlight bool) error {
	if cancelInFlight {
		f.record("cancel! " + id)
	} else {
		f.record("cancel " + id)
	}
	return f.err
}

func (f *fakeSource) record(s string) {
	f.mu.Lock()
	f.actions = append(f.actions, s)
	f.mu.Unlock()
}

func sampleReport() *orchestrator.StatusReport {
	return &orchestrator.StatusReport{
		Workflow: models.Workflow{ID: "wf", Status: models.WorkflowStatusRunning},
		Tasks: []orchestrator.TaskView{
			{ID: "fetch", Status: models.TaskStatusCompleted, Result: "ok\nmore"},
			{ID: "parse", Status: models.TaskStatusRunning, Description: "parse rows", Attempts: 1},
			{ID: "report", Status: models.TaskStatusFailed, Error: "boom", Attempts: 3},
		},
		Total:     3,
		Completed: 1,
		Percent:   100.0 / 3,
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatch_InitFetches(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	w := NewWatch(src, "wf", 0)

	if w.interval != DefaultRefresh {
		t.Errorf("expected default interval, got %v", w.interval)
	}

	msg := w.Init()()
	sm, ok := msg.(statusMsg)
	if !ok {
		t.Fatalf("expected statusMsg, got %T", msg)
	}

	_, cmd := w.Update(sm)
	if cmd == nil {
		t.Error("expected a tick to be scheduled after a poll")
	}
	if w.Report() == nil || w.Report().Total != 3 {
		t.Fatalf("report not stored: %+v", w.Report())
	}

	view := w.View()
	for _, want := range []string{"taskweave · wf", "running", "1/3", "fetch", "boom"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatch_PollError(t *testing.T) {
	src := &fakeSource{err: errors.New("store closed")}
	w := NewWatch(src, "wf", time.Millisecond)

	w.Update(w.fetch()())
	if w.Err() == nil {
		t.Fatal("expected poll error to be kept")
	}
	if !strings.Contains(w.View(), "store closed") {
		t.Errorf("error not rendered:\n%s", w.View())
	}
}

func TestWatch_ControlKeys(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	w := NewWatch(src, "wf", time.Millisecond)

	for _, k := range []string{"p", "r", "c", "C"} {
		_, cmd := w.Update(key(k))
		if cmd == nil {
			t.Fatalf("key %q produced no command", k)
		}
		msg := cmd()
		am, ok := msg.(actionMsg)
		if !ok {
			t.Fatalf("key %q: expected actionMsg, got %T", k, msg)
		}
		_, next := w.Update(am)
		if next == nil {
			t.Errorf("key %q: expected a refresh after the action", k)
		}
	}

	want := []string{"pause wf", "resume wf", "cancel wf", "cancel! wf"}
	if strings.Join(src.actions, ",") != strings.Join(want, ",") {
		t.Errorf("actions = %v, want %v", src.actions, want)
	}
	if w.notice != "cancel in-flight requested" {
		t.Errorf("unexpected notice %q", w.notice)
	}
}

func TestWatch_ActionError(t *testing.T) {
	src := &fakeSource{report: sampleReport(), err: errors.New("already finished")}
	w := NewWatch(src, "wf", time.Millisecond)

	_, cmd := w.Update(key("c"))
	_, next := w.Update(cmd())
	if next != nil {
		t.Error("a failed action should not trigger a refresh")
	}
	if w.Err() == nil || !strings.Contains(w.Err().Error(), "cancel: already finished") {
		t.Errorf("unexpected error: %v", w.Err())
	}
}

func TestWatch_Quit(t *testing.T) {
	w := NewWatch(&fakeSource{}, "wf", 0)
	_, cmd := w.Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestWatch_FinishedBanner(t *testing.T) {
	report := sampleReport()
	report.Workflow.Status = models.WorkflowStatusFailed
	report.Reason = "task report failed: boom"
	w := NewWatch(&fakeSource{report: report}, "wf", 0)
	w.Update(w.fetch()())

	view := w.View()
	if !strings.Contains(view, "workflow finished") {
		t.Errorf("expected finished banner:\n%s", view)
	}
	if !strings.Contains(view, "task report failed") {
		t.Errorf("expected reason:\n%s", view)
	}
}

func TestRows(t *testing.T) {
	r := rows(sampleReport())
	if len(r) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(r))
	}
	if r[0][4] != "ok …" {
		t.Errorf("result should be cut to the first line, got %q", r[0][4])
	}
	if r[1][4] != "parse rows" {
		t.Errorf("expected description, got %q", r[1][4])
	}
	if r[2][1] != "failed" || r[2][3] != "3" || r[2][4] != "boom" {
		t.Errorf("unexpected failed row %v", r[2])
	}
	if rows(nil) != nil {
		t.Error("nil report should give no rows")
	}
}
