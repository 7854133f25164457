package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDebugLogger_To(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugLoggerTo(&buf)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC) }

	l.Log("dispatch %s attempt %d", "fetch", 2)

	if got, want := buf.String(), "[03:04:05.006] dispatch fetch attempt 2\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on a borrowed writer: %v", err)
	}
}

func TestDebugLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	l.Log("hello %d", 1)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l.Log("after close is dropped")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "debug log started") || !strings.Contains(content, "hello 1") {
		t.Errorf("unexpected log content:\n%s", content)
	}
	if strings.Contains(content, "after close") {
		t.Error("writes after Close should be dropped")
	}
}

func TestDebugLogger_Nop(t *testing.T) {
	var nilLogger *DebugLogger
	nilLogger.Log("ignored")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}

	l, err := NewDebugLogger("")
	if err != nil {
		t.Fatalf("NewDebugLogger(\"\"): %v", err)
	}
	l.Log("ignored")
	if err := l.Close(); err != nil {
		t.Errorf("nop Close: %v", err)
	}
}
