//go:build unix

package exec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewRunner()
	stdout, stderr, err := r.Run(context.Background(), Cmd{
		Name:  "sh",
		Args:  []string{"-c", `read line; echo "$line $GREETING"; echo oops >&2`},
		Env:   []string{"GREETING=world"},
		Stdin: strings.NewReader("hello\n"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.TrimSpace(string(stdout)); got != "hello world" {
		t.Errorf("stdout = %q", got)
	}
	if got := strings.TrimSpace(string(stderr)); got != "oops" {
		t.Errorf("stderr = %q", got)
	}
}

func TestExecRunner_Dir(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := NewRunner().Run(context.Background(), Cmd{Name: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(stdout)), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", stdout, dir)
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	_, _, err := NewRunner().Run(context.Background(), Cmd{Name: "sh", Args: []string{"-c", "exit 3"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := ExitCode(err); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
	if code := ExitCode(nil); code != -1 {
		t.Errorf("ExitCode(nil) = %d, want -1", code)
	}
}

func TestExecRunner_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := NewRunner().Run(ctx, Cmd{Name: "sh", Args: []string{"-c", "sleep 10 | cat"}})
	if err != context.DeadlineExceeded {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("pipeline outlived its context")
	}
}
