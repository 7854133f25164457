// Package executor provides the task executors taskweave ships with.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/taskweave/internal/exec"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/retry"
)

// exitCommandNotFound is the shell's status for a missing program. No
// retry can fix it.
const exitCommandNotFound = 127

// maxStderrTail bounds how much stderr ends up in an error message.
const maxStderrTail = 512

// Command runs each task's description as a shell command. The results of
// its dependencies are written to stdin in declaration order, one per
// line, and are also exported as TASKWEAVE_DEP_<ID>.
type Command struct {
	runner exec.CommandRunner
	shell  string
	dir    string
}

// CommandOption configures a Command executor.
type CommandOption func(*Command)

// WithShell sets the shell used for "-c". Defaults to /bin/sh.
func WithShell(shell string) CommandOption {
	return func(c *Command) { c.shell = shell }
}

// WithDir sets the working directory of every command.
func WithDir(dir string) CommandOption {
	return func(c *Command) { c.dir = dir }
}

// WithRunner replaces the process runner, for tests.
func WithRunner(r exec.CommandRunner) CommandOption {
	return func(c *Command) { c.runner = r }
}

// NewCommand creates a shell command executor.
func NewCommand(opts ...CommandOption) *Command {
	c := &Command{runner: exec.NewRunner(), shell: "/bin/sh"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute implements orchestrator.Executor. Stdout is the task result.
func (c *Command) Execute(ctx context.Context, in orchestrator.TaskInput) (orchestrator.TaskResult, error) {
	if strings.TrimSpace(in.Description) == "" {
		return orchestrator.TaskResult{}, retry.Permanent(fmt.Errorf("task %s has no command", in.TaskID))
	}

	env := []string{
		"TASKWEAVE_WORKFLOW_ID=" + in.WorkflowID,
		"TASKWEAVE_TASK_ID=" + in.TaskID,
		"TASKWEAVE_ATTEMPT=" + strconv.Itoa(in.Attempt),
	}
	var stdin strings.Builder
	for _, dep := range in.Dependencies {
		env = append(env, "TASKWEAVE_DEP_"+envName(dep.TaskID)+"="+dep.Result)
		stdin.WriteString(dep.Result)
		if !strings.HasSuffix(dep.Result, "\n") {
			stdin.WriteByte('\n')
		}
	}

	stdout, stderr, err := c.runner.Run(ctx, exec.Cmd{
		Name:  c.shell,
		Args:  []string{"-c", in.Description},
		Dir:   c.dir,
		Env:   env,
		Stdin: strings.NewReader(stdin.String()),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return orchestrator.TaskResult{}, err
		}
		code := exec.ExitCode(err)
		wrapped := fmt.Errorf("command %q: %w%s", in.Description, err, stderrTail(stderr))
		if code == exitCommandNotFound {
			return orchestrator.TaskResult{}, retry.Permanent(wrapped)
		}
		return orchestrator.TaskResult{}, wrapped
	}

	return orchestrator.TaskResult{Output: strings.TrimRight(string(stdout), "\n")}, nil
}

// envName maps a task id onto an environment variable suffix.
func envName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if len(s) > maxStderrTail {
		s = "..." + s[len(s)-maxStderrTail:]
	}
	return ": " + s
}

var _ orchestrator.Executor = (*Command)(nil)
