// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"io"
)

// Cmd describes one process invocation.
type Cmd struct {
	// Name is the program; Args follow it.
	Name string
	Args []string
	// Dir is the working directory. Empty uses the current one.
	Dir string
	// Env is appended to the parent environment.
	Env []string
	// Stdin feeds the process. Nil means no input.
	Stdin io.Reader
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and returns its stdout and stderr separately. A
	// non-zero exit is reported as an error alongside the captured output.
	Run(ctx context.Context, cmd Cmd) (stdout, stderr []byte, err error)
}
