package orchestrator

import "context"

// DependencyResult is the result of one completed dependency, as handed to
// the executor.
type DependencyResult struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

// TaskInput is everything an executor receives for one attempt.
type TaskInput struct {
	WorkflowID   string             `json:"workflow_id"`
	TaskID       string             `json:"task_id"`
	Attempt      int                `json:"attempt"`
	Description  string             `json:"description"`
	Dependencies []DependencyResult `json:"dependencies,omitempty"`
	// Prompt is the description followed by every dependency result in
	// declaration order.
	Prompt string `json:"prompt"`
}

// TaskResult is the executor's structured output.
type TaskResult struct {
	Output string `json:"output"`
}

// Executor runs task bodies. Implementations must honor ctx cancellation;
// the pool cannot interrupt an executor that ignores it.
type Executor interface {
	Execute(ctx context.Context, input TaskInput) (TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input TaskInput) (TaskResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input TaskInput) (TaskResult, error) {
	return f(ctx, input)
}
