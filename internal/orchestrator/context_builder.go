package orchestrator

import (
	"strings"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// BuildContext assembles the executor input for a task from the results of
// its completed dependencies. Dependencies appear in declaration order;
// a dependency missing from results is omitted.
func BuildContext(task models.Task, results map[string]string) TaskInput {
	input := TaskInput{
		WorkflowID:  task.WorkflowID,
		TaskID:      task.ID,
		Attempt:     task.Attempts,
		Description: task.Description,
	}

	var b strings.Builder
	b.WriteString(task.Description)
	for _, dep := range task.Dependencies {
		result, ok := results[dep]
		if !ok {
			continue
		}
		input.Dependencies = append(input.Dependencies, DependencyResult{TaskID: dep, Result: result})
		b.WriteString("\n\n[dependency ")
		b.WriteString(dep)
		b.WriteString("]\n")
		b.WriteString(result)
	}
	input.Prompt = b.String()
	return input
}
