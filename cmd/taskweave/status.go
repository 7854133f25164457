package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow and its tasks",
	Long: `Display the last committed state of a workflow.

Shows:
  - Workflow status, pause marker and owner
  - Progress (completed / total)
  - Each task with status, attempts and last error`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.ctrl.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if statusJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			displayReport(report)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
}

func displayReport(r *orchestrator.StatusReport) {
	wf := r.Workflow
	bold := color.New(color.Bold)

	bold.Printf("Workflow: %s\n", wf.ID)
	fmt.Printf("  Status:      %s", workflowColor(wf.Status).Sprint(wf.Status))
	if wf.Paused && wf.Status != models.WorkflowStatusPaused {
		fmt.Printf(" %s", color.YellowString("(pause requested)"))
	}
	fmt.Println()
	fmt.Printf("  Progress:    %d/%d (%.0f%%)\n", r.Completed, r.Total, r.Percent)
	fmt.Printf("  Concurrency: %d\n", wf.ConcurrencyLimit)
	if wf.Owner != "" {
		fmt.Printf("  Owner:       %s\n", wf.Owner)
	}
	fmt.Printf("  Created:     %s\n", wf.CreatedAt.Format(time.RFC3339))
	if r.Reason != "" {
		fmt.Printf("  Reason:      %s\n", color.RedString(r.Reason))
	}
	fmt.Println()

	bold.Println("Tasks:")
	for _, t := range r.Tasks {
		line := fmt.Sprintf("  %s %-20s attempts=%d", taskColor(t.Status).Sprintf("%-10s", t.Status), t.ID, t.Attempts)
		if len(t.Dependencies) > 0 {
			line += "  after " + strings.Join(t.Dependencies, ",")
		}
		if t.Optional {
			line += "  (optional)"
		}
		fmt.Println(line)
		if t.Error != "" {
			fmt.Printf("             %s\n", color.RedString(t.Error))
		}
	}
}

func workflowColor(s models.WorkflowStatus) *color.Color {
	switch s {
	case models.WorkflowStatusCompleted:
		return color.New(color.FgGreen)
	case models.WorkflowStatusRunning:
		return color.New(color.FgCyan)
	case models.WorkflowStatusPaused:
		return color.New(color.FgYellow)
	case models.WorkflowStatusFailed, models.WorkflowStatusDegraded:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

func taskColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusRunning:
		return color.New(color.FgCyan)
	case models.TaskStatusRetrying:
		return color.New(color.FgYellow)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusSkipped:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgWhite)
	}
}
