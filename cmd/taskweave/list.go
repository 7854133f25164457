package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			list, err := a.ctrl.List(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No workflows. Create one with 'taskweave create -f <file>'.")
				return nil
			}
			interrupted, err := a.ctrl.Interrupted(ctx)
			if err != nil {
				return err
			}
			displayWorkflows(os.Stdout, list, interrupted)
			return nil
		})
	},
}

// displayWorkflows prints one row per workflow. Workflows in interrupted
// are flagged so they can be continued with 'taskweave run'.
func displayWorkflows(out io.Writer, list []models.WorkflowSummary, interrupted []state.InterruptedWorkflow) {
	stale := make(map[string]state.InterruptedWorkflow, len(interrupted))
	for _, iw := range interrupted {
		stale[iw.WorkflowID] = iw
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tUPDATED")
	for _, s := range list {
		status := string(s.Status)
		if s.Paused && s.Status != models.WorkflowStatusPaused {
			status += " (pausing)"
		}
		if iw, ok := stale[s.ID]; ok {
			status += " (" + staleNote(iw) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", s.ID, status, s.Completed, s.Total, formatAge(s.UpdatedAt))
	}
	w.Flush()
}

func staleNote(iw state.InterruptedWorkflow) string {
	switch {
	case iw.Owner != "" && len(iw.RunningTasks) > 0:
		return fmt.Sprintf("owner gone, %d orphaned", len(iw.RunningTasks))
	case iw.Owner != "":
		return "owner gone"
	default:
		return fmt.Sprintf("%d orphaned", len(iw.RunningTasks))
	}
}

// formatAge formats a timestamp as a relative age string.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
