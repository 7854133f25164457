package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cancelInFlight bool
	resumeDetach   bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause <workflow-id>",
	Short: "Pause a workflow",
	Long: `Set the durable pause marker. Running tasks finish; nothing new starts.

The marker is stored, so a workflow paused before a restart stays paused
until resumed. Pausing a paused workflow does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.ctrl.Pause(ctx, args[0]); err != nil {
				return err
			}
			printStatus("⏸", fmt.Sprintf("Paused %s", args[0]), color.FgYellow)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a paused workflow",
	Long: `Clear the pause marker.

If another process drives the workflow it continues dispatching. If no
process does, this command takes over and runs the workflow to completion,
like 'taskweave run'. With --detach only the marker is cleared; an idle
workflow then waits for 'taskweave run'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if resumeDetach {
			return withApp(func(ctx context.Context, a *app) error {
				return detachResume(ctx, a, id)
			})
		}

		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.ctrl.Resume(ctx, id)
		if err != nil {
			return err
		}
		if !a.ctrl.Running(id) {
			printStatus("▶", fmt.Sprintf("Resumed %s (%s)", id, status), color.FgGreen)
			return nil
		}
		printStatus("▶", fmt.Sprintf("Resumed %s in this process", id), color.FgGreen)
		return driveWorkflow(ctx, a, id, func(context.Context) error { return nil })
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Long: `Stop dispatching, skip every task that has not run and end the workflow
as canceled. Running tasks finish unless --in-flight is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.ctrl.Cancel(ctx, args[0], cancelInFlight); err != nil {
				return err
			}
			printStatus("✗", fmt.Sprintf("Cancel requested for %s", args[0]), color.FgRed)
			return nil
		})
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize <workflow-id> <concurrency>",
	Short: "Change a workflow's concurrency limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("concurrency must be a positive integer, got %q", args[1])
		}
		return withApp(func(ctx context.Context, a *app) error {
			applied, err := a.ctrl.Resize(ctx, args[0], n)
			if err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Concurrency of %s set to %d", args[0], applied), color.FgGreen)
			return nil
		})
	},
}

// detachResume clears the pause marker in the store and wakes the owner,
// without starting a loop here.
func detachResume(ctx context.Context, a *app, id string) error {
	report, err := a.ctrl.Status(ctx, id)
	if err != nil {
		return err
	}
	if !report.Workflow.Paused {
		fmt.Printf("%s is not paused (%s)\n", id, report.Workflow.Status)
		return nil
	}
	if err := a.store.SetPaused(ctx, id, false); err != nil {
		return err
	}
	if err := a.signals.Notify(id); err != nil {
		return err
	}
	printStatus("▶", fmt.Sprintf("Cleared pause marker of %s", id), color.FgGreen)
	if !report.Workflow.OwnerLive(time.Now()) {
		fmt.Printf("  No process drives it. Continue with: taskweave run %s\n", id)
	}
	return nil
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeDetach, "detach", false, "Only clear the pause marker; do not drive the workflow here")
	cancelCmd.Flags().BoolVar(&cancelInFlight, "in-flight", false, "Also interrupt running tasks")
}

// withApp opens the app for a short control command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
