package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/tui"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	runRecover bool
	runWatch   bool
	runQuiet   bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Run a workflow until it finishes",
	Long: `Drive a created, paused or interrupted workflow in this process. A paused
workflow is resumed.

The command blocks until the workflow reaches a terminal status. Ctrl+C
interrupts it: running tasks are stopped and recorded as interrupted, and the
workflow can be continued later with another 'taskweave run'.

Use --recover to take over a workflow whose previous owner process died
without releasing it.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runRecover, "recover", false, "Take over a workflow held by a dead process")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show the live TUI while running")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final result")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	id := args[0]

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.ctrl.Status(ctx, id)
	if err != nil {
		return err
	}

	start := a.ctrl.Start
	if runRecover {
		start = a.ctrl.Recover
	}
	return driveWorkflow(ctx, a, id, func(ctx context.Context) error {
		if err := start(ctx, id); err != nil {
			return err
		}
		if report.Workflow.Paused {
			_, err := a.ctrl.Resume(ctx, id)
			return err
		}
		return nil
	})
}

// driveWorkflow starts id with startFn and blocks until the loop ends or ctx
// is canceled.
func driveWorkflow(ctx context.Context, a *app, id string, startFn func(context.Context) error) error {
	// Always drain; quiet and watch runs just discard.
	go printEvents(os.Stdout, a.ctrl.Events(), id, !runQuiet && !runWatch)

	if err := startFn(ctx); err != nil {
		return err
	}

	if runWatch {
		program, _ := tui.NewWatchProgram(a.ctrl, id, a.cfg.Scheduler.PollInterval)
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if a.ctrl.Running(id) && ctx.Err() == nil {
			fmt.Println("Watch closed; still running. Press Ctrl+C to interrupt.")
		}
	}

	status, err := a.ctrl.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		printStatus("⏸", fmt.Sprintf("Interrupted %s. Continue with: taskweave run %s", id, id), color.FgYellow)
		return nil
	}
	return reportFinish(ctx, a, id, status, err)
}

func reportFinish(ctx context.Context, a *app, id string, status models.WorkflowStatus, runErr error) error {
	report, err := a.ctrl.Status(ctx, id)
	if err == nil {
		fmt.Printf("  %d/%d tasks completed\n", report.Completed, report.Total)
	}

	switch status {
	case models.WorkflowStatusCompleted:
		printStatus("✓", fmt.Sprintf("Workflow %s completed", id), color.FgGreen)
		return nil
	case models.WorkflowStatusPaused:
		printStatus("⏸", fmt.Sprintf("Workflow %s paused", id), color.FgYellow)
		return nil
	}

	msg := fmt.Sprintf("Workflow %s %s", id, status)
	if report != nil && report.Reason != "" {
		msg += ": " + report.Reason
	}
	printStatus("✗", msg, color.FgRed)
	if runErr != nil {
		return runErr
	}
	return fmt.Errorf("workflow %s %s", id, status)
}

// printEvents consumes events until the channel closes, writing one line
// per event of id to w when verbose.
func printEvents(w io.Writer, events <-chan orchestrator.Event, id string, verbose bool) {
	dim := color.New(color.FgHiBlack)
	for ev := range events {
		if !verbose || ev.WorkflowID != id {
			continue
		}
		ts := dim.Sprint(ev.Timestamp.Format("15:04:05"))
		switch ev.Type {
		case orchestrator.EventTaskStarted:
			fmt.Fprintf(w, "%s %s %s (attempt %d)\n", ts, color.CyanString("▶"), ev.TaskID, ev.Attempt)
		case orchestrator.EventTaskCompleted:
			fmt.Fprintf(w, "%s %s %s\n", ts, color.GreenString("✓"), ev.TaskID)
		case orchestrator.EventTaskRetrying:
			fmt.Fprintf(w, "%s %s %s retry in %s: %s\n", ts, color.YellowString("↻"), ev.TaskID, ev.Delay.Round(time.Millisecond), ev.Error)
		case orchestrator.EventTaskFailed:
			fmt.Fprintf(w, "%s %s %s: %s\n", ts, color.RedString("✗"), ev.TaskID, ev.Error)
		case orchestrator.EventTaskSkipped:
			fmt.Fprintf(w, "%s %s %s skipped\n", ts, dim.Sprint("-"), ev.TaskID)
		case orchestrator.EventTaskInterrupted:
			fmt.Fprintf(w, "%s %s %s interrupted\n", ts, color.YellowString("⏸"), ev.TaskID)
		case orchestrator.EventWorkflowPaused, orchestrator.EventWorkflowResumed, orchestrator.EventWorkflowResized:
			fmt.Fprintf(w, "%s %s %s %s\n", ts, color.MagentaString("●"), ev.Type, ev.Message)
		case orchestrator.EventWorkflowDegraded:
			fmt.Fprintf(w, "%s %s degraded: %s\n", ts, color.New(color.FgRed, color.Bold).Sprint("!"), ev.Error)
		}
	}
}
