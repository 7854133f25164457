package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <workflow-id>",
	Short: "Watch a workflow in a live TUI",
	Long: `Open a live view of a workflow driven by any process sharing the store.

Keys:
  p  pause      r  resume
  c  cancel     C  cancel, interrupting running tasks
  q  quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if _, err := a.ctrl.Status(ctx, args[0]); err != nil {
				return err
			}
			program, _ := tui.NewWatchProgram(a.ctrl, args[0], a.cfg.Scheduler.PollInterval)
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		})
	},
}
