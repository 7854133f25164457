package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <workflow-id>",
	Short: "Delete a workflow and its history",
	Long: `Remove a workflow, its tasks and its execution records.

A running workflow is refused unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.ctrl.Delete(ctx, args[0], deleteForce); err != nil {
				return err
			}
			_ = a.signals.Remove(args[0])
			printStatus("✓", fmt.Sprintf("Deleted %s", args[0]), color.FgGreen)
			return nil
		})
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Delete even if the workflow is running")
}

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished workflows",
	Long: `Remove completed, failed and canceled workflows, with their tasks and
execution records, that have not changed for at least --older-than.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan < 0 {
			return fmt.Errorf("--older-than must not be negative, got %s", purgeOlderThan)
		}
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.ctrl.Purge(ctx, purgeOlderThan)
			if err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Purged %d finished workflows", n), color.FgGreen)
			return nil
		})
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Only purge workflows unchanged for this long")
}
