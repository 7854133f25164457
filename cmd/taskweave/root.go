package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskweave",
	Short: "Durable workflow orchestration",
	Long: `taskweave runs workflows of dependent tasks with bounded parallelism,
retries with backoff, and pause/resume that survives restarts.

A workflow is a YAML file listing tasks and their dependencies. Each task is
executed as a shell command or as a Claude prompt, depending on config.
Every state change is committed to the state store before it is acted on,
so a killed process loses no completed work.

Typical use:
  taskweave create -f pipeline.yaml
  taskweave run pipeline
  taskweave pause pipeline     # from another terminal
  taskweave resume pipeline`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/taskweave/config.yaml + .taskweave.yaml)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
