package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/definition"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	createFile  string
	createID    string
	createStart bool
	createPlan  bool
)

var createCmd = &cobra.Command{
	Use:   "create -f <workflow.yaml>",
	Short: "Create a workflow from a definition file",
	Long: `Create a workflow from a YAML definition.

The definition is validated (unknown fields, missing dependencies and cycles
are rejected) and persisted. Nothing runs until 'taskweave run <id>', unless
--start is given.

Example definition:

  id: nightly
  concurrency: 4
  fail_fast: false
  tasks:
    - id: fetch
      description: curl -sf https://example.com/data.json -o data.json
      retry: {max_attempts: 5, base_delay: 2s}
    - id: report
      description: jq length data.json
      dependencies: [fetch]`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "Workflow definition file (required)")
	createCmd.Flags().StringVar(&createID, "id", "", "Override the workflow id from the file")
	createCmd.Flags().BoolVar(&createStart, "start", false, "Start the workflow and wait for it to finish")
	createCmd.Flags().BoolVar(&createPlan, "dry-run", false, "Check the definition and print a dependency order without storing it")
	_ = createCmd.MarkFlagRequired("file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	spec, err := definition.Load(createFile)
	if err != nil {
		return err
	}
	if createID != "" {
		spec.ID = createID
	}
	if createPlan {
		return printPlan(os.Stdout, spec)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, createStart)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.ctrl.Create(ctx, spec)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Created workflow %s (%d tasks)", id, len(spec.Tasks)), color.FgGreen)

	if !createStart {
		fmt.Printf("  Run it with: taskweave run %s\n", id)
		return nil
	}
	return driveWorkflow(ctx, a, id, func(ctx context.Context) error {
		return a.ctrl.Start(ctx, id)
	})
}

// printPlan validates spec and lists its tasks so that every task follows
// its dependencies.
func printPlan(w io.Writer, spec orchestrator.WorkflowSpec) error {
	order, err := orchestrator.Plan(spec)
	if err != nil {
		return err
	}
	byID := make(map[string]models.TaskSpec, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		byID[ts.ID] = ts
	}
	fmt.Fprintf(w, "%d tasks, dependencies first:\n", len(order))
	for i, id := range order {
		ts := byID[id]
		line := fmt.Sprintf("%3d. %s", i+1, id)
		if len(ts.Dependencies) > 0 {
			line += " <- " + strings.Join(ts.Dependencies, ", ")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
