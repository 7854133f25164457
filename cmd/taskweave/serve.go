package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API",
	Long: `Run the HTTP API and drive workflows started through it.

Endpoints are served under /v1 (see 'GET /v1/workflows'), plus /healthz and
Prometheus metrics at /metrics. Ctrl+C interrupts running workflows; they can
be continued by another 'serve' or 'run'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		log.Printf("[serve] controller instance %s", a.ctrl.InstanceID())
		go logEvents(a.ctrl.Events())

		srv := server.New(a.ctrl, a.metrics.Registry())
		if err := srv.Run(ctx, addr); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

// logEvents writes every event to the standard logger until the channel closes.
func logEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		switch {
		case ev.TaskID != "" && ev.Error != "":
			log.Printf("[event] %s %s/%s: %s", ev.Type, ev.WorkflowID, ev.TaskID, ev.Error)
		case ev.TaskID != "":
			log.Printf("[event] %s %s/%s", ev.Type, ev.WorkflowID, ev.TaskID)
		default:
			log.Printf("[event] %s %s %s", ev.Type, ev.WorkflowID, ev.Message)
		}
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from server.addr)")
}
