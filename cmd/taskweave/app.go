package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ShayCichocki/taskweave/internal/config"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/signals"
	"github.com/ShayCichocki/taskweave/internal/state"
)

// app bundles everything a command needs to drive workflows.
type app struct {
	cfg     *config.Config
	store   state.Store
	signals *signals.Dir
	logger  *orchestrator.DebugLogger
	metrics *orchestrator.Metrics
	ctrl    *orchestrator.Controller
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openApp loads config and wires store, signals, executor and controller.
// Commands that never dispatch pass withExecutor false and skip executor
// setup, so they work without executor credentials.
func openApp(ctx context.Context, withExecutor bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := state.OpenStore(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	sig, err := signals.New(signalsDir(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open signals dir: %w", err)
	}

	logger, err := createDebugLogger(cfg)
	if err != nil {
		sig.Close()
		store.Close()
		return nil, err
	}

	var exec orchestrator.Executor = noExecutor
	if withExecutor {
		exec, err = createExecutor(ctx, cfg)
	}
	if err != nil {
		logger.Close()
		sig.Close()
		store.Close()
		return nil, err
	}

	metrics := orchestrator.NewMetrics()
	ctrl := orchestrator.New(store, exec,
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithSignals(sig),
	)

	return &app{
		cfg:     cfg,
		store:   store,
		signals: sig,
		logger:  logger,
		metrics: metrics,
		ctrl:    ctrl,
	}, nil
}

// signalsDir sits next to the state store so every process sharing the
// store also shares the signal files.
func signalsDir(cfg *config.Config) string {
	if cfg.State.Path != "" {
		return filepath.Join(filepath.Dir(cfg.State.Path), "signals")
	}
	return filepath.Join(state.DataDir(), "signals")
}

func createDebugLogger(cfg *config.Config) (*orchestrator.DebugLogger, error) {
	switch cfg.Log.DebugFile {
	case "":
		return orchestrator.NopLogger(), nil
	case "auto":
		return orchestrator.NewDebugLoggerForDir(state.DataDir()), nil
	default:
		logger, err := orchestrator.NewDebugLogger(cfg.Log.DebugFile)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		return logger, nil
	}
}

// Close interrupts local loops, waiting up to the drain timeout, then
// releases resources.
func (a *app) Close() error {
	drain := a.cfg.Scheduler.DrainTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	err := a.ctrl.Shutdown(ctx)
	a.signals.Close()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.logger.Close()
	return err
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
