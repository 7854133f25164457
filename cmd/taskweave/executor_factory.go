package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/taskweave/internal/config"
	"github.com/ShayCichocki/taskweave/internal/executor"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
)

// noExecutor serves control-only commands, which never start a loop.
var noExecutor = orchestrator.ExecutorFunc(func(ctx context.Context, in orchestrator.TaskInput) (orchestrator.TaskResult, error) {
	return orchestrator.TaskResult{}, errors.New("this command does not execute tasks")
})

// createExecutor builds the task executor selected by executor.kind.
func createExecutor(ctx context.Context, cfg *config.Config) (orchestrator.Executor, error) {
	switch cfg.Executor.Kind {
	case config.ExecutorClaude:
		return createClaudeExecutor(ctx, cfg)
	case "", config.ExecutorCommand:
		return executor.NewCommand(
			executor.WithShell(cfg.Executor.Shell),
			executor.WithDir(cfg.Executor.Dir),
		), nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
	}
}

// createClaudeExecutor creates a Claude executor using direct API calls or Bedrock.
func createClaudeExecutor(ctx context.Context, cfg *config.Config) (orchestrator.Executor, error) {
	key, _, err := config.APIKey(cfg)
	if err != nil {
		return nil, err
	}

	claude, err := executor.NewClaude(ctx, executor.ClientConfig{
		Model:         cfg.Executor.Claude.Model,
		APIKey:        key,
		UseAWSBedrock: cfg.Executor.Claude.UseBedrock,
		AWSRegion:     cfg.Executor.Claude.AWSRegion,
		AWSProfile:    cfg.Executor.Claude.AWSProfile,
	}, executor.WithMaxTokens(cfg.Executor.Claude.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("create Claude client: %w", err)
	}
	return claude, nil
}
