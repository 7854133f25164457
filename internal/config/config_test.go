package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/taskweave/internal/state"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.State.Backend != state.BackendSQLite {
		t.Errorf("expected backend sqlite, got %q", cfg.State.Backend)
	}
	if cfg.Defaults.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Defaults.Concurrency)
	}
	if !cfg.Defaults.SkippedIsFailure {
		t.Error("expected skipped_is_failure to be true")
	}
	if cfg.Defaults.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Defaults.Retry.MaxAttempts)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Executor.Kind != ExecutorCommand {
		t.Errorf("expected command executor, got %q", cfg.Executor.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

// The viper defaults and Default() must agree.
func TestLoadFromPath_DefaultsMatch(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: 127.0.0.1:8421\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	want := Default()
	if cfg.State != want.State {
		t.Errorf("state = %+v, want %+v", cfg.State, want.State)
	}
	if cfg.Defaults != want.Defaults {
		t.Errorf("defaults = %+v, want %+v", cfg.Defaults, want.Defaults)
	}
	if cfg.Scheduler != want.Scheduler {
		t.Errorf("scheduler = %+v, want %+v", cfg.Scheduler, want.Scheduler)
	}
	if cfg.Executor != want.Executor {
		t.Errorf("executor = %+v, want %+v", cfg.Executor, want.Executor)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
state:
  backend: badger
  path: /tmp/tw-state
defaults:
  concurrency: 8
  fail_fast: true
  task_timeout: 2m
  retry:
    max_attempts: 5
    base_delay: 500ms
    multiplier: 3
scheduler:
  poll_interval: 1s
  dispatch_rate: 2.5
  dispatch_burst: 3
executor:
  kind: claude
  claude:
    model: claude-haiku-4-5
    max_tokens: 1024
server:
  addr: ":9000"
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.State.Backend != state.BackendBadger {
		t.Errorf("expected badger, got %q", cfg.State.Backend)
	}
	if cfg.State.Path != "/tmp/tw-state" {
		t.Errorf("expected path /tmp/tw-state, got %q", cfg.State.Path)
	}
	if cfg.Defaults.Concurrency != 8 || !cfg.Defaults.FailFast {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Defaults.TaskTimeout != 2*time.Minute {
		t.Errorf("expected timeout 2m, got %v", cfg.Defaults.TaskTimeout)
	}
	if cfg.Defaults.Retry.BaseDelay != 500*time.Millisecond || cfg.Defaults.Retry.Multiplier != 3 {
		t.Errorf("retry = %+v", cfg.Defaults.Retry)
	}
	if cfg.Scheduler.PollInterval != time.Second || cfg.Scheduler.DispatchRate != 2.5 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Executor.Kind != ExecutorClaude || cfg.Executor.Claude.MaxTokens != 1024 {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("expected addr :9000, got %q", cfg.Server.Addr)
	}

	pc := cfg.Policy()
	if pc.Defaults.Concurrency != 8 || pc.Defaults.Retry.MaxAttempts != 5 {
		t.Errorf("policy defaults = %+v", pc.Defaults)
	}
	if pc.Dispatch.Rate != 2.5 || pc.Dispatch.Burst != 3 {
		t.Errorf("policy dispatch = %+v", pc.Dispatch)
	}

	opts := cfg.StoreOptions()
	if opts.Backend != state.BackendBadger || opts.Path != "/tmp/tw-state" {
		t.Errorf("store options = %+v", opts)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	t.Setenv("TASKWEAVE_DEFAULTS_CONCURRENCY", "12")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env-000000")
	path := writeConfig(t, "defaults:\n  concurrency: 2\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Defaults.Concurrency != 12 {
		t.Errorf("expected env override 12, got %d", cfg.Defaults.Concurrency)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env-000000" {
		t.Errorf("expected api key from env, got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"backend", "state:\n  backend: postgres\n", "state.backend"},
		{"driver", "state:\n  driver: odbc\n", "state.driver"},
		{"executor", "executor:\n  kind: docker\n", "executor.kind"},
		{"concurrency", "defaults:\n  concurrency: 0\n", "defaults.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TW_TEST_DIR", "/data")
	path := writeConfig(t, "state:\n  path: ${TW_TEST_DIR}/state.db\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.State.Path != "/data/state.db" {
		t.Errorf("expected expanded path, got %q", cfg.State.Path)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if got := getUserConfigDir(); got != "/custom/config/taskweave" {
		t.Errorf("expected /custom/config/taskweave, got %q", got)
	}
	if got := GetUserConfigPath(); got != "/custom/config/taskweave/config.yaml" {
		t.Errorf("unexpected user config path %q", got)
	}
}
