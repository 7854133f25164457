// Package config handles configuration loading and management for taskweave.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Executor kinds.
const (
	ExecutorCommand = "command"
	ExecutorClaude  = "claude"
)

// Config holds all configuration for taskweave.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Defaults  DefaultsConfig  `mapstructure:"defaults" yaml:"defaults"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	// Backend is "sqlite" or "badger".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Driver is the SQLite driver, "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path overrides the default database location.
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultsConfig holds workflow defaults applied at creation.
type DefaultsConfig struct {
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	FailFast         bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
	SkippedIsFailure bool          `mapstructure:"skipped_is_failure" yaml:"skipped_is_failure"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	Retry            RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig is the default retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// SchedulerConfig holds control loop timing.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	OwnerLease     time.Duration `mapstructure:"owner_lease" yaml:"owner_lease"`
	DispatchRate   float64       `mapstructure:"dispatch_rate" yaml:"dispatch_rate"`
	DispatchBurst  int           `mapstructure:"dispatch_burst" yaml:"dispatch_burst"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

// ExecutorConfig picks and configures the task executor.
type ExecutorConfig struct {
	// Kind is "command" or "claude".
	Kind   string       `mapstructure:"kind" yaml:"kind"`
	Shell  string       `mapstructure:"shell" yaml:"shell"`
	Dir    string       `mapstructure:"workdir" yaml:"workdir"`
	Claude ClaudeConfig `mapstructure:"claude" yaml:"claude"`
}

// ClaudeConfig holds Claude executor settings.
type ClaudeConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// DebugFile enables the scheduler debug log. "auto" writes under the data dir.
	DebugFile string `mapstructure:"debug_file" yaml:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKWEAVE_*, ANTHROPIC_API_KEY)
// 2. Project config (.taskweave.yaml in current directory or parent)
// 3. User config (~/.config/taskweave/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("TASKWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "TASKWEAVE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.State.Path = expandEnv(cfg.State.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would leave a component unusable.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case state.BackendSQLite, state.BackendBadger:
	default:
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}
	switch c.State.Driver {
	case "", state.DriverSQLite, state.DriverSQLite3:
	default:
		return fmt.Errorf("state.driver: unknown driver %q", c.State.Driver)
	}
	switch c.Executor.Kind {
	case ExecutorCommand, ExecutorClaude:
	default:
		return fmt.Errorf("executor.kind: unknown executor %q", c.Executor.Kind)
	}
	if c.Defaults.Concurrency < 1 {
		return fmt.Errorf("defaults.concurrency: must be at least 1, got %d", c.Defaults.Concurrency)
	}
	if c.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("defaults.retry.max_attempts: must be at least 1, got %d", c.Defaults.Retry.MaxAttempts)
	}
	return nil
}

// StoreOptions returns the options for state.OpenStore.
func (c *Config) StoreOptions() state.Options {
	return state.Options{
		Backend: c.State.Backend,
		Driver:  c.State.Driver,
		Path:    c.State.Path,
	}
}

// Policy builds the orchestrator policy from the config.
func (c *Config) Policy() *policy.Config {
	pc := policy.Default()
	pc.Loop.PollInterval = c.Scheduler.PollInterval
	pc.Loop.DrainTimeout = c.Scheduler.DrainTimeout
	pc.Loop.OwnerLease = c.Scheduler.OwnerLease
	pc.Dispatch.Rate = c.Scheduler.DispatchRate
	pc.Dispatch.Burst = c.Scheduler.DispatchBurst
	pc.Pool.MaxConcurrency = c.Scheduler.MaxConcurrency
	pc.Defaults.Concurrency = c.Defaults.Concurrency
	pc.Defaults.FailFast = c.Defaults.FailFast
	pc.Defaults.SkippedIsFailure = c.Defaults.SkippedIsFailure
	pc.Defaults.TaskTimeout = c.Defaults.TaskTimeout
	pc.Defaults.Retry = models.RetryPolicy{
		MaxAttempts: c.Defaults.Retry.MaxAttempts,
		BaseDelay:   c.Defaults.Retry.BaseDelay,
		Multiplier:  c.Defaults.Retry.Multiplier,
		Jitter:      c.Defaults.Retry.Jitter,
		MaxDelay:    c.Defaults.Retry.MaxDelay,
	}
	_ = pc.Validate()
	return pc
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("state.backend", state.BackendSQLite)
	v.SetDefault("state.driver", state.DriverSQLite)
	v.SetDefault("state.path", "")

	v.SetDefault("defaults.concurrency", 4)
	v.SetDefault("defaults.fail_fast", false)
	v.SetDefault("defaults.skipped_is_failure", true)
	v.SetDefault("defaults.task_timeout", "0s")
	v.SetDefault("defaults.retry.max_attempts", 3)
	v.SetDefault("defaults.retry.base_delay", "1s")
	v.SetDefault("defaults.retry.multiplier", 2.0)
	v.SetDefault("defaults.retry.jitter", 0.1)
	v.SetDefault("defaults.retry.max_delay", "0s")

	v.SetDefault("scheduler.poll_interval", "250ms")
	v.SetDefault("scheduler.drain_timeout", "30s")
	v.SetDefault("scheduler.owner_lease", "15s")
	v.SetDefault("scheduler.dispatch_rate", 0.0)
	v.SetDefault("scheduler.dispatch_burst", 1)
	v.SetDefault("scheduler.max_concurrency", 64)

	v.SetDefault("executor.kind", ExecutorCommand)
	v.SetDefault("executor.shell", "/bin/sh")
	v.SetDefault("executor.workdir", "")
	v.SetDefault("executor.claude.model", "claude-sonnet-4-5")
	v.SetDefault("executor.claude.max_tokens", 4096)
	v.SetDefault("executor.claude.use_bedrock", false)
	v.SetDefault("executor.claude.aws_region", "")
	v.SetDefault("executor.claude.aws_profile", "")

	v.SetDefault("server.addr", "127.0.0.1:8421")

	v.SetDefault("log.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for taskweave.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskweave")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskweave")
	}
	return filepath.Join(home, ".config", "taskweave")
}

// findProjectConfig searches for .taskweave.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".taskweave.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		State: StateConfig{
			Backend: state.BackendSQLite,
			Driver:  state.DriverSQLite,
		},
		Defaults: DefaultsConfig{
			Concurrency:      4,
			SkippedIsFailure: true,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				Multiplier:  2,
				Jitter:      0.1,
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:   250 * time.Millisecond,
			DrainTimeout:   30 * time.Second,
			OwnerLease:     15 * time.Second,
			DispatchBurst:  1,
			MaxConcurrency: 64,
		},
		Executor: ExecutorConfig{
			Kind:  ExecutorCommand,
			Shell: "/bin/sh",
			Claude: ClaudeConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 4096,
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8421",
		},
	}
}
