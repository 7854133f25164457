// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes the loop timing and limit values used across the
// scheduler, pool and controller, enabling configuration and testing.
package policy

import (
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Loop policies
	Loop LoopPolicy

	// Dispatch rate policies
	Dispatch DispatchPolicy

	// Pool sizing policies
	Pool PoolPolicy

	// Workflow defaults applied at creation
	Defaults DefaultsPolicy

	// Event delivery policies
	Events EventPolicy
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// PollInterval is how often an idle loop re-reads the store, which
	// picks up pause markers written by other processes.
	PollInterval time.Duration

	// DrainTimeout bounds how long teardown waits for in-flight tasks.
	DrainTimeout time.Duration

	// OwnerLease is how long an owner claim stays valid without renewal.
	// A running loop renews it every third of the lease; a claim past its
	// lease belongs to a dead process and may be taken over.
	OwnerLease time.Duration
}

// DispatchPolicy throttles task starts per workflow.
type DispatchPolicy struct {
	// Rate is the maximum task starts per second. Zero disables throttling.
	Rate float64

	// Burst is the number of starts allowed at once when throttling.
	Burst int
}

// PoolPolicy controls worker pool sizing.
type PoolPolicy struct {
	// MaxConcurrency is the ceiling Resize clamps to.
	MaxConcurrency int
}

// DefaultsPolicy holds the values a workflow gets when its definition is silent.
type DefaultsPolicy struct {
	Concurrency      int
	FailFast         bool
	SkippedIsFailure bool
	Retry            models.RetryPolicy
	TaskTimeout      time.Duration
}

// EventPolicy controls the event channel.
type EventPolicy struct {
	// BufferSize is the capacity of the controller's event channel.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			PollInterval: 250 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
			OwnerLease:   15 * time.Second,
		},
		Dispatch: DispatchPolicy{
			Rate:  0,
			Burst: 1,
		},
		Pool: PoolPolicy{
			MaxConcurrency: 64,
		},
		Defaults: DefaultsPolicy{
			Concurrency:      4,
			FailFast:         false,
			SkippedIsFailure: true,
			Retry:            models.DefaultRetryPolicy(),
		},
		Events: EventPolicy{
			BufferSize: 256,
		},
	}
}

// Validate checks that policy values are within acceptable ranges,
// resetting out-of-range values to their defaults.
func (c *Config) Validate() error {
	def := Default()
	if c.Loop.PollInterval < 5*time.Millisecond {
		c.Loop.PollInterval = def.Loop.PollInterval
	}
	if c.Loop.DrainTimeout <= 0 {
		c.Loop.DrainTimeout = def.Loop.DrainTimeout
	}
	if c.Loop.OwnerLease < 3*c.Loop.PollInterval {
		c.Loop.OwnerLease = max(def.Loop.OwnerLease, 3*c.Loop.PollInterval)
	}
	if c.Dispatch.Rate < 0 {
		c.Dispatch.Rate = 0
	}
	if c.Dispatch.Burst < 1 {
		c.Dispatch.Burst = 1
	}
	if c.Pool.MaxConcurrency < 1 {
		c.Pool.MaxConcurrency = def.Pool.MaxConcurrency
	}
	if c.Defaults.Concurrency < 1 {
		c.Defaults.Concurrency = def.Defaults.Concurrency
	}
	if c.Defaults.Concurrency > c.Pool.MaxConcurrency {
		c.Defaults.Concurrency = c.Pool.MaxConcurrency
	}
	if c.Defaults.Retry.MaxAttempts < 1 {
		c.Defaults.Retry.MaxAttempts = def.Defaults.Retry.MaxAttempts
	}
	if c.Defaults.Retry.Multiplier < 1 {
		c.Defaults.Retry.Multiplier = 1
	}
	if c.Defaults.Retry.Jitter < 0 || c.Defaults.Retry.Jitter > 1 {
		c.Defaults.Retry.Jitter = def.Defaults.Retry.Jitter
	}
	if c.Defaults.TaskTimeout < 0 {
		c.Defaults.TaskTimeout = 0
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = def.Events.BufferSize
	}
	return nil
}
