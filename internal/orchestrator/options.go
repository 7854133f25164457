package orchestrator

import (
	"context"

	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/retry"
)

// Signaler carries control changes between processes sharing a store.
// Notify is called after a durable control write; Watch delivers a value
// whenever another process notifies the same workflow.
type Signaler interface {
	Notify(workflowID string) error
	Watch(ctx context.Context, workflowID string) (<-chan struct{}, error)
}

// Option configures a Controller. Use With* functions to create Options.
type Option func(*controllerOptions)

// controllerOptions holds all optional configuration.
type controllerOptions struct {
	policyConfig *policy.Config
	logger       *DebugLogger
	metrics      *Metrics
	retry        *retry.Manager
	signals      Signaler
	instanceID   string
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *controllerOptions) { o.policyConfig = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *controllerOptions) { o.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *controllerOptions) { o.metrics = m }
}

// WithRetryManager sets the retry manager (mainly for testing with a fixed seed).
func WithRetryManager(m *retry.Manager) Option {
	return func(o *controllerOptions) { o.retry = m }
}

// WithSignals sets the cross-process signaler.
func WithSignals(s Signaler) Option {
	return func(o *controllerOptions) { o.signals = s }
}

// WithInstanceID sets the owner identity this controller claims workflows with.
func WithInstanceID(id string) Option {
	return func(o *controllerOptions) { o.instanceID = id }
}
