package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Metrics holds the scheduler's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	running       *prometheus.GaugeVec
	retries       prometheus.Counter
	skipped       prometheus.Counter
	workflows     *prometheus.CounterVec
	commitErrors  prometheus.Counter
	droppedEvents prometheus.GaugeFunc
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_task_attempts_total",
			Help: "Task attempts by outcome",
		}, []string{"outcome"}),
		attemptTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskweave_task_attempt_duration_seconds",
			Help:    "Duration of task attempts by outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"outcome"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskweave_tasks_running",
			Help: "Tasks currently running per workflow",
		}, []string{"workflow"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskweave_task_retries_total",
			Help: "Failed attempts scheduled for retry",
		}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskweave_tasks_skipped_total",
			Help: "Tasks skipped because they can never run",
		}),
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_workflows_finished_total",
			Help: "Workflows that reached a final status",
		}, []string{"status"}),
		commitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskweave_commit_errors_total",
			Help: "State store commits that failed",
		}),
	}
}

// Registry returns the registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// registerDropped exposes the emitter's drop counter.
func (m *Metrics) registerDropped(e *EventEmitter) {
	if m == nil || m.droppedEvents != nil {
		return
	}
	m.droppedEvents = promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskweave_events_dropped",
		Help: "Lifecycle events dropped because the channel was full",
	}, func() float64 { return float64(e.DroppedCount()) })
}

func (m *Metrics) observeAttempt(outcome models.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(outcome)).Inc()
	m.attemptTime.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) setRunning(workflowID string, n int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(workflowID).Set(float64(n))
}

func (m *Metrics) forgetWorkflow(workflowID string) {
	if m == nil {
		return
	}
	m.running.DeleteLabelValues(workflowID)
}

func (m *Metrics) incRetry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) addSkipped(n int) {
	if m != nil && n > 0 {
		m.skipped.Add(float64(n))
	}
}

func (m *Metrics) workflowFinished(status models.WorkflowStatus) {
	if m != nil {
		m.workflows.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) incCommitError() {
	if m != nil {
		m.commitErrors.Inc()
	}
}
