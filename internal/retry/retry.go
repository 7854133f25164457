// Package retry decides whether a failed task attempt runs again and when.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ErrPermanent marks an executor error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the manager fails the task without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	// Retry is true when the task should re-enter the ready set later.
	Retry bool
	// Attempt is the attempt that just failed (1-indexed).
	Attempt int
	// Delay is the backoff before the next attempt.
	Delay time.Duration
	// EligibleAt is the earliest time the next attempt may start.
	EligibleAt time.Time
	// Reason explains a permanent failure.
	Reason string
}

// Manager applies retry policies to failed attempts.
// It is safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithRand sets the random source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager creates a retry manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.rand == nil {
		m.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Retryable reports whether err may be retried. Cancellation and errors
// wrapping ErrPermanent are final; timeouts and executor failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Decide evaluates the failure of the given attempt under policy.
func (m *Manager) Decide(policy models.RetryPolicy, attempt int, err error, now time.Time) Decision {
	d := Decision{Attempt: attempt}
	switch {
	case !Retryable(err):
		d.Reason = "not retryable"
		return d
	case attempt >= policy.MaxAttempts:
		d.Reason = fmt.Sprintf("exhausted %d attempts", policy.MaxAttempts)
		return d
	}

	d.Retry = true
	d.Delay = m.Backoff(policy, attempt)
	d.EligibleAt = now.Add(d.Delay)
	return d
}

// Backoff returns the jittered delay after the given failed attempt. The
// delay is never shorter than the longest delay the previous attempt could
// have drawn, so waits do not shrink from one attempt to the next.
func (m *Manager) Backoff(policy models.RetryPolicy, attempt int) time.Duration {
	base := BaseBackoff(policy, attempt)
	if policy.Jitter <= 0 || base == 0 {
		return base
	}

	j := math.Min(policy.Jitter, 1)
	m.mu.Lock()
	f := m.rand.Float64()
	m.mu.Unlock()

	d := scale(base, 1-j+2*j*f)
	if attempt > 1 {
		d = max(d, ceiling(policy, attempt-1, j))
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// ceiling is the largest jittered delay attempt can draw.
func ceiling(policy models.RetryPolicy, attempt int, jitter float64) time.Duration {
	d := scale(BaseBackoff(policy, attempt), 1+jitter)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// scale multiplies d by factor, saturating at the largest Duration.
func scale(d time.Duration, factor float64) time.Duration {
	v := float64(d) * factor
	if v >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

// BaseBackoff returns base_delay * multiplier^(attempt-1), capped by
// MaxDelay. The sequence never decreases as attempt grows.
func BaseBackoff(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}

	raw := float64(policy.BaseDelay) * math.Pow(mult, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if raw < float64(math.MaxInt64) {
		d = time.Duration(raw)
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// SequenceFor returns the base delays a task would wait between its attempts.
func SequenceFor(policy models.RetryPolicy) []time.Duration {
	if policy.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, policy.MaxAttempts-1)
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		out = append(out, BaseBackoff(policy, attempt))
	}
	return out
}
