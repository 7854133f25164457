package models

import "time"

// RetryPolicy controls how often and how quickly a failed task is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" validate:"gte=1"`
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `json:"base_delay" validate:"gte=0"`
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64 `json:"multiplier" validate:"gte=1"`
	// Jitter randomizes each delay within [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64 `json:"jitter,omitempty" validate:"gte=0,lte=1"`
	// MaxDelay caps the computed delay. Zero means unbounded.
	MaxDelay time.Duration `json:"max_delay,omitempty" validate:"gte=0"`
}

// DefaultRetryPolicy returns the policy used when neither task nor workflow sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// EffectiveRetry resolves the retry policy for a task within a workflow.
func EffectiveRetry(wf *Workflow, t *Task) RetryPolicy {
	if t.Retry != nil {
		return *t.Retry
	}
	if wf.DefaultRetry.MaxAttempts > 0 {
		return wf.DefaultRetry
	}
	return DefaultRetryPolicy()
}

// EffectiveTimeout resolves the per-attempt timeout for a task. Zero means none.
func EffectiveTimeout(wf *Workflow, t *Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return wf.DefaultTimeout
}
