package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

func TestBaseBackoff_Exponential(t *testing.T) {
	p := models.RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, BaseBackoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, BaseBackoff(p, 2))
	assert.Equal(t, 400*time.Millisecond, BaseBackoff(p, 3))
	assert.Equal(t, 800*time.Millisecond, BaseBackoff(p, 4))
}

func TestBaseBackoff_CapsAtMaxDelay(t *testing.T) {
	p := models.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Second, Multiplier: 10, MaxDelay: time.Minute}

	assert.Equal(t, 10*time.Second, BaseBackoff(p, 2))
	assert.Equal(t, time.Minute, BaseBackoff(p, 3))
	assert.Equal(t, time.Minute, BaseBackoff(p, 40))
}

func TestBaseBackoff_NoOverflow(t *testing.T) {
	p := models.RetryPolicy{MaxAttempts: 1000, BaseDelay: time.Hour, Multiplier: 10}
	d := BaseBackoff(p, 900)
	assert.Greater(t, d, time.Duration(0))
}

func TestSequenceFor_NonDecreasing(t *testing.T) {
	policies := []models.RetryPolicy{
		{MaxAttempts: 6, BaseDelay: 10 * time.Millisecond, Multiplier: 1},
		{MaxAttempts: 6, BaseDelay: 10 * time.Millisecond, Multiplier: 1.5},
		{MaxAttempts: 6, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second},
	}
	for _, p := range policies {
		seq := SequenceFor(p)
		require.Len(t, seq, p.MaxAttempts-1)
		for i := 1; i < len(seq); i++ {
			assert.GreaterOrEqual(t, seq[i], seq[i-1], "policy %+v at %d", p, i)
		}
	}
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	m := NewManager(WithRand(rand.New(rand.NewSource(42))))
	p := models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		d := m.Backoff(p, 2)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestBackoff_SameSeedSameDelays(t *testing.T) {
	p := models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	a := NewManager(WithRand(rand.New(rand.NewSource(7))))
	b := NewManager(WithRand(rand.New(rand.NewSource(7))))
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, a.Backoff(p, attempt), b.Backoff(p, attempt))
	}
}

func TestBackoff_JitterNeverShrinks(t *testing.T) {
	policies := []models.RetryPolicy{
		{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.5},
		{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, Multiplier: 1.2, Jitter: 1},
		{MaxAttempts: 8, BaseDelay: time.Second, Multiplier: 2, Jitter: 0.3, MaxDelay: 5 * time.Second},
	}
	for _, p := range policies {
		for seed := int64(0); seed < 50; seed++ {
			m := NewManager(WithRand(rand.New(rand.NewSource(seed))))
			prev := time.Duration(0)
			for attempt := 1; attempt < p.MaxAttempts; attempt++ {
				d := m.Backoff(p, attempt)
				require.GreaterOrEqual(t, d, prev, "policy %+v seed %d attempt %d", p, seed, attempt)
				if p.MaxDelay > 0 {
					require.LessOrEqual(t, d, p.MaxDelay)
				}
				prev = d
			}
		}
	}
}

func TestBackoff_SaturatesWithoutMaxDelay(t *testing.T) {
	m := NewManager(WithRand(rand.New(rand.NewSource(0))))
	p := models.RetryPolicy{MaxAttempts: 100, BaseDelay: time.Second, Multiplier: 10, Jitter: 0.5}

	for _, attempt := range []int{20, 35, 80} {
		d := m.Backoff(p, attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}
	assert.Equal(t, time.Duration(math.MaxInt64), m.Backoff(p, 80))
}

func TestDecide(t *testing.T) {
	m := NewManager()
	p := models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	execErr := fmt.Errorf("%w: exit status 1", models.ErrExecutorFailure)

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantRetry bool
		wantDelay time.Duration
	}{
		{"first failure retries", 1, execErr, true, time.Second},
		{"second failure retries longer", 2, execErr, true, 2 * time.Second},
		{"third failure is final", 3, execErr, false, 0},
		{"timeout retries", 1, fmt.Errorf("%w", models.ErrTimeoutExceeded), true, time.Second},
		{"permanent error is final", 1, Permanent(errors.New("bad input")), false, 0},
		{"cancellation is final", 1, context.Canceled, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := m.Decide(p, tt.attempt, tt.err, now)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.attempt, d.Attempt)
			assert.Equal(t, tt.wantDelay, d.Delay)
			if tt.wantRetry {
				assert.Equal(t, now.Add(tt.wantDelay), d.EligibleAt)
			} else {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestDecide_SingleAttemptPolicy(t *testing.T) {
	m := NewManager()
	d := m.Decide(models.RetryPolicy{MaxAttempts: 1, Multiplier: 1}, 1, models.ErrExecutorFailure, time.Now())
	assert.False(t, d.Retry)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(models.ErrExecutorFailure))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, Retryable(Permanent(models.ErrExecutorFailure)))
}
