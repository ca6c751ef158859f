package connector

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelayExponential(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelayMs: 100, MaxDelayMs: 1_000, JitterMs: 0}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2, nil))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3, nil))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4, nil))
	// Capped at max_delay_ms from the fifth attempt on.
	assert.Equal(t, 1_000*time.Millisecond, policy.Delay(5, nil))
	assert.Equal(t, 1_000*time.Millisecond, policy.Delay(9, nil))
}

func TestRetryPolicyDelayJitterBounds(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 1_000, JitterMs: 40}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		d := policy.Delay(1, rng)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 140*time.Millisecond)
	}
}

func TestParseRetryPolicyClampsAttempts(t *testing.T) {
	p, err := ParseRetryPolicy(`{"max_attempts": 9, "base_delay_ms": 10, "max_delay_ms": 100, "jitter_ms": 5}`)
	require.NoError(t, err)
	assert.Equal(t, MaxRetryAttempts, p.MaxAttempts)

	p, err = ParseRetryPolicy(`{"max_attempts": 0, "base_delay_ms": 10, "max_delay_ms": 100}`)
	require.NoError(t, err)
	assert.Equal(t, MinRetryAttempts, p.MaxAttempts)

	p, err = ParseRetryPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryPolicy, p)

	_, err = ParseRetryPolicy(`{"max_attempts": 3, "base_delay_ms": -1}`)
	assert.Error(t, err)

	_, err = ParseRetryPolicy(`{broken`)
	assert.Error(t, err)
}

func TestClassifyFault(t *testing.T) {
	assert.Equal(t, ReasonInvokeTimeout, classifyFault(context.DeadlineExceeded))
	assert.Equal(t, ReasonInvokeTimeout, classifyFault(context.Canceled))
	wrapped := errors.Join(errors.New("call upstream"), context.DeadlineExceeded)
	assert.Equal(t, ReasonInvokeTimeout, classifyFault(wrapped))
	assert.Equal(t, ReasonInvokeError, classifyFault(errors.New("connection refused")))
}

func TestRetryable(t *testing.T) {
	// Non-mutating calls retry on any transient fault while attempts remain.
	assert.True(t, retryable(ReasonInvokeTimeout, 1, 3, false, ""))
	assert.True(t, retryable(ReasonInvokeError, 2, 3, false, ""))
	assert.False(t, retryable(ReasonInvokeError, 3, 3, false, ""))

	// Mutations retry only with a real idempotency key.
	assert.False(t, retryable(ReasonInvokeTimeout, 1, 3, true, ""))
	assert.False(t, retryable(ReasonInvokeTimeout, 1, 3, true, "short"))
	assert.True(t, retryable(ReasonInvokeTimeout, 1, 3, true, "idem_weekly_send_001"))

	assert.False(t, retryable("something.else", 1, 3, false, ""))
}
