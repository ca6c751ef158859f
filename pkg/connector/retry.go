package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Adapter fault reason codes. Also used as the audit event types for the
// corresponding terminal failures.
const (
	ReasonInvokeTimeout = "connector.invoke.timeout"
	ReasonInvokeError   = "connector.invoke.error"
)

// Retry bounds. MaxAttempts outside [1,5] is clamped at parse time.
const (
	MinRetryAttempts = 1
	MaxRetryAttempts = 5
)

// A mutation is retried only when its idempotency key is long enough to be
// a real key rather than a placeholder.
const minIdempotencyKeyLen = 8

// DefaultRetryPolicy applies when FLOCKMESH_ADAPTER_RETRY_POLICY is unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelayMs: 100,
	MaxDelayMs:  2_000,
	JitterMs:    50,
}

// RetryPolicy bounds the adapter retry loop.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BaseDelayMs int64 `json:"base_delay_ms"`
	MaxDelayMs  int64 `json:"max_delay_ms"`
	JitterMs    int64 `json:"jitter_ms"`
}

// ParseRetryPolicy parses the FLOCKMESH_ADAPTER_RETRY_POLICY JSON object. An
// empty string yields the default policy. MaxAttempts is clamped into
// [1,5]; negative delays are rejected.
func ParseRetryPolicy(raw string) (RetryPolicy, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultRetryPolicy, nil
	}
	var p RetryPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return RetryPolicy{}, fmt.Errorf("connector: parse retry policy: %w", err)
	}
	if p.BaseDelayMs < 0 || p.MaxDelayMs < 0 || p.JitterMs < 0 {
		return RetryPolicy{}, fmt.Errorf("connector: retry policy delays must be non-negative")
	}
	return p.Clamped(), nil
}

// Clamped returns the policy with MaxAttempts forced into [1,5].
func (p RetryPolicy) Clamped() RetryPolicy {
	if p.MaxAttempts < MinRetryAttempts {
		p.MaxAttempts = MinRetryAttempts
	}
	if p.MaxAttempts > MaxRetryAttempts {
		p.MaxAttempts = MaxRetryAttempts
	}
	return p
}

// Delay computes the backoff before the given retry. attempt is 1-based:
// Delay(1) is the pause after the first failure. Exponential in the attempt
// with the max cap, plus uniform jitter from rng.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := int64(1)
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		factor = 1 << shift
	}
	delay := p.BaseDelayMs * factor
	if delay > p.MaxDelayMs {
		delay = p.MaxDelayMs
	}
	if p.JitterMs > 0 && rng != nil {
		delay += rng.Int63n(p.JitterMs + 1)
	}
	return time.Duration(delay) * time.Millisecond
}

// classifyFault maps an adapter error to its reason code: context deadline
// and cancellation faults are timeouts, everything else is an adapter error.
func classifyFault(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonInvokeTimeout
	}
	return ReasonInvokeError
}

// retryable reports whether a failed attempt may be retried: the fault class
// must be transient, attempts must remain, and a mutation must carry a real
// idempotency key so the remote can dedupe the replay.
func retryable(fault string, attempt, maxAttempts int, mutation bool, idempotencyKey string) bool {
	if fault != ReasonInvokeTimeout && fault != ReasonInvokeError {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if mutation && len(idempotencyKey) < minIdempotencyKeyLen {
		return false
	}
	return true
}
