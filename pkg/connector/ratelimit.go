package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Rate-limit reason code, attached to the fail-closed deny decision of a
// throttled invoke.
const ReasonInvokeRateLimited = "connector.invoke.rate_limited"

// DefaultRatePolicy applies to connectors without an explicit policy.
var DefaultRatePolicy = RatePolicy{Limit: 30, WindowMs: 60_000}

// RatePolicy bounds invokes per sliding window for one (workspace,
// connector) bucket.
type RatePolicy struct {
	Limit    int   `json:"limit"`
	WindowMs int64 `json:"window_ms"`
}

func (p RatePolicy) window() time.Duration { return time.Duration(p.WindowMs) * time.Millisecond }

// RateDecision is the limiter's verdict for one call. RetryAfterMs is set
// only on denies.
type RateDecision struct {
	Allowed       bool  `json:"allowed"`
	CountInWindow int   `json:"count_in_window"`
	Limit         int   `json:"limit"`
	WindowMs      int64 `json:"window_ms"`
	RetryAfterMs  int64 `json:"retry_after_ms,omitempty"`
}

// RateLimiter admits or throttles connector invokes per (workspace,
// connector) bucket. Implementations must record the call atomically with
// the admit decision.
type RateLimiter interface {
	Allow(ctx context.Context, workspaceID, connectorID string, policy RatePolicy) (RateDecision, error)
}

// RatePolicyTable resolves the rate policy for a connector: an explicit
// per-connector entry, else the default.
type RatePolicyTable struct {
	Default      RatePolicy
	PerConnector map[string]RatePolicy
}

// Resolve returns the policy for a connector id.
func (t RatePolicyTable) Resolve(connectorID string) RatePolicy {
	if p, ok := t.PerConnector[connectorID]; ok {
		return p
	}
	if t.Default.Limit > 0 && t.Default.WindowMs > 0 {
		return t.Default
	}
	return DefaultRatePolicy
}

// ParseRatePolicyTable parses the FLOCKMESH_CONNECTOR_RATE_LIMIT_POLICY JSON
// object: {"default": {...}, "con_...": {...}}. An empty string yields the
// built-in default table.
func ParseRatePolicyTable(raw string) (RatePolicyTable, error) {
	table := RatePolicyTable{Default: DefaultRatePolicy, PerConnector: map[string]RatePolicy{}}
	if strings.TrimSpace(raw) == "" {
		return table, nil
	}
	var entries map[string]RatePolicy
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return RatePolicyTable{}, fmt.Errorf("connector: parse rate limit policy: %w", err)
	}
	for key, policy := range entries {
		if policy.Limit <= 0 || policy.WindowMs <= 0 {
			return RatePolicyTable{}, fmt.Errorf("connector: rate limit policy %q: limit and window_ms must be positive", key)
		}
		if key == "default" {
			table.Default = policy
			continue
		}
		table.PerConnector[key] = policy
	}
	return table, nil
}

// MemoryRateLimiter is the in-process sliding-window limiter. Each bucket
// keeps the timestamps of its in-window calls; entries older than the window
// are pruned on access.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	clock   func() time.Time
}

// NewMemoryRateLimiter creates the in-process limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string][]time.Time), clock: time.Now}
}

// WithClock overrides time acquisition for deterministic tests.
func (l *MemoryRateLimiter) WithClock(clock func() time.Time) *MemoryRateLimiter {
	l.clock = clock
	return l
}

// Allow checks and records one call against the bucket.
func (l *MemoryRateLimiter) Allow(_ context.Context, workspaceID, connectorID string, policy RatePolicy) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cutoff := now.Add(-policy.window())
	key := workspaceID + "/" + connectorID

	window := l.buckets[key][:0]
	for _, t := range l.buckets[key] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}

	decision := RateDecision{
		CountInWindow: len(window),
		Limit:         policy.Limit,
		WindowMs:      policy.WindowMs,
	}
	if len(window) >= policy.Limit {
		l.buckets[key] = window
		decision.RetryAfterMs = retryAfterMs(policy.WindowMs, now.Sub(window[0]).Milliseconds())
		return decision, nil
	}

	l.buckets[key] = append(window, now)
	decision.Allowed = true
	decision.CountInWindow = len(window) + 1
	return decision, nil
}

// retryAfterMs is when the oldest in-window call ages out: the window size
// minus the oldest call's age, floored at 1ms.
func retryAfterMs(windowMs, oldestAgeMs int64) int64 {
	retry := windowMs - oldestAgeMs
	if retry < 1 {
		return 1
	}
	return retry
}
