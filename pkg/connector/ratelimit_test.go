package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter().WithClock(func() time.Time { return now })
	policy := RatePolicy{Limit: 2, WindowMs: 60_000}
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "wsp_core", "con_chat_demo", policy)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.CountInWindow)

	now = now.Add(10 * time.Second)
	second, err := limiter.Allow(ctx, "wsp_core", "con_chat_demo", policy)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 2, second.CountInWindow)

	// Third call inside the window is throttled. retry_after_ms is what
	// remains until the oldest call ages out: 60s window, oldest is 10s
	// old, so 50s.
	third, err := limiter.Allow(ctx, "wsp_core", "con_chat_demo", policy)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, int64(50_000), third.RetryAfterMs)

	// Once the oldest call leaves the window the bucket admits again.
	now = now.Add(51 * time.Second)
	fourth, err := limiter.Allow(ctx, "wsp_core", "con_chat_demo", policy)
	require.NoError(t, err)
	assert.True(t, fourth.Allowed)
}

func TestMemoryLimiterRetryAfterFloor(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter().WithClock(func() time.Time { return now })
	policy := RatePolicy{Limit: 1, WindowMs: 60_000}
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "wsp_core", "con_mcp_gateway", policy)
	require.NoError(t, err)

	// 1ms before the oldest call ages out the deny reports exactly that
	// remainder, never zero.
	now = now.Add(59_999 * time.Millisecond)
	d, err := limiter.Allow(ctx, "wsp_core", "con_mcp_gateway", policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.RetryAfterMs)

	// At the edge itself the call has aged out and the bucket admits.
	now = now.Add(time.Millisecond)
	d, err = limiter.Allow(ctx, "wsp_core", "con_mcp_gateway", policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterBucketsAreIndependent(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter().WithClock(func() time.Time { return now })
	policy := RatePolicy{Limit: 1, WindowMs: 60_000}
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "wsp_core", "con_mcp_gateway", policy)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	// Same connector in another workspace, and another connector in the
	// same workspace, have their own windows.
	other, err := limiter.Allow(ctx, "wsp_beta", "con_mcp_gateway", policy)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	chat, err := limiter.Allow(ctx, "wsp_core", "con_chat_demo", policy)
	require.NoError(t, err)
	assert.True(t, chat.Allowed)

	blocked, err := limiter.Allow(ctx, "wsp_core", "con_mcp_gateway", policy)
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)
}

func TestParseRatePolicyTable(t *testing.T) {
	table, err := ParseRatePolicyTable(`{"default": {"limit": 10, "window_ms": 1000}, "con_mcp_gateway": {"limit": 1, "window_ms": 60000}}`)
	require.NoError(t, err)

	assert.Equal(t, RatePolicy{Limit: 1, WindowMs: 60_000}, table.Resolve("con_mcp_gateway"))
	assert.Equal(t, RatePolicy{Limit: 10, WindowMs: 1_000}, table.Resolve("con_chat_demo"))

	table, err = ParseRatePolicyTable("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRatePolicy, table.Resolve("con_anything"))

	_, err = ParseRatePolicyTable(`{"default": {"limit": 0, "window_ms": 1000}}`)
	assert.Error(t, err)

	_, err = ParseRatePolicyTable(`{broken`)
	assert.Error(t, err)
}
