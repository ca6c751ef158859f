package policypatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalEntry(i int, profile string, at time.Time) *Entry {
	return &Entry{
		PatchID:     fmt.Sprintf("pph_%08d", i),
		Operation:   OperationPatch,
		ProfileName: profile,
		ActorID:     "usr_policy_root",
		AppliedAt:   at,
	}
}

func TestHistoryListNewestFirst(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(ctx, journalEntry(i, "workspace_ops_cn", base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := h.List(ctx, "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "pph_00000004", page.Items[0].PatchID)
	assert.Equal(t, "pph_00000003", page.Items[1].PatchID)

	page, err = h.List(ctx, "", 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "pph_00000000", page.Items[0].PatchID)

	page, err = h.List(ctx, "", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestHistoryEqualTimestampsKeepAppendOrder(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Append(ctx, journalEntry(i, "workspace_ops_cn", at)))
	}

	latest, ok, err := h.Latest(ctx, "workspace_ops_cn")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pph_00000002", latest.PatchID, "latest append wins the timestamp tie")
}

func TestHistoryFiltersByProfile(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, h.Append(ctx, journalEntry(0, "workspace_ops_cn", base)))
	require.NoError(t, h.Append(ctx, journalEntry(1, "org_default_safe", base.Add(time.Minute))))
	require.NoError(t, h.Append(ctx, journalEntry(2, "workspace_ops_cn", base.Add(2*time.Minute))))

	page, err := h.List(ctx, "workspace_ops_cn", MaxLimit, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	entry, ok, err := h.Get(ctx, "pph_00000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "org_default_safe", entry.ProfileName)

	_, ok, err = h.Get(ctx, "pph_unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryPageBounds(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, bad := range []struct{ limit, offset int }{{0, 0}, {MaxLimit + 1, 0}, {10, -1}} {
		_, err := h.List(ctx, "", bad.limit, bad.offset)
		assert.ErrorIs(t, err, ErrInvalidPage, "limit=%d offset=%d", bad.limit, bad.offset)
	}
}

func TestHistoryEmptyJournal(t *testing.T) {
	h, err := NewHistory(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	page, err := h.List(ctx, "", MaxLimit, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, ok, err := h.Latest(ctx, "workspace_ops_cn")
	require.NoError(t, err)
	assert.False(t, ok)
}
