package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

func testLedger(t *testing.T) *FileLedger {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, err := NewFileLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLedger failed: %v", err)
	}
	return l.WithClock(func() time.Time { return fixed })
}

func TestAppendStampsPersistedAt(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	ev := &contracts.EventRecord{RunID: "run_1", Name: contracts.EventRunCreated}
	if err := l.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if ev.ID == "" || ev.PersistedAt.IsZero() || ev.At.IsZero() {
		t.Fatalf("event not stamped: %+v", ev)
	}

	au := &contracts.AuditRecord{RunID: "run_1", EventType: contracts.EventRunCreated, Actor: contracts.AuditActor{Type: "user", ID: "usr_alice_01"}}
	if err := l.AppendAudit(ctx, au); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if au.ID == "" || au.PersistedAt.IsZero() {
		t.Fatalf("audit not stamped: %+v", au)
	}
}

func TestReadPreservesInsertionOrder(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	names := []string{contracts.EventRunCreated, contracts.EventActionPlanned, contracts.EventPolicyEvaluated, contracts.EventRunCompleted}
	for _, n := range names {
		if err := l.AppendEvent(ctx, &contracts.EventRecord{RunID: "run_1", Name: n}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := l.ReadEvents(ctx, "run_1", 500, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if page.Total != len(names) {
		t.Fatalf("expected total %d, got %d", len(names), page.Total)
	}
	for i, n := range names {
		if page.Items[i].Name != n {
			t.Fatalf("order broken at %d: %s", i, page.Items[i].Name)
		}
	}
}

func TestReadPagination(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := l.AppendEvent(ctx, &contracts.EventRecord{RunID: "run_1", Name: fmt.Sprintf("step.%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := l.ReadEvents(ctx, "run_1", 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 7 || len(page.Items) != 2 {
		t.Fatalf("expected total 7 and 2 items, got %d/%d", page.Total, len(page.Items))
	}
	if page.Items[0].Name != "step.5" {
		t.Fatalf("wrong page start: %s", page.Items[0].Name)
	}

	page, err = l.ReadEvents(ctx, "run_1", 3, 100)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 7 || len(page.Items) != 0 {
		t.Fatalf("offset beyond end must return empty page with total, got %d/%d", page.Total, len(page.Items))
	}
}

func TestReadRejectsBadPages(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	for _, bad := range [][2]int{{0, 0}, {501, 0}, {10, -1}} {
		if _, err := l.ReadEvents(ctx, "run_1", bad[0], bad[1]); !errors.Is(err, ErrInvalidPage) {
			t.Fatalf("limit=%d offset=%d: expected ErrInvalidPage, got %v", bad[0], bad[1], err)
		}
		if _, err := l.ReadAudit(ctx, "run_1", bad[0], bad[1]); !errors.Is(err, ErrInvalidPage) {
			t.Fatalf("audit limit=%d offset=%d: expected ErrInvalidPage, got %v", bad[0], bad[1], err)
		}
	}
}

func TestReadUnknownRunIsEmpty(t *testing.T) {
	l := testLedger(t)
	page, err := l.ReadEvents(context.Background(), "run_never_seen", 10, 0)
	if err != nil {
		t.Fatalf("expected empty page, got error %v", err)
	}
	if page.Total != 0 || len(page.Items) != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestStreamsAreIsolatedPerRun(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	if err := l.AppendEvent(ctx, &contracts.EventRecord{RunID: "run_a", Name: "a.event"}); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendEvent(ctx, &contracts.EventRecord{RunID: "run_b", Name: "b.event"}); err != nil {
		t.Fatal(err)
	}

	page, err := l.ReadEvents(ctx, "run_a", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].Name != "a.event" {
		t.Fatalf("run_a stream polluted: %+v", page)
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.AppendEvent(ctx, &contracts.EventRecord{RunID: "run_1", Name: fmt.Sprintf("concurrent.%d", n)})
		}(i)
	}
	wg.Wait()

	page, err := l.ReadEvents(ctx, "run_1", 500, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != writers {
		t.Fatalf("expected %d entries, got %d", writers, page.Total)
	}
}
