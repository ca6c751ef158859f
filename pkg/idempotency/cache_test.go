package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPersistThenLookup(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(store.NewMemoryStore()).WithClock(fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))

	record, err := cache.Persist(ctx, "idem_send_01", "run_a", map[string]any{"message_id": "m-1"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if record.RunID != "run_a" {
		t.Fatalf("winner run = %q, want run_a", record.RunID)
	}

	got, ok, err := cache.Lookup(ctx, "idem_send_01")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if got.Payload["message_id"] != "m-1" {
		t.Fatalf("payload = %v", got.Payload)
	}
}

func TestLookupMissingKey(t *testing.T) {
	cache := NewCache(store.NewMemoryStore())
	if _, ok, err := cache.Lookup(context.Background(), "idem_absent"); ok || err != nil {
		t.Fatalf("Lookup absent: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := cache.Lookup(context.Background(), ""); ok {
		t.Fatal("empty key must never hit")
	}
}

func TestFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(store.NewMemoryStore())

	first, err := cache.Persist(ctx, "idem_shared", "run_first", map[string]any{"seq": "1"})
	if err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	second, err := cache.Persist(ctx, "idem_shared", "run_second", map[string]any{"seq": "2"})
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if second.RunID != first.RunID {
		t.Fatalf("second writer observed %q, want %q", second.RunID, first.RunID)
	}
	if second.Payload["seq"] != "1" {
		t.Fatalf("second writer payload = %v, want first writer's", second.Payload)
	}
}

func TestDurableBackfill(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	if _, err := durable.PutIdempotencyResult(ctx, &contracts.IdempotencyResult{
		Key:       "idem_warm",
		RunID:     "run_prior",
		Payload:   map[string]any{"ok": true},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed durable: %v", err)
	}

	// A fresh cache has an empty memory layer; the hit must come from the
	// durable store and be served from memory afterwards.
	cache := NewCache(durable)
	got, ok, err := cache.Lookup(ctx, "idem_warm")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if got.RunID != "run_prior" {
		t.Fatalf("run = %q, want run_prior", got.RunID)
	}

	cache.mu.RLock()
	_, inMemory := cache.memory["idem_warm"]
	cache.mu.RUnlock()
	if !inMemory {
		t.Fatal("durable hit was not backfilled into memory")
	}
}

func TestMemoryOnlyMode(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil)

	if _, err := cache.Persist(ctx, "idem_local", "run_x", map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	winner, err := cache.Persist(ctx, "idem_local", "run_y", map[string]any{"n": float64(2)})
	if err != nil {
		t.Fatalf("Persist repeat: %v", err)
	}
	if winner.RunID != "run_x" {
		t.Fatalf("winner = %q, want run_x", winner.RunID)
	}
}

func TestConcurrentPersistSingleWinner(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(store.NewMemoryStore())

	const writers = 16
	results := make([]*contracts.IdempotencyResult, writers)
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			record, err := cache.Persist(ctx, "idem_race", "run_"+string(rune('a'+i)), map[string]any{"i": float64(i)})
			if err != nil {
				t.Errorf("Persist %d: %v", i, err)
				return
			}
			results[i] = record
		}(i)
	}
	wg.Wait()

	want := results[0]
	for i, got := range results {
		if got == nil {
			continue
		}
		if got.RunID != want.RunID {
			t.Fatalf("writer %d observed %q, want %q", i, got.RunID, want.RunID)
		}
	}
}
