// Package idempotency provides the two-layer result cache that makes
// connector mutations safely retryable. The first layer is an in-process
// map for hot lookups; the second is the durable store shared by all
// instances. Writes are first-writer-wins: the record returned by Persist
// is the one every caller of the same key observes.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Cache layers an in-memory map over a durable idempotency store. The
// durable layer is optional: with a nil store the cache degrades to a
// single-instance memory without changing first-writer-wins semantics.
type Cache struct {
	mu     sync.RWMutex
	memory map[string]*contracts.IdempotencyResult
	store  store.IdempotencyStore
	clock  func() time.Time
}

// NewCache builds a cache over the given durable store. A nil store is
// allowed for single-instance deployments.
func NewCache(durable store.IdempotencyStore) *Cache {
	return &Cache{
		memory: make(map[string]*contracts.IdempotencyResult),
		store:  durable,
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Lookup returns the stored result for key, consulting memory first and
// falling back to the durable layer. A durable hit is backfilled into
// memory so subsequent lookups stay local.
func (c *Cache) Lookup(ctx context.Context, key string) (*contracts.IdempotencyResult, bool, error) {
	if key == "" {
		return nil, false, nil
	}

	c.mu.RLock()
	cached, ok := c.memory[key]
	c.mu.RUnlock()
	if ok {
		return cached, true, nil
	}

	if c.store == nil {
		return nil, false, nil
	}
	record, err := c.store.GetIdempotencyResult(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency: lookup %s: %w", key, err)
	}

	c.mu.Lock()
	// A concurrent Persist may have landed between the read and this
	// backfill. Memory keeps whichever record arrived first.
	if existing, ok := c.memory[key]; ok {
		record = existing
	} else {
		c.memory[key] = record
	}
	c.mu.Unlock()
	return record, true, nil
}

// Persist records the first execution payload under key and returns the
// record that won. When a concurrent writer already claimed the key, its
// record is returned instead of the argument's.
func (c *Cache) Persist(ctx context.Context, key, runID string, payload map[string]any) (*contracts.IdempotencyResult, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency: persist: empty key")
	}

	record := &contracts.IdempotencyResult{
		Key:       key,
		RunID:     runID,
		Payload:   payload,
		CreatedAt: c.clock().UTC(),
	}

	if c.store != nil {
		winner, err := c.store.PutIdempotencyResult(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("idempotency: persist %s: %w", key, err)
		}
		record = winner
	}

	c.mu.Lock()
	if existing, ok := c.memory[key]; ok && c.store == nil {
		record = existing
	} else {
		c.memory[key] = record
	}
	c.mu.Unlock()
	return record, nil
}
