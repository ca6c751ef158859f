package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// MemoryStore is a map-backed Store with the same CAS semantics as the SQL
// stores. It backs tests and local development; production uses SQLite or
// Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*contracts.AgentProfile
	bindings    map[string]*contracts.ConnectorBinding
	runs        map[string]*contracts.RunRecord
	idempotency map[string]*contracts.IdempotencyResult
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*contracts.AgentProfile),
		bindings:    make(map[string]*contracts.ConnectorBinding),
		runs:        make(map[string]*contracts.RunRecord),
		idempotency: make(map[string]*contracts.IdempotencyResult),
		clock:       time.Now,
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// SaveAgent upserts an agent profile.
func (s *MemoryStore) SaveAgent(ctx context.Context, agent *contracts.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

// GetAgent returns the agent by id.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*contracts.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns agents, optionally filtered by workspace, newest first.
func (s *MemoryStore) ListAgents(ctx context.Context, workspaceID string) ([]*contracts.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.AgentProfile
	for _, a := range s.agents {
		if workspaceID != "" && a.WorkspaceID != workspaceID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// SaveBinding upserts a connector binding.
func (s *MemoryStore) SaveBinding(ctx context.Context, binding *contracts.ConnectorBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *binding
	cp.Scopes = append([]string(nil), binding.Scopes...)
	s.bindings[binding.ID] = &cp
	return nil
}

// GetBinding returns the binding by id.
func (s *MemoryStore) GetBinding(ctx context.Context, id string) (*contracts.ConnectorBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Scopes = append([]string(nil), b.Scopes...)
	return &cp, nil
}

// ListBindings returns bindings, optionally filtered by workspace.
func (s *MemoryStore) ListBindings(ctx context.Context, workspaceID string) ([]*contracts.ConnectorBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ConnectorBinding
	for _, b := range s.bindings {
		if workspaceID != "" && b.WorkspaceID != workspaceID {
			continue
		}
		cp := *b
		cp.Scopes = append([]string(nil), b.Scopes...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// SaveRun applies the revision CAS contract against the in-memory row.
func (s *MemoryStore) SaveRun(ctx context.Context, run *contracts.RunRecord, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.runs[run.ID]
	if !exists {
		if expectedRevision != 0 {
			return &RevisionConflictError{RunID: run.ID, Expected: expectedRevision, Current: 0}
		}
		if run.Revision <= 0 {
			run.Revision = 1
		}
		s.runs[run.ID] = run.Clone()
		return nil
	}
	if expectedRevision != current.Revision {
		return &RevisionConflictError{RunID: run.ID, Expected: expectedRevision, Current: current.Revision}
	}
	run.Revision = current.Revision + 1
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a detached copy of the run.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*contracts.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// ListRuns returns runs matching the query, most recent first.
func (s *MemoryStore) ListRuns(ctx context.Context, q ListRunsQuery) ([]*contracts.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RunRecord
	for _, r := range s.runs {
		if q.WorkspaceID != "" && r.WorkspaceID != q.WorkspaceID {
			continue
		}
		if q.AgentID != "" && r.AgentID != q.AgentID {
			continue
		}
		if q.PlaybookID != "" && r.PlaybookID != q.PlaybookID {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetIdempotencyResult returns the record for key.
func (s *MemoryStore) GetIdempotencyResult(ctx context.Context, key string) (*contracts.IdempotencyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdempotency(r), nil
}

// PutIdempotencyResult stores the record unless the key is already taken, in
// which case the original wins and is returned.
func (s *MemoryStore) PutIdempotencyResult(ctx context.Context, result *contracts.IdempotencyResult) (*contracts.IdempotencyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotency[result.Key]; ok {
		return cloneIdempotency(existing), nil
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.clock().UTC()
	}
	s.idempotency[result.Key] = cloneIdempotency(result)
	return cloneIdempotency(result), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneIdempotency(r *contracts.IdempotencyResult) *contracts.IdempotencyResult {
	cp := *r
	if r.Payload != nil {
		raw, _ := json.Marshal(r.Payload)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		cp.Payload = payload
	}
	return &cp
}
