// Package store provides durable state for agents, connector bindings, runs,
// and idempotency results. Runs carry a revision column used for optimistic
// concurrency: every external mutation is a compare-and-set against the
// revision the caller last observed.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// ErrNotFound marks reads of absent rows.
var ErrNotFound = errors.New("store: not found")

// RevisionConflictError is returned when a run write's expected revision does
// not match the current row. Callers translate it to HTTP 409 with both
// revisions echoed.
type RevisionConflictError struct {
	RunID    string
	Expected int64
	Current  int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("store: revision conflict on %s: expected %d, current %d", e.RunID, e.Expected, e.Current)
}

// AsRevisionConflict unwraps err into a RevisionConflictError if it is one.
func AsRevisionConflict(err error) (*RevisionConflictError, bool) {
	var rc *RevisionConflictError
	if errors.As(err, &rc) {
		return rc, true
	}
	return nil, false
}

// ListRunsQuery filters and bounds a run listing. Results are ordered by
// started_at descending (ties broken by id) so "most recent first" is a
// stable contract for integrity views.
type ListRunsQuery struct {
	WorkspaceID string
	AgentID     string
	PlaybookID  string
	Limit       int
}

// AgentStore persists agent profiles.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *contracts.AgentProfile) error
	GetAgent(ctx context.Context, id string) (*contracts.AgentProfile, error)
	ListAgents(ctx context.Context, workspaceID string) ([]*contracts.AgentProfile, error)
}

// BindingStore persists connector bindings.
type BindingStore interface {
	SaveBinding(ctx context.Context, binding *contracts.ConnectorBinding) error
	GetBinding(ctx context.Context, id string) (*contracts.ConnectorBinding, error)
	ListBindings(ctx context.Context, workspaceID string) ([]*contracts.ConnectorBinding, error)
}

// RunStore persists run records with revision CAS semantics.
//
// SaveRun: when no row exists and expectedRevision is 0, insert with the
// run's revision (or 1 when unset). When a row exists and expectedRevision
// matches it, update with revision = current + 1. Anything else returns a
// RevisionConflictError carrying both revisions. On success the run's
// Revision field reflects the persisted value.
type RunStore interface {
	SaveRun(ctx context.Context, run *contracts.RunRecord, expectedRevision int64) error
	GetRun(ctx context.Context, id string) (*contracts.RunRecord, error)
	ListRuns(ctx context.Context, q ListRunsQuery) ([]*contracts.RunRecord, error)
}

// IdempotencyStore persists the durable layer of the idempotency cache.
// PutIdempotencyResult is first-writer-wins: the returned record is the one
// actually stored under the key, which may differ from the argument when a
// concurrent writer got there first.
type IdempotencyStore interface {
	GetIdempotencyResult(ctx context.Context, key string) (*contracts.IdempotencyResult, error)
	PutIdempotencyResult(ctx context.Context, result *contracts.IdempotencyResult) (*contracts.IdempotencyResult, error)
}

// Store is the full durable surface the control plane depends on.
type Store interface {
	AgentStore
	BindingStore
	RunStore
	IdempotencyStore
	Close() error
}
