package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// InvokeRequest is the adapter-facing view of one connector call, assembled
// by the guard after the binding and manifest checks pass.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type InvokeRequest struct {
	ConnectorID    string               `json:"connector_id"`
	BindingID      string               `json:"binding_id"`
	WorkspaceID    string               `json:"workspace_id"`
	AgentID        string               `json:"agent_id"`
	RunID          string               `json:"run_id"`
	Capability     string               `json:"capability"`
	SideEffect     contracts.SideEffect `json:"side_effect"`
	RiskHint       contracts.RiskTier   `json:"risk_hint"`
	Parameters     map[string]any       `json:"parameters,omitempty"`
	ToolName       string               `json:"tool_name,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	AuthRef        string               `json:"auth_ref,omitempty"`
}

// Adapter executes capabilities for one connector. Invoke performs the real
// call; Simulate produces the same response shape without side effects.
// Both must honor ctx deadlines.
type Adapter interface {
	Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error)
	Simulate(ctx context.Context, req InvokeRequest) (json.RawMessage, error)
}

// CapabilityError marks a request the adapter understood and permanently
// rejected: wrong arguments for the capability, an operation the remote
// will never accept. It is never retried; the guard maps it to 409.
type CapabilityError struct {
	Capability string
	Msg        string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("connector: capability %s rejected: %s", e.Capability, e.Msg)
}

// AsCapabilityError unwraps err into a CapabilityError if it is one.
func AsCapabilityError(err error) (*CapabilityError, bool) {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Registry maps connector ids to adapter implementations. A manifest without
// a registered adapter is visible in the catalog but not invokable.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs the adapter for a connector id, replacing any previous
// registration.
func (r *Registry) Register(connectorID string, adapter Adapter) {
	r.mu.Lock()
	r.adapters[connectorID] = adapter
	r.mu.Unlock()
}

// Get returns the adapter registered for a connector id.
func (r *Registry) Get(connectorID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[connectorID]
	return a, ok
}
