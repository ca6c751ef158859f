package contracts

import "time"

// ResourceStatus is the activation state of an agent or binding.
type ResourceStatus string

// Resource states.
const (
	StatusActive   ResourceStatus = "active"
	StatusDisabled ResourceStatus = "disabled"
)

// AgentProfile is the control-plane registration of an agent. ID and
// WorkspaceID are immutable after creation.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type AgentProfile struct {
	ID                   string         `json:"id"`
	WorkspaceID          string         `json:"workspace_id"`
	Role                 string         `json:"role"`
	Owners               []string       `json:"owners"`
	Name                 string         `json:"name"`
	ModelPolicy          map[string]any `json:"model_policy,omitempty"`
	DefaultPolicyProfile string         `json:"default_policy_profile,omitempty"`
	Status               ResourceStatus `json:"status"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// BindingRiskProfile classifies how tightly a binding is controlled.
type BindingRiskProfile string

// Binding risk profiles.
const (
	RiskProfileStandard    BindingRiskProfile = "standard"
	RiskProfileRestricted  BindingRiskProfile = "restricted"
	RiskProfileHighControl BindingRiskProfile = "high_control"
)

// ConnectorBinding attaches a connector to a workspace (and optionally one
// agent), scoping which capabilities runs may exercise through it. A binding
// may be used only by runs whose workspace and, when AgentID is set, agent
// match exactly.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type ConnectorBinding struct {
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspace_id"`
	AgentID     string             `json:"agent_id,omitempty"`
	ConnectorID string             `json:"connector_id"`
	Scopes      []string           `json:"scopes"`
	AuthRef     string             `json:"auth_ref,omitempty"`
	RiskProfile BindingRiskProfile `json:"risk_profile"`
	Status      ResourceStatus     `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// HasScope reports whether capability is within the binding's scopes.
func (b ConnectorBinding) HasScope(capability string) bool {
	for _, s := range b.Scopes {
		if s == capability {
			return true
		}
	}
	return false
}
