package contracts

// SideEffect classifies whether executing an intent changes external state.
type SideEffect string

// Side effect classes.
const (
	SideEffectNone     SideEffect = "none"
	SideEffectMutation SideEffect = "mutation"
)

// RiskTier is the declared blast-radius class of an action intent. It drives
// the baseline policy decision before any profile rules apply.
type RiskTier string

// Risk tiers, lowest to highest.
const (
	RiskTierR0 RiskTier = "R0"
	RiskTierR1 RiskTier = "R1"
	RiskTierR2 RiskTier = "R2"
	RiskTierR3 RiskTier = "R3"
)

// KnownRiskTier reports whether t is one of the four defined tiers.
func KnownRiskTier(t RiskTier) bool {
	switch t {
	case RiskTierR0, RiskTierR1, RiskTierR2, RiskTierR3:
		return true
	}
	return false
}

// Rank orders risk tiers for comparisons: R0 < R1 < R2 < R3. Unknown tiers
// rank above R3 so comparisons against them fail closed.
func (t RiskTier) Rank() int {
	switch t {
	case RiskTierR0:
		return 0
	case RiskTierR1:
		return 1
	case RiskTierR2:
		return 2
	case RiskTierR3:
		return 3
	}
	return 4
}

// ActionTarget carries routing hints for the surface an intent acts on.
type ActionTarget struct {
	Surface     string `json:"surface,omitempty"`
	ConnectorID string `json:"connector_id,omitempty"`
	ChannelHint string `json:"channel_hint,omitempty"`
}

// ActionIntent is a planned side-effecting operation an agent proposes. It is
// the unit the policy engine evaluates.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type ActionIntent struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"run_id"`
	StepID             string         `json:"step_id"`
	ConnectorBindingID string         `json:"connector_binding_id,omitempty"`
	Capability         string         `json:"capability"`
	SideEffect         SideEffect     `json:"side_effect"`
	RiskHint           RiskTier       `json:"risk_hint"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Target             ActionTarget   `json:"target"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty"`
}

// Mutating reports whether the intent declares an external side effect.
func (a ActionIntent) Mutating() bool { return a.SideEffect == SideEffectMutation }
