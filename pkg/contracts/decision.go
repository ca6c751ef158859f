package contracts

import "time"

// DecisionEffect is the outcome class of a policy evaluation.
type DecisionEffect string

// Decision outcomes, ordered by strictness.
const (
	DecisionAllow    DecisionEffect = "allow"
	DecisionEscalate DecisionEffect = "escalate"
	DecisionDeny     DecisionEffect = "deny"
)

// Weight returns the strictness weight used by the merge: allow < escalate
// < deny. Unknown effects weigh heaviest so malformed input fails closed.
func (d DecisionEffect) Weight() int {
	switch d {
	case DecisionAllow:
		return 1
	case DecisionEscalate:
		return 2
	case DecisionDeny:
		return 3
	}
	return 4
}

// KnownDecisionEffect reports whether d is one of allow/escalate/deny.
func KnownDecisionEffect(d DecisionEffect) bool {
	switch d {
	case DecisionAllow, DecisionEscalate, DecisionDeny:
		return true
	}
	return false
}

// PolicySource identifies the lattice layer a rule contribution came from.
type PolicySource string

// Lattice layers, least to most specific.
const (
	SourceOrg         PolicySource = "org"
	SourceWorkspace   PolicySource = "workspace"
	SourceAgent       PolicySource = "agent"
	SourceRunOverride PolicySource = "run_override"
)

// Order returns the tie-break rank of the source: org < workspace < agent
// < run_override.
func (s PolicySource) Order() int {
	switch s {
	case SourceOrg:
		return 0
	case SourceWorkspace:
		return 1
	case SourceAgent:
		return 2
	case SourceRunOverride:
		return 3
	}
	return 4
}

// PolicyContribution is one layer's vote in the merge: the baseline or a
// matched profile rule.
type PolicyContribution struct {
	Source            PolicySource   `json:"source"`
	Decision          DecisionEffect `json:"decision"`
	RequiredApprovals int            `json:"required_approvals"`
	Reason            string         `json:"reason"`
	MatchedRule       string         `json:"matched_rule,omitempty"`
}

// PolicyTrace records how a decision was reached: the resolved lattice, the
// baseline vote, every profile contribution, and which layer won.
type PolicyTrace struct {
	Lattice         map[string]string    `json:"lattice"`
	Baseline        PolicyContribution   `json:"baseline"`
	Contributions   []PolicyContribution `json:"contributions,omitempty"`
	EffectiveSource PolicySource         `json:"effective_source"`
}

// PolicyDecision is the final judgment for one action intent. Decisions are
// values, not errors: denies travel through the same channel as allows so the
// audit trail sees both.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type PolicyDecision struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	ActionIntentID    string         `json:"action_intent_id"`
	Decision          DecisionEffect `json:"decision"`
	RiskTier          RiskTier       `json:"risk_tier"`
	ReasonCodes       []string       `json:"reason_codes"`
	RequiredApprovals int            `json:"required_approvals"`
	PolicyTrace       PolicyTrace    `json:"policy_trace"`
	EvaluatedAt       time.Time      `json:"evaluated_at"`
}

// Allowed reports whether the decision permits execution.
func (d PolicyDecision) Allowed() bool { return d.Decision == DecisionAllow }

// HasReason reports whether code is among the decision's reason codes.
func (d PolicyDecision) HasReason(code string) bool {
	for _, c := range d.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}
