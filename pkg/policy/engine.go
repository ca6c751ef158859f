package policy

import (
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// Context names the profile resolved for each lattice layer. RunOverride is
// optional; the other three must exist in the library or evaluation fails
// closed.
type Context struct {
	OrgProfile       string `json:"org_profile"`
	WorkspaceProfile string `json:"workspace_profile"`
	AgentProfile     string `json:"agent_profile"`
	RunOverride      string `json:"run_override,omitempty"`
}

func (c Context) lattice() map[string]string {
	m := map[string]string{
		string(contracts.SourceOrg):       c.OrgProfile,
		string(contracts.SourceWorkspace): c.WorkspaceProfile,
		string(contracts.SourceAgent):     c.AgentProfile,
	}
	if c.RunOverride != "" {
		m[string(contracts.SourceRunOverride)] = c.RunOverride
	}
	return m
}

// Engine evaluates action intents against the policy lattice. It never
// returns an error: anything that prevents a clean evaluation becomes a
// fail-closed deny decision so the audit trail records it uniformly.
type Engine struct {
	library *Library
	clock   func() time.Time
}

// NewEngine creates an engine over the given profile library.
func NewEngine(library *Library) *Engine {
	return &Engine{library: library, clock: time.Now}
}

// WithClock overrides time acquisition for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Library returns the engine's profile library.
func (e *Engine) Library() *Library { return e.library }

var baselines = map[contracts.RiskTier]contracts.PolicyContribution{
	contracts.RiskTierR0: {Source: contracts.SourceOrg, Decision: contracts.DecisionAllow, Reason: ReasonRiskR0ReadOnly},
	contracts.RiskTierR1: {Source: contracts.SourceOrg, Decision: contracts.DecisionAllow, Reason: ReasonRiskR1LowImpact},
	contracts.RiskTierR2: {Source: contracts.SourceOrg, Decision: contracts.DecisionEscalate, RequiredApprovals: 1, Reason: ReasonRiskR2RequiresApproval},
	contracts.RiskTierR3: {Source: contracts.SourceOrg, Decision: contracts.DecisionEscalate, RequiredApprovals: 2, Reason: ReasonRiskR3DualApproval},
}

// Evaluate resolves one intent to a policy decision.
func (e *Engine) Evaluate(runID string, intent contracts.ActionIntent, pctx Context) contracts.PolicyDecision {
	// Fail-closed preconditions, checked in order; the first violation
	// decides. The decision echoes the intent's tier when it is a known
	// one and classifies strictest otherwise.
	tier := intent.RiskHint
	if !contracts.KnownRiskTier(tier) {
		tier = contracts.RiskTierR3
	}
	if !contracts.ValidCapability(intent.Capability) || !validSideEffect(intent.SideEffect) {
		return e.failClosed(runID, intent, pctx, tier, ReasonInvalidIntent)
	}
	if !contracts.KnownRiskTier(intent.RiskHint) {
		return e.failClosed(runID, intent, pctx, tier, ReasonUnknownRiskTier)
	}
	if intent.SideEffect == contracts.SideEffectMutation && intent.IdempotencyKey == "" {
		return e.failClosed(runID, intent, pctx, intent.RiskHint, ReasonIdempotencyRequired)
	}

	layers := []struct {
		source contracts.PolicySource
		name   string
	}{
		{contracts.SourceOrg, pctx.OrgProfile},
		{contracts.SourceWorkspace, pctx.WorkspaceProfile},
		{contracts.SourceAgent, pctx.AgentProfile},
	}
	if pctx.RunOverride != "" {
		layers = append(layers, struct {
			source contracts.PolicySource
			name   string
		}{contracts.SourceRunOverride, pctx.RunOverride})
	}

	baseline := baselines[intent.RiskHint]
	contributions := make([]contracts.PolicyContribution, 0, len(layers))
	for _, layer := range layers {
		cp, ok := e.library.Get(layer.name)
		if !ok {
			return e.failClosed(runID, intent, pctx, intent.RiskHint, ReasonProfileMissing(string(layer.source)))
		}
		rule, matched, found := cp.Profile.Lookup(intent.Capability)
		if !found {
			continue
		}
		contributions = append(contributions, contracts.PolicyContribution{
			Source:            layer.source,
			Decision:          rule.Decision,
			RequiredApprovals: rule.RequiredApprovals,
			Reason:            ReasonRule(string(layer.source)),
			MatchedRule:       matched,
		})
	}

	return e.merge(runID, intent, pctx, baseline, contributions)
}

// merge applies strictest-wins over the baseline and profile contributions.
func (e *Engine) merge(runID string, intent contracts.ActionIntent, pctx Context, baseline contracts.PolicyContribution, contributions []contracts.PolicyContribution) contracts.PolicyDecision {
	all := make([]contracts.PolicyContribution, 0, len(contributions)+1)
	all = append(all, baseline)
	all = append(all, contributions...)

	winner := baseline.Decision
	for _, c := range all {
		if c.Decision.Weight() > winner.Weight() {
			winner = c.Decision
		}
	}

	// Attribution: among contributions carrying the winning decision, the
	// broadest layer wins ties (org before workspace before agent before
	// run override).
	effective := baseline.Source
	for _, c := range all {
		if c.Decision == winner {
			effective = c.Source
			break
		}
	}

	requiredApprovals := 0
	if winner == contracts.DecisionEscalate {
		requiredApprovals = 1
		for _, c := range all {
			if c.Decision == winner && c.RequiredApprovals > requiredApprovals {
				requiredApprovals = c.RequiredApprovals
			}
		}
	}

	reasons := make([]string, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, c := range all {
		if c.Reason == "" || seen[c.Reason] {
			continue
		}
		seen[c.Reason] = true
		reasons = append(reasons, c.Reason)
	}

	return contracts.PolicyDecision{
		ID:                contracts.NewID(contracts.PolicyDecisionIDPrefix),
		RunID:             runID,
		ActionIntentID:    intent.ID,
		Decision:          winner,
		RiskTier:          intent.RiskHint,
		ReasonCodes:       reasons,
		RequiredApprovals: requiredApprovals,
		PolicyTrace: contracts.PolicyTrace{
			Lattice:         pctx.lattice(),
			Baseline:        baseline,
			Contributions:   contributions,
			EffectiveSource: effective,
		},
		EvaluatedAt: e.clock().UTC(),
	}
}

func (e *Engine) failClosed(runID string, intent contracts.ActionIntent, pctx Context, tier contracts.RiskTier, reason string) contracts.PolicyDecision {
	d := FailClosed(runID, intent, tier, reason)
	d.PolicyTrace.Lattice = pctx.lattice()
	d.EvaluatedAt = e.clock().UTC()
	return d
}

// FailClosed synthesizes a deny decision outside a full lattice evaluation.
// The connector guard uses it when it must refuse before (or instead of)
// consulting the engine: allowlist blocks, rate-limit denies, adapter
// faults. The safety reason is always appended so downstream tooling can
// rely on a uniform marker.
func FailClosed(runID string, intent contracts.ActionIntent, tier contracts.RiskTier, reasons ...string) contracts.PolicyDecision {
	codes := make([]string, 0, len(reasons)+1)
	seen := make(map[string]bool, len(reasons)+1)
	for _, r := range append(reasons, ReasonFailClosed) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		codes = append(codes, r)
	}
	return contracts.PolicyDecision{
		ID:             contracts.NewID(contracts.PolicyDecisionIDPrefix),
		RunID:          runID,
		ActionIntentID: intent.ID,
		Decision:       contracts.DecisionDeny,
		RiskTier:       tier,
		ReasonCodes:    codes,
		PolicyTrace: contracts.PolicyTrace{
			Baseline: contracts.PolicyContribution{
				Source:   contracts.SourceOrg,
				Decision: contracts.DecisionDeny,
				Reason:   ReasonFailClosed,
			},
			EffectiveSource: contracts.SourceOrg,
		},
		EvaluatedAt: time.Now().UTC(),
	}
}

func validSideEffect(s contracts.SideEffect) bool {
	return s == contracts.SideEffectNone || s == contracts.SideEffectMutation
}
