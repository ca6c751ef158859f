package policypatch

import (
	"sort"
	"strings"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/policy"
)

// The preview evaluates synthetic intents under a reserved run id so the
// decisions it mints are never confused with real runs.
const simulationRunID = "run_policy_simulation"

var readOnlySuffixes = []string{".read", ".list", ".status", ".search", ".get"}

var highRiskTokens = []string{
	"delete", "remove", "drop", "destroy", "purge", "wipe",
	"transfer", "payment", "pay", "grant", "revoke", "escalate",
	"admin", "deploy", "rollback", "shutdown",
}

// RulePreview is the before/after decision for one patched capability.
type RulePreview struct {
	Capability string                   `json:"capability"`
	RiskTier   contracts.RiskTier       `json:"risk_tier"`
	SideEffect contracts.SideEffect     `json:"side_effect"`
	Before     contracts.DecisionEffect `json:"before"`
	After      contracts.DecisionEffect `json:"after"`
	Improved   bool                     `json:"improved"`
}

// SimulationPreview reports how the patch would shift decisions: per-effect
// counts on both sides and the capabilities whose decision got strictly less
// restrictive. Loosening is what reviewers need to see before approving.
type SimulationPreview struct {
	BeforeDecisions      map[contracts.DecisionEffect]int `json:"before_decisions"`
	AfterDecisions       map[contracts.DecisionEffect]int `json:"after_decisions"`
	ImprovedCapabilities []string                         `json:"improved_capabilities"`
	Rules                []RulePreview                    `json:"rules"`
}

// classifyCapability derives the synthetic intent's risk tier and side
// effect from the capability name alone: read-only suffixes are R0 reads,
// names carrying a high-risk token are R3 mutations, everything else is an
// R2 mutation.
func classifyCapability(capability string) (contracts.RiskTier, contracts.SideEffect) {
	for _, suffix := range readOnlySuffixes {
		if strings.HasSuffix(capability, suffix) {
			return contracts.RiskTierR0, contracts.SideEffectNone
		}
	}
	for _, token := range highRiskTokens {
		if strings.Contains(capability, token) {
			return contracts.RiskTierR3, contracts.SideEffectMutation
		}
	}
	return contracts.RiskTierR2, contracts.SideEffectMutation
}

// simulate evaluates every patched capability against the before and after
// libraries under a context whose run override is the target profile.
func simulate(before, after *policy.Library, profileName string, rules []PatchRule) *SimulationPreview {
	preview := &SimulationPreview{
		BeforeDecisions:      make(map[contracts.DecisionEffect]int, len(rules)),
		AfterDecisions:       make(map[contracts.DecisionEffect]int, len(rules)),
		ImprovedCapabilities: []string{},
		Rules:                make([]RulePreview, 0, len(rules)),
	}

	beforeEngine := policy.NewEngine(before)
	afterEngine := policy.NewEngine(after)
	beforeCtx := policy.ResolveContext(before, policy.Context{RunOverride: profileName}, "")
	afterCtx := policy.ResolveContext(after, policy.Context{RunOverride: profileName}, "")

	for _, rule := range rules {
		tier, sideEffect := classifyCapability(rule.Capability)
		intent := contracts.ActionIntent{
			ID:         contracts.NewID(contracts.ActionIntentIDPrefix),
			RunID:      simulationRunID,
			StepID:     "simulate-" + rule.Capability,
			Capability: rule.Capability,
			SideEffect: sideEffect,
			RiskHint:   tier,
		}
		if sideEffect == contracts.SideEffectMutation {
			// Synthetic key; without one every mutation would collapse
			// into the idempotency fail-closed deny and mask the rules.
			intent.IdempotencyKey = contracts.NewID(contracts.IdempotencyKeyPrefix)
		}

		beforeDecision := beforeEngine.Evaluate(simulationRunID, intent, beforeCtx)
		afterDecision := afterEngine.Evaluate(simulationRunID, intent, afterCtx)

		preview.BeforeDecisions[beforeDecision.Decision]++
		preview.AfterDecisions[afterDecision.Decision]++

		improved := afterDecision.Decision.Weight() < beforeDecision.Decision.Weight()
		if improved {
			preview.ImprovedCapabilities = append(preview.ImprovedCapabilities, rule.Capability)
		}
		preview.Rules = append(preview.Rules, RulePreview{
			Capability: rule.Capability,
			RiskTier:   tier,
			SideEffect: sideEffect,
			Before:     beforeDecision.Decision,
			After:      afterDecision.Decision,
			Improved:   improved,
		})
	}

	sort.Strings(preview.ImprovedCapabilities)
	return preview
}
