// Package policy evaluates action intents against the layered policy
// lattice: a risk-tier baseline merged with org, workspace, agent, and
// run-override profile rules under strictest-wins semantics. All failure
// modes collapse to fail-closed deny decisions; the engine never errors.
package policy

import (
	"fmt"
	"sort"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// Rule is one profile entry: what happens when an intent's capability
// matches the rule's key. The wildcard key "*" matches any capability the
// profile has no exact rule for.
type Rule struct {
	Decision          contracts.DecisionEffect `json:"decision"`
	RequiredApprovals int                      `json:"required_approvals,omitempty"`
}

// Profile is a named set of capability rules. The on-disk document is this
// struct in canonical JSON; its hash is the concurrency token for patches.
type Profile struct {
	Name  string          `json:"name"`
	Rules map[string]Rule `json:"rules"`
}

// Lookup resolves the rule for a capability: exact match first, then the
// wildcard. ok is false when the profile contributes nothing.
func (p Profile) Lookup(capability string) (rule Rule, matched string, ok bool) {
	if r, found := p.Rules[capability]; found {
		return r, capability, true
	}
	if r, found := p.Rules["*"]; found {
		return r, "*", true
	}
	return Rule{}, "", false
}

// Capabilities returns the profile's rule keys in lexicographic order.
func (p Profile) Capabilities() []string {
	keys := make([]string, 0, len(p.Rules))
	for k := range p.Rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	rules := make(map[string]Rule, len(p.Rules))
	for k, v := range p.Rules {
		rules[k] = v
	}
	return Profile{Name: p.Name, Rules: rules}
}

// CompiledProfile is a validated profile together with its canonical
// document and document hash.
type CompiledProfile struct {
	Profile   Profile
	Canonical []byte
	Hash      string
}

// Compile validates and normalizes a profile document and computes its
// canonical form and hash. It is the single compilation path: the catalog
// loader and the patch pipeline both go through it, so hashes computed on a
// candidate write and on the on-disk file always agree.
func Compile(doc Profile) (*CompiledProfile, error) {
	if !contracts.ValidProfileName(doc.Name) {
		return nil, fmt.Errorf("policy: invalid profile name %q", doc.Name)
	}
	normalized := Profile{Name: doc.Name, Rules: make(map[string]Rule, len(doc.Rules))}
	for capability, rule := range doc.Rules {
		if !contracts.ValidPolicyCapability(capability) {
			return nil, fmt.Errorf("policy: profile %s: invalid capability %q", doc.Name, capability)
		}
		if !contracts.KnownDecisionEffect(rule.Decision) {
			return nil, fmt.Errorf("policy: profile %s: capability %s: unknown decision %q", doc.Name, capability, rule.Decision)
		}
		if rule.Decision == contracts.DecisionEscalate {
			if rule.RequiredApprovals < 1 || rule.RequiredApprovals > 5 {
				return nil, fmt.Errorf("policy: profile %s: capability %s: escalate requires approvals in [1,5], got %d", doc.Name, capability, rule.RequiredApprovals)
			}
		} else {
			rule.RequiredApprovals = 0
		}
		normalized.Rules[capability] = rule
	}

	canonical, err := canonicalize.JCS(normalized)
	if err != nil {
		return nil, fmt.Errorf("policy: profile %s: canonicalize: %w", doc.Name, err)
	}
	return &CompiledProfile{
		Profile:   normalized,
		Canonical: canonical,
		Hash:      canonicalize.HashBytes(canonical),
	}, nil
}
