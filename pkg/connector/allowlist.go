package connector

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// MCP allowlist reason codes. Attached to fail-closed deny decisions when
// the gateway refuses a tool call.
const (
	ReasonMCPNoMatchingRule     = "mcp.allowlist.no_matching_rule"
	ReasonMCPToolNameRequired   = "mcp.allowlist.tool_name_required"
	ReasonMCPToolNotAllowed     = "mcp.allowlist.tool_not_allowed"
	ReasonMCPMutationNotAllowed = "mcp.allowlist.mutation_not_allowed"
	ReasonMCPRiskTierExceeded   = "mcp.allowlist.risk_tier_exceeded"
)

// AllowlistRule admits MCP tool calls for one workspace. AgentID is an exact
// agent id or "*"; ToolPattern is an exact tool name or a prefix ending in
// "*" ("search.*" admits "search.web").
//
//nolint:govet // fieldalignment: struct layout mirrors the catalog document
type AllowlistRule struct {
	WorkspaceID   string             `yaml:"workspace_id" json:"workspace_id"`
	AgentID       string             `yaml:"agent_id" json:"agent_id"`
	ToolPattern   string             `yaml:"tool_pattern" json:"tool_pattern"`
	AllowMutation bool               `yaml:"allow_mutation" json:"allow_mutation"`
	MaxRiskTier   contracts.RiskTier `yaml:"max_risk_tier" json:"max_risk_tier"`
}

func (r AllowlistRule) matchesAgent(agentID string) bool {
	return r.AgentID == "*" || r.AgentID == agentID
}

func (r AllowlistRule) matchesTool(toolName string) bool {
	if prefix, ok := strings.CutSuffix(r.ToolPattern, "*"); ok {
		return strings.HasPrefix(toolName, prefix)
	}
	return r.ToolPattern == toolName
}

// AllowlistQuery is one tool call to admit or block.
type AllowlistQuery struct {
	WorkspaceID string
	AgentID     string
	ToolName    string
	SideEffect  contracts.SideEffect
	RiskHint    contracts.RiskTier
}

// AllowlistDecision is the outcome of evaluating a query. When blocked,
// ReasonCodes carries exactly one mcp.allowlist reason.
type AllowlistDecision struct {
	Allowed     bool           `json:"allowed"`
	ReasonCodes []string       `json:"reason_codes,omitempty"`
	MatchedRule *AllowlistRule `json:"matched_rule,omitempty"`
}

// Allowlist is an ordered MCP gateway rule set. Rules are evaluated in file
// order; the first rule whose workspace, agent and tool pattern all match
// decides the call.
type Allowlist struct {
	rules []AllowlistRule
}

// NewAllowlist builds an allowlist from validated rules.
func NewAllowlist(rules []AllowlistRule) (*Allowlist, error) {
	for i, r := range rules {
		if !contracts.HasIDPrefix(r.WorkspaceID, contracts.WorkspaceIDPrefix) {
			return nil, fmt.Errorf("connector: allowlist rule %d: workspace id %q must carry the wsp_ prefix", i, r.WorkspaceID)
		}
		if r.AgentID != "*" && !contracts.HasIDPrefix(r.AgentID, contracts.AgentIDPrefix) {
			return nil, fmt.Errorf("connector: allowlist rule %d: agent id %q must be exact or *", i, r.AgentID)
		}
		if r.ToolPattern == "" {
			return nil, fmt.Errorf("connector: allowlist rule %d: tool_pattern is required", i)
		}
		if !contracts.KnownRiskTier(r.MaxRiskTier) {
			return nil, fmt.Errorf("connector: allowlist rule %d: max_risk_tier %q unknown", i, r.MaxRiskTier)
		}
	}
	out := make([]AllowlistRule, len(rules))
	copy(out, rules)
	return &Allowlist{rules: out}, nil
}

// allowlistFile is the on-disk YAML shape of an allowlist catalog.
type allowlistFile struct {
	Rules []AllowlistRule `yaml:"rules"`
}

// LoadAllowlist reads an allowlist YAML file.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connector: read allowlist %s: %w", path, err)
	}
	var file allowlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("connector: parse allowlist %s: %w", path, err)
	}
	al, err := NewAllowlist(file.Rules)
	if err != nil {
		return nil, fmt.Errorf("connector: allowlist %s: %w", path, err)
	}
	return al, nil
}

// Evaluate decides one tool call. Tool calls without a tool name are blocked
// before any rule matching.
func (a *Allowlist) Evaluate(q AllowlistQuery) AllowlistDecision {
	if q.ToolName == "" {
		return blocked(ReasonMCPToolNameRequired)
	}

	scoped := false
	for i := range a.rules {
		rule := a.rules[i]
		if rule.WorkspaceID != q.WorkspaceID || !rule.matchesAgent(q.AgentID) {
			continue
		}
		scoped = true
		if !rule.matchesTool(q.ToolName) {
			continue
		}
		if q.SideEffect == contracts.SideEffectMutation && !rule.AllowMutation {
			d := blocked(ReasonMCPMutationNotAllowed)
			d.MatchedRule = &rule
			return d
		}
		if q.RiskHint.Rank() > rule.MaxRiskTier.Rank() {
			d := blocked(ReasonMCPRiskTierExceeded)
			d.MatchedRule = &rule
			return d
		}
		return AllowlistDecision{Allowed: true, MatchedRule: &rule}
	}

	if scoped {
		return blocked(ReasonMCPToolNotAllowed)
	}
	return blocked(ReasonMCPNoMatchingRule)
}

func blocked(reason string) AllowlistDecision {
	return AllowlistDecision{Allowed: false, ReasonCodes: []string{reason}}
}
