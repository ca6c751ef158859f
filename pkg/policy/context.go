package policy

// Fallback profile names used when neither the caller nor the agent
// registration names a profile for a lattice layer.
const (
	FallbackOrgProfile       = "org_default_safe"
	FallbackWorkspaceProfile = "workspace_ops_cn"
	FallbackAgentProfile     = "agent_ops_assistant"
)

// ResolveContext picks, per lattice layer, the first candidate profile that
// exists in the library: the requested profile, then (for the agent layer)
// the agent's registered default, then the built-in fallback. When no
// candidate exists the first named one is carried so evaluation fails closed
// with profile_missing. The run override is taken only when present.
func ResolveContext(lib *Library, requested Context, agentDefault string) Context {
	pick := func(candidates ...string) string {
		first := ""
		for _, name := range candidates {
			if name == "" {
				continue
			}
			if first == "" {
				first = name
			}
			if lib.Has(name) {
				return name
			}
		}
		return first
	}

	resolved := Context{
		OrgProfile:       pick(requested.OrgProfile, FallbackOrgProfile),
		WorkspaceProfile: pick(requested.WorkspaceProfile, FallbackWorkspaceProfile),
		AgentProfile:     pick(requested.AgentProfile, agentDefault, FallbackAgentProfile),
	}
	if requested.RunOverride != "" && lib.Has(requested.RunOverride) {
		resolved.RunOverride = requested.RunOverride
	}
	return resolved
}
