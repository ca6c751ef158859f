package api

import (
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// createAgentRequest is the POST /v0/agents body. The server mints the agent
// id; status starts active.
type createAgentRequest struct {
	WorkspaceID          string         `json:"workspace_id"`
	Name                 string         `json:"name"`
	Role                 string         `json:"role,omitempty"`
	Owners               []string       `json:"owners,omitempty"`
	DefaultPolicyProfile string         `json:"default_policy_profile,omitempty"`
	ModelPolicy          map[string]any `json:"model_policy,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decode(w, r, &req) {
		return
	}
	if !contracts.HasIDPrefix(req.WorkspaceID, contracts.WorkspaceIDPrefix) {
		WriteBadRequest(w, "workspace_id must carry the wsp_ prefix")
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	for _, owner := range req.Owners {
		if !contracts.ValidActorID(owner) {
			WriteBadRequest(w, "owners must be well-formed actor ids")
			return
		}
	}
	if req.DefaultPolicyProfile != "" && !contracts.ValidProfileName(req.DefaultPolicyProfile) {
		WriteBadRequest(w, "default_policy_profile must be lowercase snake case")
		return
	}

	now := s.clock().UTC()
	agent := &contracts.AgentProfile{
		ID:                   contracts.NewID(contracts.AgentIDPrefix),
		WorkspaceID:          req.WorkspaceID,
		Role:                 req.Role,
		Owners:               req.Owners,
		Name:                 req.Name,
		ModelPolicy:          req.ModelPolicy,
		DefaultPolicyProfile: req.DefaultPolicyProfile,
		Status:               contracts.StatusActive,
		Metadata:             req.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.SaveAgent(r.Context(), agent); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("agent registered",
		"agent_id", agent.ID,
		"workspace_id", agent.WorkspaceID,
		"registered_by", s.actor(r),
	)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID != "" && !contracts.HasIDPrefix(workspaceID, contracts.WorkspaceIDPrefix) {
		WriteBadRequest(w, "workspace_id must carry the wsp_ prefix")
		return
	}
	agents, err := s.store.ListAgents(r.Context(), workspaceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if agents == nil {
		agents = []*contracts.AgentProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": agents})
}
