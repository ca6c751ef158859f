package api

import (
	"errors"
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/connector"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// createBindingRequest is the POST /v0/connectors/bindings body. AgentID is
// optional: an unpinned binding serves every agent in the workspace.
type createBindingRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	AgentID     string   `json:"agent_id,omitempty"`
	ConnectorID string   `json:"connector_id"`
	Scopes      []string `json:"scopes"`
	AuthRef     string   `json:"auth_ref,omitempty"`
	RiskProfile string   `json:"risk_profile,omitempty"`
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createBinding(w, r)
	case http.MethodGet:
		s.listBindings(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) createBinding(w http.ResponseWriter, r *http.Request) {
	var req createBindingRequest
	if !decode(w, r, &req) {
		return
	}
	if !contracts.HasIDPrefix(req.WorkspaceID, contracts.WorkspaceIDPrefix) {
		WriteBadRequest(w, "workspace_id must carry the wsp_ prefix")
		return
	}
	if !contracts.HasIDPrefix(req.ConnectorID, contracts.ConnectorIDPrefix) {
		WriteBadRequest(w, "connector_id must carry the con_ prefix")
		return
	}
	if len(req.Scopes) == 0 {
		WriteBadRequest(w, "at least one scope is required")
		return
	}
	for _, scope := range req.Scopes {
		if !contracts.ValidCapability(scope) {
			WriteBadRequest(w, "scopes must be dotted capability names")
			return
		}
	}
	risk := contracts.BindingRiskProfile(req.RiskProfile)
	switch risk {
	case "":
		risk = contracts.RiskProfileStandard
	case contracts.RiskProfileStandard, contracts.RiskProfileRestricted, contracts.RiskProfileHighControl:
	default:
		WriteBadRequest(w, "risk_profile must be standard, restricted or high_control")
		return
	}

	// A pinned agent must exist and live in the binding's workspace.
	if req.AgentID != "" {
		if !contracts.HasIDPrefix(req.AgentID, contracts.AgentIDPrefix) {
			WriteBadRequest(w, "agent_id must carry the agt_ prefix")
			return
		}
		agent, err := s.store.GetAgent(r.Context(), req.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteNotFound(w, "agent "+req.AgentID+" not found")
				return
			}
			s.writeDomainError(w, err)
			return
		}
		if agent.WorkspaceID != req.WorkspaceID {
			WriteConflict(w, "agent "+req.AgentID+" belongs to workspace "+agent.WorkspaceID+", not "+req.WorkspaceID, nil)
			return
		}
	}

	// The connector must be in the manifest catalog when one is wired.
	if s.catalog != nil {
		if _, ok := s.catalog.Get(req.ConnectorID); !ok {
			WriteNotFound(w, "no manifest for connector "+req.ConnectorID)
			return
		}
	}

	now := s.clock().UTC()
	binding := &contracts.ConnectorBinding{
		ID:          contracts.NewID(contracts.BindingIDPrefix),
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		ConnectorID: req.ConnectorID,
		Scopes:      req.Scopes,
		AuthRef:     req.AuthRef,
		RiskProfile: risk,
		Status:      contracts.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveBinding(r.Context(), binding); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("connector bound",
		"binding_id", binding.ID,
		"connector_id", binding.ConnectorID,
		"workspace_id", binding.WorkspaceID,
		"bound_by", s.actor(r),
	)
	writeJSON(w, http.StatusCreated, binding)
}

func (s *Server) listBindings(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID != "" && !contracts.HasIDPrefix(workspaceID, contracts.WorkspaceIDPrefix) {
		WriteBadRequest(w, "workspace_id must carry the wsp_ prefix")
		return
	}
	bindings, err := s.store.ListBindings(r.Context(), workspaceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if bindings == nil {
		bindings = []*contracts.ConnectorBinding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": bindings})
}

// connectorSummary is one catalog row in the GET /v0/connectors listing.
type connectorSummary struct {
	ConnectorID  string   `json:"connector_id"`
	Name         string   `json:"name"`
	Protocol     string   `json:"protocol"`
	Capabilities []string `json:"capabilities"`
	Attested     bool     `json:"attested"`
}

func (s *Server) handleConnectorCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		WriteNotImplemented(w, "connector catalog is not configured")
		return
	}
	items := []connectorSummary{}
	for _, id := range s.catalog.ConnectorIDs() {
		m, ok := s.catalog.Get(id)
		if !ok {
			continue
		}
		items = append(items, summarizeManifest(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func summarizeManifest(m *connector.CompiledManifest) connectorSummary {
	caps := make([]string, 0, len(m.Manifest.Capabilities))
	for _, spec := range m.Manifest.Capabilities {
		caps = append(caps, spec.Name)
	}
	return connectorSummary{
		ConnectorID:  m.Manifest.ConnectorID,
		Name:         m.Manifest.Name,
		Protocol:     m.Manifest.Protocol,
		Capabilities: caps,
		Attested:     m.Manifest.Attestation != nil,
	}
}
