package api

import (
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
)

// Reserved run ids for decisions minted outside any real run, so the audit
// trail can never confuse them with run-scoped evaluations.
const (
	adhocEvaluateRunID = "run_policy_evaluate"
	adhocSimulateRunID = "run_policy_simulate"
)

// intentDraft is a caller-supplied action intent before the server mints its
// identity. It is the evaluate/simulate request's payload.
type intentDraft struct {
	Capability     string               `json:"capability"`
	SideEffect     contracts.SideEffect `json:"side_effect"`
	RiskHint       contracts.RiskTier   `json:"risk_hint"`
	Parameters     map[string]any       `json:"parameters,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

func (d intentDraft) intent(runID string) contracts.ActionIntent {
	return contracts.ActionIntent{
		ID:             contracts.NewID(contracts.ActionIntentIDPrefix),
		RunID:          runID,
		StepID:         "policy_preview",
		Capability:     d.Capability,
		SideEffect:     d.SideEffect,
		RiskHint:       d.RiskHint,
		Parameters:     d.Parameters,
		Target:         contracts.ActionTarget{Surface: "policy"},
		IdempotencyKey: d.IdempotencyKey,
	}
}

// policyContextRequest names the requested profile per lattice layer.
type policyContextRequest struct {
	OrgProfile       string `json:"org_policy,omitempty"`
	WorkspaceProfile string `json:"workspace_policy,omitempty"`
	AgentProfile     string `json:"agent_policy,omitempty"`
	RunOverride      string `json:"run_override,omitempty"`
}

func (p policyContextRequest) resolve(lib *policy.Library) policy.Context {
	return policy.ResolveContext(lib, policy.Context{
		OrgProfile:       p.OrgProfile,
		WorkspaceProfile: p.WorkspaceProfile,
		AgentProfile:     p.AgentProfile,
		RunOverride:      p.RunOverride,
	}, "")
}

type evaluateRequest struct {
	RunID         string               `json:"run_id,omitempty"`
	Intent        intentDraft          `json:"intent"`
	PolicyContext policyContextRequest `json:"policy_context"`
}

// handlePolicyEvaluate resolves a single intent to a decision. The response
// is the decision document itself: denies are structured results here, never
// HTTP errors, because callers need the reason codes and the trace.
func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = adhocEvaluateRunID
	}
	pctx := req.PolicyContext.resolve(s.policy.Library())
	decision := s.policy.Evaluate(runID, req.Intent.intent(runID), pctx)
	writeJSON(w, http.StatusOK, decision)
}

type simulateRequest struct {
	RunID         string               `json:"run_id,omitempty"`
	Intents       []intentDraft        `json:"intents"`
	PolicyContext policyContextRequest `json:"policy_context"`
}

// handlePolicySimulate evaluates a batch of intents and reports the run
// status the batch would derive: any deny fails the run, any escalation
// parks it, an all-allow plan completes.
func (s *Server) handlePolicySimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req simulateRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Intents) == 0 {
		WriteBadRequest(w, "at least one intent is required")
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = adhocSimulateRunID
	}
	pctx := req.PolicyContext.resolve(s.policy.Library())

	decisions := make([]contracts.PolicyDecision, 0, len(req.Intents))
	denied, escalated := 0, 0
	for _, draft := range req.Intents {
		decision := s.policy.Evaluate(runID, draft.intent(runID), pctx)
		switch decision.Decision {
		case contracts.DecisionDeny:
			denied++
		case contracts.DecisionEscalate:
			escalated++
		}
		decisions = append(decisions, decision)
	}

	status := contracts.RunCompleted
	switch {
	case denied > 0:
		status = contracts.RunFailed
	case escalated > 0:
		status = contracts.RunWaitingApproval
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions":      decisions,
		"derived_status": status,
	})
}

// profileVersion is one catalog row: the name plus the document hash that
// doubles as the patch pipeline's CAS token.
type profileVersion struct {
	Name         string `json:"name"`
	ProfileHash  string `json:"profile_hash"`
	Capabilities int    `json:"capabilities"`
}

func (s *Server) handlePolicyProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	lib := s.policy.Library()
	items := []profileVersion{}
	for _, name := range lib.Names() {
		cp, ok := lib.Get(name)
		if !ok {
			continue
		}
		items = append(items, profileVersion{
			Name:         cp.Profile.Name,
			ProfileHash:  cp.Hash,
			Capabilities: len(cp.Profile.Rules),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleProfileVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	name := r.PathValue("name")
	cp, ok := s.policy.Library().Get(name)
	if !ok {
		WriteNotFound(w, "no policy profile named "+name)
		return
	}
	writeJSON(w, http.StatusOK, profileVersion{
		Name:         cp.Profile.Name,
		ProfileHash:  cp.Hash,
		Capabilities: len(cp.Profile.Rules),
	})
}

func (s *Server) handlePolicyPatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if s.patches == nil {
		WriteNotImplemented(w, "policy patching is not configured")
		return
	}
	var req policypatch.PatchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ActorID == "" {
		req.ActorID = s.actor(r)
	}
	if !s.requireClaim(w, r, req.ActorID) {
		return
	}
	result, err := s.patches.Patch(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if s.patches == nil {
		WriteNotImplemented(w, "policy patching is not configured")
		return
	}
	var req policypatch.RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ActorID == "" {
		req.ActorID = s.actor(r)
	}
	if !s.requireClaim(w, r, req.ActorID) {
		return
	}
	result, err := s.patches.Rollback(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePatchHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.history == nil {
		WriteNotImplemented(w, "patch history is not configured")
		return
	}
	limit, offset, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	page, err := s.history.List(r.Context(), r.URL.Query().Get("profile_name"), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePatchExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	limit, offset, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	signed, err := s.integrity.PatchHistoryExport(r.Context(), r.URL.Query().Get("profile_name"), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}
