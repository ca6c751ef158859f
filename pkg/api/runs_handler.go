package api

import (
	"errors"
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/executor"
	"github.com/flockmesh/flockmesh/pkg/ledger"
)

// createRunRequest is the POST /v0/runs body. The trigger's actor_id is an
// actor claim and must match the authenticated caller.
type createRunRequest struct {
	WorkspaceID   string                          `json:"workspace_id"`
	AgentID       string                          `json:"agent_id"`
	PlaybookID    string                          `json:"playbook_id"`
	Trigger       contracts.RunTrigger            `json:"trigger"`
	PolicyContext executor.RequestedPolicyContext `json:"policy_context"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req createRunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Trigger.ActorID == "" {
		req.Trigger.ActorID = s.actor(r)
	}
	if !s.requireClaim(w, r, req.Trigger.ActorID) {
		return
	}

	run, err := s.executor.AcceptRun(r.Context(), executor.AcceptRequest{
		WorkspaceID:   req.WorkspaceID,
		AgentID:       req.AgentID,
		PlaybookID:    req.PlaybookID,
		Trigger:       req.Trigger,
		PolicyContext: req.PolicyContext,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// approvalRequest is the POST /v0/runs/{id}/approvals body. ApprovedBy is an
// actor claim; ExpectedRevision is the CAS token against the run record.
type approvalRequest struct {
	ActionIntentID   string `json:"action_intent_id"`
	Approve          bool   `json:"approve"`
	ApprovedBy       string `json:"approved_by"`
	ExpectedRevision int64  `json:"expected_revision"`
	Reason           string `json:"reason,omitempty"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req approvalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = s.actor(r)
	}
	if !s.requireClaim(w, r, req.ApprovedBy) {
		return
	}

	outcome, err := s.executor.ResolveApproval(r.Context(), executor.ApprovalRequest{
		RunID:            r.PathValue("id"),
		ActionIntentID:   req.ActionIntentID,
		ExpectedRevision: req.ExpectedRevision,
		Approve:          req.Approve,
		ActorID:          req.ApprovedBy,
		Reason:           req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": outcome.Resolution,
		"run":        outcome.Run,
	})
}

// cancelRequest is the POST /v0/runs/{id}/cancel body. CancelledBy is an
// actor claim.
type cancelRequest struct {
	ExpectedRevision int64  `json:"expected_revision"`
	CancelledBy      string `json:"cancelled_by"`
	Reason           string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CancelledBy == "" {
		req.CancelledBy = s.actor(r)
	}
	if !s.requireClaim(w, r, req.CancelledBy) {
		return
	}

	run, err := s.executor.CancelRun(r.Context(), executor.CancelRequest{
		RunID:            r.PathValue("id"),
		ExpectedRevision: req.ExpectedRevision,
		ActorID:          req.CancelledBy,
		Reason:           req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	limit, offset, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	page, err := s.ledger.ReadEvents(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	limit, offset, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	page, err := s.ledger.ReadAudit(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// pageParams parses limit/offset; a false return means the 400 is written.
func (s *Server) pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, 0, false
	}
	offset, err = queryInt(r, "offset", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, 0, false
	}
	return limit, offset, true
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrInvalidPage) {
		WriteBadRequest(w, err.Error())
		return
	}
	s.writeDomainError(w, err)
}
