package api

import (
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/connector"
)

func (s *Server) handleAdapterSimulate(w http.ResponseWriter, r *http.Request) {
	s.handleAdapterCall(w, r, func(req connector.GuardRequest) (*connector.InvokeOutcome, error) {
		return s.guard.Simulate(r.Context(), req)
	})
}

func (s *Server) handleAdapterInvoke(w http.ResponseWriter, r *http.Request) {
	s.handleAdapterCall(w, r, func(req connector.GuardRequest) (*connector.InvokeOutcome, error) {
		return s.guard.Invoke(r.Context(), req)
	})
}

// handleAdapterCall decodes one guard request and writes the guard's
// verdict. The guard returns the HTTP status alongside the body, so the
// boundary's only jobs are the connector id from the path, the actor from
// the identity gate, and the Retry-After header on rate limits.
func (s *Server) handleAdapterCall(w http.ResponseWriter, r *http.Request, call func(connector.GuardRequest) (*connector.InvokeOutcome, error)) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if s.guard == nil {
		WriteNotImplemented(w, "connector adapters are not configured")
		return
	}
	var req connector.GuardRequest
	if !decode(w, r, &req) {
		return
	}
	req.ConnectorID = r.PathValue("cid")
	req.ActorID = s.actor(r)

	outcome, err := call(req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if outcome.Status == http.StatusTooManyRequests {
		WriteTooManyRequests(w, outcome.RetryAfterMs, map[string]any{
			"action_intent_id": outcome.ActionIntentID,
			"policy_decision":  outcome.Decision,
		})
		return
	}
	writeJSON(w, outcome.Status, outcome)
}
