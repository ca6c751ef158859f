package api

import (
	"context"
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/integrity"
)

func (s *Server) handleTimelineDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	sampleLimit, err := queryInt(r, "sample_limit", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	report, err := s.integrity.TimelineDiff(r.Context(), r.PathValue("id"), r.URL.Query().Get("base_run_id"), sampleLimit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReplayIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	maxItems, err := queryInt(r, "max_items_per_stream", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	report, err := s.integrity.Replay(r.Context(), r.PathValue("id"), maxItems)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReplayExport(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, s.integrity.ReplayExport)
}

func (s *Server) handleIncidentExport(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, s.integrity.IncidentExport)
}

// handleExport serves both signed export endpoints; they differ only in
// which streams the envelope carries.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, export func(context.Context, string, int) (*integrity.SignedExport, error)) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	maxItems, err := queryInt(r, "max_items_per_stream", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	signed, err := export(r.Context(), r.PathValue("id"), maxItems)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func (s *Server) handleReplayDrift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	maxItems, err := queryInt(r, "max_items_per_stream", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	summary, err := s.integrity.Drift(r.Context(), integrity.DriftQuery{
		Limit:               limit,
		IncludePending:      queryBool(r, "include_pending"),
		AlertOnInconclusive: queryBool(r, "alert_on_inconclusive"),
		MaxItemsPerStream:   maxItems,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
