package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/replay-agent/internal/findings"
	"github.com/nugget/replay-agent/internal/usage"
)

func (s *Server) handleFindingList(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "finding store not configured")
		return
	}

	records, err := s.findings.List(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.logger.Error("finding list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list findings")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(records),
		"findings": records,
	}, s.logger)
}

func (s *Server) handleFindingGet(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "finding store not configured")
		return
	}

	id := r.PathValue("id")
	rec, err := s.findings.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, findings.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "finding not found")
			return
		}
		s.logger.Error("finding get failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load finding")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

// UsageResponse reports token usage over a trailing window.
type UsageResponse struct {
	SessionID string                    `json:"session_id,omitempty"`
	Start     time.Time                 `json:"start"`
	End       time.Time                 `json:"end"`
	Total     *usage.Summary            `json:"total"`
	ByModel   map[string]*usage.Summary `json:"by_model,omitempty"`
}

// handleUsage reports usage for the last ?hours= (default 24),
// optionally narrowed to ?session_id=.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	sessionID := r.URL.Query().Get("session_id")

	total, err := s.usage.Summary(r.Context(), sessionID, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	resp := UsageResponse{SessionID: sessionID, Start: start, End: end, Total: total}
	if sessionID == "" {
		resp.ByModel, err = s.usage.SummaryByModel(r.Context(), start, end)
		if err != nil {
			s.logger.Error("usage by model failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
