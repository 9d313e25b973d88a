package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/replay-agent/internal/agent"
	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/session"
)

// CreateSessionRequest opens a replay session.
type CreateSessionRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
	SNI  string `json:"sni,omitempty"`
	Raw  string `json:"raw"`
}

// MessageRequest starts an agent turn.
type MessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Raw) == "" {
		s.errorResponse(w, http.StatusBadRequest, "raw request is required")
		return
	}
	if _, err := draft.Parse(req.Raw); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "raw request: "+err.Error())
		return
	}

	conn := draft.Connection{Host: req.Host, Port: req.Port, TLS: req.TLS, SNI: req.SNI}
	sess, err := s.sessions.CreateSession(conn, req.Raw)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("session created", "session_id", sess.ID, "target", agent.Target(conn))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agents.Delete(id); err != nil {
		s.sessionError(w, err)
		return
	}
	s.logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	a, err := s.agents.Agent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if err := a.Start(s.turnCtx, req.Message); err != nil {
		if errors.Is(err, agent.ErrBusy) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, a.Snapshot(), s.logger)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aborted := false
	if a, ok := s.agents.Lookup(id); ok {
		aborted = a.Abort()
	} else if _, err := s.sessions.Session(r.Context(), id); err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session_id": id, "aborted": aborted}, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a, ok := s.agents.Lookup(id); ok {
		if err := a.Reset(); err != nil {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
	} else if _, err := s.sessions.Session(r.Context(), id); err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session_id": id, "status": "reset"}, s.logger)
}

func (s *Server) handleAgentSnapshot(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Agent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, a.Snapshot(), s.logger)
}

// sessionError maps session lookup failures to status codes.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrSessionGone):
		s.errorResponse(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.logger.Error("session lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session lookup failed")
	}
}
