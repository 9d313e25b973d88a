package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/replay-agent/internal/agent"
	"github.com/nugget/replay-agent/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod
)

// The default origin check only admits same-origin browsers and
// non-browser clients.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// Frame is one WebSocket message sent to the client.
type Frame struct {
	Type string `json:"type"` // snapshot or closed
	// Event is the bus event kind that triggered the frame; empty for
	// the initial snapshot.
	Event    string          `json:"event,omitempty"`
	Snapshot *agent.Snapshot `json:"snapshot,omitempty"`
}

// handleWebSocket streams the session's agent snapshots: one on
// connect, then one after every agent event for the session. The
// stream ends with a closed frame when the session is discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.agents.Agent(r.Context(), id)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	// Subscribe before the first snapshot so nothing falls in between.
	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	logger := s.logger.With("session_id", id, "remote", r.RemoteAddr)
	logger.Debug("websocket connected")

	// The client sends nothing we act on; reading surfaces its close and
	// keeps pong handling running.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read failed", "error", err)
				}
				return
			}
		}
	}()

	send := func(f Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	snap := a.Snapshot()
	if !send(Frame{Type: "snapshot", Snapshot: &snap}) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.SessionID() != id {
				continue
			}
			if ev.Source == events.SourceSession && ev.Kind == events.KindSessionClosed {
				send(Frame{Type: "closed", Event: ev.Kind})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if ev.Source != events.SourceAgent {
				continue
			}
			snap := a.Snapshot()
			if !send(Frame{Type: "snapshot", Event: ev.Kind, Snapshot: &snap}) {
				return
			}
		}
	}
}
