// Package api implements the HTTP API: replay sessions, agent turns,
// a WebSocket stream of agent snapshots, findings and usage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/replay-agent/internal/buildinfo"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/findings"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/session"
	"github.com/nugget/replay-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// FindingReader is the read side of the finding store.
type FindingReader interface {
	List(ctx context.Context, sessionID string) ([]*findings.Record, error)
	Get(ctx context.Context, id string) (*findings.Record, error)
}

// UsageReader is the read side of the usage store.
type UsageReader interface {
	Summary(ctx context.Context, sessionID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Options holds the server's collaborators. Findings and Usage may be
// nil; their endpoints then answer 503.
type Options struct {
	Address  string
	Port     int
	Sessions *replay.Store
	Agents   *session.Registry
	Findings FindingReader
	Usage    UsageReader
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *replay.Store
	agents   *session.Registry
	findings FindingReader
	usage    UsageReader
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	// turnCtx parents agent turns started over HTTP. Turns outlive the
	// request that started them.
	turnCtx context.Context
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	return &Server{
		address:  opts.Address,
		port:     opts.Port,
		sessions: opts.Sessions,
		agents:   opts.Agents,
		findings: opts.Findings,
		usage:    opts.Usage,
		bus:      bus,
		logger:   logger.With("component", "api"),
		turnCtx:  context.Background(),
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)

	// Agent
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/sessions/{id}/agent", s.handleAgentSnapshot)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleWebSocket)

	// Findings and usage
	mux.HandleFunc("GET /v1/findings", s.handleFindingList)
	mux.HandleFunc("GET /v1/findings/{id}", s.handleFindingGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Turns started over HTTP are
// cancelled when ctx is.
func (s *Server) Start(ctx context.Context) error {
	s.turnCtx = ctx
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: WebSocket streams are long-lived.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "replay-agent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
