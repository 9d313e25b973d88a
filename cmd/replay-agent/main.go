// Replay-agent is an AI assistant for manual HTTP security testing.
//
// Each replay session holds one editable raw HTTP request and a target
// connection. An agent bound to the session edits the request, replays
// it against the target, inspects responses and reports findings. The
// API server exposes sessions, agent turns and a WebSocket stream of
// agent state. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	replay-agent serve                          Start the API server
//	replay-agent init [dir]                     Write an example config
//	replay-agent ask <url> <request-file> <msg> Run one agent turn
//	replay-agent version                        Print version information
//	replay-agent -o json version                Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/replay-agent/internal/agent"
	"github.com/nugget/replay-agent/internal/api"
	"github.com/nugget/replay-agent/internal/buildinfo"
	"github.com/nugget/replay-agent/internal/config"
	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/findings"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/session"
	"github.com/nugget/replay-agent/internal/tools"
	"github.com/nugget/replay-agent/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs go
// to stdout and args is os.Args[1:]. Arguments are parsed by hand to
// avoid the flag package's globals, which keeps run safe to call from
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: replay-agent ask <url> <request-file> <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "replay-agent - AI assistant for HTTP replay testing")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: replay-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                           Start the API server")
	fmt.Fprintln(w, "  init [dir]                      Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <url> <request-file> <msg>  Run one agent turn against a raw request")
	fmt.Fprintln(w, "  version                         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// stack is everything a session agent needs, built once from config.
type stack struct {
	bus      *events.Bus
	sessions *replay.Store
	findings *findings.Store
	usage    *usage.Store
	registry *session.Registry

	closers []func() error
}

func (s *stack) Close() {
	if s.registry != nil {
		s.registry.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// newStack opens the data directory stores and wires the session
// registry to the configured model provider.
func newStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st := &stack{
		bus:      events.New(),
		sessions: replay.NewStore(),
	}

	// All persistent state (findings and token usage) lives here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	findingsPath := filepath.Join(cfg.DataDir, "findings.db")
	db, err := sql.Open("sqlite3", findingsPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open findings database: %w", err)
	}
	st.closers = append(st.closers, db.Close)
	st.findings, err = findings.NewStore(db)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open findings database %s: %w", findingsPath, err)
	}
	logger.Info("findings database opened", "path", findingsPath)

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	st.usage, err = usage.NewStore(usagePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	st.closers = append(st.closers, st.usage.Close)

	transport, err := llm.NewTransport(cfg.Model.Provider, cfg.Model.APIKey, cfg.Model.BaseURL, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Info("model transport initialized", "provider", cfg.Model.Provider, "model", cfg.Model.Name)

	evaluator, err := tools.NewEvaluator(cfg.Agent.EvalTimeout)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create evaluator: %w", err)
	}

	client := replay.NewClient(st.sessions, st.bus, logger, replay.ClientOptions{
		Timeout:          cfg.Replay.Timeout,
		VerifyTLS:        cfg.Replay.VerifyTLS,
		MaxResponseBytes: cfg.Replay.MaxResponseBytes,
	})

	st.registry = session.NewRegistry(session.Options{
		Sessions:  st.sessions,
		Transport: transport,
		Tools: tools.BuiltinRegistry(tools.Options{
			SendTimeout:      cfg.Agent.SendTimeout,
			MaxResponseBytes: cfg.Agent.MaxResponseBytes,
		}),
		Sender:    client,
		Responses: st.sessions,
		Findings:  st.findings,
		Evaluator: evaluator,
		Usage:     st.usage,
		Pricing:   cfg.Pricing,
		Bus:       st.bus,
		Logger:    logger,
		Agent: agent.Config{
			Model:           cfg.Model.Name,
			Provider:        cfg.Model.Provider,
			MaxIterations:   cfg.Agent.MaxIterations,
			Reasoning:       cfg.Model.Reasoning,
			ReasoningBudget: cfg.Model.ReasoningBudget,
			MaxTokens:       cfg.Model.MaxTokens,
		},
	})
	return st, nil
}

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, "info", "text")
	logger.Info("starting replay-agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Everything after the banner uses the configured level and format.
	logger = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "provider", cfg.Model.Provider, "model", cfg.Model.Name)

	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	server := api.NewServer(api.Options{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Sessions: st.sessions,
		Agents:   st.registry,
		Findings: st.findings,
		Usage:    st.usage,
		Bus:      st.bus,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Abort running turns before the listener closes.
		st.registry.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("replay-agent stopped")
	return nil
}

// runAsk creates a session from a raw request file, runs a single agent
// turn and prints the transcript. Logs go to stderr so the transcript
// stays clean.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	conn, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if _, err := draft.Parse(string(raw)); err != nil {
		return fmt.Errorf("parse request %s: %w", args[1], err)
	}
	message := strings.Join(args[2:], " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.sessions.CreateSession(conn, string(raw))
	if err != nil {
		return err
	}
	a, err := st.registry.Agent(ctx, sess.ID)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := a.Run(ctx, message)
	snap := a.Snapshot()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return runErr
	}
	printTranscript(stdout, snap)
	return runErr
}

// parseTarget turns http(s)://host[:port] into a connection.
func parseTarget(s string) (draft.Connection, error) {
	u, err := url.Parse(s)
	if err != nil {
		return draft.Connection{}, fmt.Errorf("parse target: %w", err)
	}
	var conn draft.Connection
	switch u.Scheme {
	case "http":
		conn.Port = 80
	case "https":
		conn.TLS = true
		conn.Port = 443
	default:
		return draft.Connection{}, fmt.Errorf("target %q: scheme must be http or https", s)
	}
	conn.Host = u.Hostname()
	if conn.Host == "" {
		return draft.Connection{}, fmt.Errorf("target %q: missing host", s)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return draft.Connection{}, fmt.Errorf("target %q: invalid port", s)
		}
		conn.Port = n
	}
	return conn, nil
}

func printTranscript(w io.Writer, snap agent.Snapshot) {
	for _, m := range snap.Messages {
		switch m.Role {
		case agent.RoleUser:
			fmt.Fprintf(w, "> %s\n\n", m.Content)
		case agent.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(w, "%s\n\n", m.Content)
			}
		case agent.RoleTool:
			label := m.Tool
			if m.Summary != nil && m.Summary.Message != "" {
				label = m.Summary.Message
			}
			fmt.Fprintf(w, "  [%s] %s\n", m.State, label)
		case agent.RoleError:
			fmt.Fprintf(w, "error: %s\n", m.Content)
		}
	}
	fmt.Fprintf(w, "\n(stopped: %s after %d iterations)\n", snap.StopReason, snap.Iteration)
	if snap.Draft != "" {
		fmt.Fprintf(w, "\n--- final request ---\n%s\n", snap.Draft)
	}
}

// loadConfig locates, parses and validates the configuration file.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
