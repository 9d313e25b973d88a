// Package agent implements the conversation/tool-call loop that drives
// one replay session: it streams model output, dispatches the tool calls
// the model asks for against the session's draft, feeds the results back
// and repeats until the model is done, pauses, or runs out of
// iterations.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/replay-agent/internal/config"
	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/prompts"
	"github.com/nugget/replay-agent/internal/todo"
	"github.com/nugget/replay-agent/internal/tools"
	"github.com/nugget/replay-agent/internal/usage"
)

// DefaultMaxIterations caps model queries per turn when the config
// leaves it unset.
const DefaultMaxIterations = 25

// ErrBusy is returned when a turn is started while another is running.
var ErrBusy = errors.New("agent is already running")

// Status is the agent's externally visible state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusQueryingAI   Status = "queryingAI"
	StatusCallingTools Status = "callingTools"
	StatusError        Status = "error"
)

// StopReason records how the last turn ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopPaused        StopReason = "paused"
	StopMaxIterations StopReason = "max_iterations"
	StopAborted       StopReason = "aborted"
	StopError         StopReason = "error"
)

// UI message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleError     = "error"
)

// UI message states.
const (
	StateStreaming = "streaming"
	StateCompleted = "completed"
	StateError     = "error"
)

// UIMessage is one entry of the user-facing transcript. Assistant
// messages are rewritten in place while they stream; tool messages
// start streaming when the call is dispatched and complete with its
// summary.
type UIMessage struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	State      string         `json:"state"`
	Content    string         `json:"content,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	Summary    *tools.Summary `json:"summary,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Snapshot is a point-in-time copy of everything a UI renders.
type Snapshot struct {
	SessionID  string           `json:"session_id"`
	Status     Status           `json:"status"`
	StopReason StopReason       `json:"stop_reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Iteration  int              `json:"iteration"`
	Messages   []UIMessage      `json:"messages"`
	Todos      []todo.Item      `json:"todos"`
	Draft      string           `json:"draft"`
	Connection draft.Connection `json:"connection"`
	CanRevert  bool             `json:"can_revert"`
}

// UsageRecorder persists token usage for each model query.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds the per-agent generation settings.
type Config struct {
	Model    string
	Provider string

	// MaxIterations caps model queries per turn.
	MaxIterations int

	Reasoning       bool
	ReasoningBudget int
	MaxTokens       int

	ParallelToolCalls bool

	// SystemPrompt defaults to [prompts.BaseSystemPrompt].
	SystemPrompt string
}

// Options wires an agent to its collaborators. Transport and Tools are
// required.
type Options struct {
	SessionID string
	Transport llm.Transport
	Tools     *tools.Registry
	// Env is the dispatch environment. Its Draft and Todos are the
	// session state the agent reports in snapshots.
	Env *tools.Env
	// Context supplies the ephemeral per-query context. Nil uses a
	// [SessionContextProvider] over Env.
	Context ContextProvider
	Usage   UsageRecorder
	Pricing map[string]config.PricingEntry
	Bus     *events.Bus
	Logger  *slog.Logger
	Config  Config
}

// Agent runs turns for one session. Methods are safe for concurrent
// use; only one turn runs at a time.
type Agent struct {
	sessionID string
	transport llm.Transport
	registry  *tools.Registry
	env       *tools.Env
	provider  ContextProvider
	usage     UsageRecorder
	pricing   map[string]config.PricingEntry
	bus       *events.Bus
	logger    *slog.Logger
	cfg       Config
	tracer    trace.Tracer

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	status     Status
	stopReason StopReason
	lastErr    string
	iteration  int
	history    []llm.Message
	ui         []UIMessage
}

// New creates an idle agent.
func New(opts Options) (*Agent, error) {
	if opts.Transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("agent: tool registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", opts.SessionID)

	env := opts.Env
	if env == nil {
		env = &tools.Env{}
	}
	env.SessionID = opts.SessionID
	if env.Todos == nil {
		env.Todos = todo.NewTracker()
	}
	if env.Bus == nil {
		env.Bus = opts.Bus
	}
	if env.Logger == nil {
		env.Logger = logger
	}

	cfg := opts.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.BaseSystemPrompt()
	}

	cp := opts.Context
	if cp == nil {
		cp = NewSessionContextProvider(env.Draft, env.Todos)
	}

	a := &Agent{
		sessionID: opts.SessionID,
		transport: opts.Transport,
		registry:  opts.Tools,
		env:       env,
		provider:  cp,
		usage:     opts.Usage,
		pricing:   opts.Pricing,
		bus:       opts.Bus,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/nugget/replay-agent/internal/agent"),
		status:    StatusIdle,
	}

	env.Todos.OnChange(func(items []todo.Item) {
		a.publish(events.KindTodos, map[string]any{"count": len(items)})
	})
	if env.Draft != nil {
		env.Draft.OnChange(func(raw string) {
			a.publish(events.KindDraft, map[string]any{"length": len(raw)})
		})
	}
	return a, nil
}

// SessionID returns the session this agent serves.
func (a *Agent) SessionID() string { return a.sessionID }

// Status returns the current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Running reports whether a turn is in progress.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// History returns a copy of the model-facing conversation.
func (a *Agent) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.history...)
}

// Snapshot returns a copy of the agent's visible state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	s := Snapshot{
		SessionID:  a.sessionID,
		Status:     a.status,
		StopReason: a.stopReason,
		Error:      a.lastErr,
		Iteration:  a.iteration,
		Messages:   make([]UIMessage, len(a.ui)),
	}
	copy(s.Messages, a.ui)
	a.mu.Unlock()

	s.Todos = a.env.Todos.List()
	if s.Todos == nil {
		s.Todos = []todo.Item{}
	}
	if d := a.env.Draft; d != nil {
		s.Draft = d.Raw()
		s.Connection = d.Connection()
		s.CanRevert = d.CanRevert()
	}
	return s
}

// Abort cancels the running turn. It reports whether a turn was
// running. Effects already applied are kept.
func (a *Agent) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.cancel()
	return true
}

// Reset clears the conversation and the todo list. The draft is left
// alone.
func (a *Agent) Reset() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrBusy
	}
	a.history = nil
	a.ui = nil
	a.status = StatusIdle
	a.stopReason = ""
	a.lastErr = ""
	a.iteration = 0
	a.mu.Unlock()

	a.env.Todos.Clear()
	a.publish(events.KindStatus, map[string]any{"status": string(StatusIdle)})
	return nil
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
	a.publish(events.KindStatus, map[string]any{"status": string(s)})
}

// appendUILocked adds a message and returns a copy of it.
func (a *Agent) appendUILocked(m UIMessage) UIMessage {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	a.ui = append(a.ui, m)
	return m
}

// updateUILocked applies fn to the message with id and returns a copy.
func (a *Agent) updateUILocked(id string, fn func(*UIMessage)) (UIMessage, bool) {
	for i := len(a.ui) - 1; i >= 0; i-- {
		if a.ui[i].ID == id {
			fn(&a.ui[i])
			return a.ui[i], true
		}
	}
	return UIMessage{}, false
}

func (a *Agent) addUI(m UIMessage) UIMessage {
	a.mu.Lock()
	m = a.appendUILocked(m)
	a.mu.Unlock()
	a.publishUI(m)
	return m
}

func (a *Agent) updateUI(id string, fn func(*UIMessage)) {
	a.mu.Lock()
	m, ok := a.updateUILocked(id, fn)
	a.mu.Unlock()
	if ok {
		a.publishUI(m)
	}
}

func (a *Agent) publishUI(m UIMessage) {
	a.publish(events.KindUIMessage, map[string]any{
		"message_id": m.ID,
		"role":       m.Role,
		"state":      m.State,
	})
}

func (a *Agent) publish(kind string, data map[string]any) {
	if a.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["session_id"] = a.sessionID
	a.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}
