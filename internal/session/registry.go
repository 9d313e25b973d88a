// Package session maps replay session ids to their live agents. Each
// session gets at most one agent, built on first use from the session's
// stored request; edits the agent makes to the draft are written back
// to the session store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/replay-agent/internal/agent"
	"github.com/nugget/replay-agent/internal/config"
	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/todo"
	"github.com/nugget/replay-agent/internal/tools"
)

// ErrClosed is returned by a registry that has been shut down.
var ErrClosed = errors.New("session registry is closed")

// Store is the session data source the registry reads drafts from and
// writes edits back to.
type Store interface {
	replay.SessionSource
	UpdateRaw(id, raw string) error
	DeleteSession(id string) error
}

// Options holds the collaborators shared by every agent.
type Options struct {
	Sessions  Store
	Transport llm.Transport
	Tools     *tools.Registry

	Sender    replay.Sender
	Responses replay.ResponseFetcher
	// Findings receives reported findings. If it also implements
	// [agent.FindingCounter], agents are reminded what they have
	// already reported.
	Findings  replay.FindingSink
	Evaluator *tools.Evaluator

	Usage   agent.UsageRecorder
	Pricing map[string]config.PricingEntry
	Bus     *events.Bus
	Logger  *slog.Logger
	Agent   agent.Config
}

// Registry owns the live agents.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		logger: logger.With("component", "sessions"),
		agents: make(map[string]*agent.Agent),
	}
}

// Agent returns the session's agent, creating it on first access. It
// fails with [replay.ErrSessionGone] when the store does not know the
// session.
func (r *Registry) Agent(ctx context.Context, id string) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.agents[id]; ok {
		return a, nil
	}

	sess, err := r.opts.Sessions.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := r.build(sess)
	if err != nil {
		return nil, fmt.Errorf("create agent for session %s: %w", id, err)
	}
	r.agents[id] = a

	r.logger.Info("agent created", "session_id", id, "target", agent.Target(sess.Connection))
	r.opts.Bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionOpened,
		Data:   map[string]any{"session_id": id},
	})
	return a, nil
}

func (r *Registry) build(sess *replay.Session) (*agent.Agent, error) {
	id := sess.ID
	logger := r.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := draft.New(sess.Raw, sess.Connection)
	d.OnChange(func(raw string) {
		if err := r.opts.Sessions.UpdateRaw(id, raw); err != nil {
			r.logger.Warn("draft write-back failed", "session_id", id, "error", err)
		}
	})

	env := &tools.Env{
		SessionID: id,
		Draft:     d,
		Todos:     todo.NewTracker(),
		Sender:    r.opts.Sender,
		Responses: r.opts.Responses,
		Findings:  r.opts.Findings,
		Evaluator: r.opts.Evaluator,
		Bus:       r.opts.Bus,
		Logger:    logger.With("session_id", id),
	}

	provider := agent.NewCompositeContextProvider(logger,
		agent.NewSessionContextProvider(d, env.Todos))
	if counter, ok := r.opts.Findings.(agent.FindingCounter); ok {
		provider.Add(agent.NewFindingsContextProvider(counter, id))
	}

	return agent.New(agent.Options{
		SessionID: id,
		Transport: r.opts.Transport,
		Tools:     r.opts.Tools,
		Env:       env,
		Context:   provider,
		Usage:     r.opts.Usage,
		Pricing:   r.opts.Pricing,
		Bus:       r.opts.Bus,
		Logger:    logger,
		Config:    r.opts.Agent,
	})
}

// Lookup returns an existing agent without creating one.
func (r *Registry) Lookup(id string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// IDs returns the ids of sessions with a live agent, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Discard aborts and forgets the session's agent. It reports whether
// one existed. The next [Registry.Agent] call builds a fresh agent from
// the stored draft.
func (r *Registry) Discard(id string) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	a.Abort()
	r.logger.Info("agent discarded", "session_id", id)
	r.opts.Bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionClosed,
		Data:   map[string]any{"session_id": id},
	})
	return true
}

// Delete removes the session from the store, then discards its agent.
// Once the store forgets the session no lookup can rebuild the agent,
// so nothing is left behind for a deleted session.
func (r *Registry) Delete(id string) error {
	if err := r.opts.Sessions.DeleteSession(id); err != nil {
		return err
	}
	r.Discard(id)
	return nil
}

// Close aborts every agent and rejects further lookups.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	agents := r.agents
	r.agents = make(map[string]*agent.Agent)
	r.mu.Unlock()

	for _, a := range agents {
		a.Abort()
	}
	r.logger.Info("session registry closed", "agents", len(agents))
}
