package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/prompts"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/todo"
)

// ContextProvider supplies text that is attached to one model query and
// then thrown away.
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is concatenated with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CompositeContextProvider{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", fmt.Sprintf("%T", p), "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

// SessionContextProvider renders the freshest draft, connection and
// todo list.
type SessionContextProvider struct {
	draft *draft.Draft
	todos *todo.Tracker
}

// NewSessionContextProvider creates a provider over one session's
// draft and todo list. Either may be nil.
func NewSessionContextProvider(d *draft.Draft, todos *todo.Tracker) *SessionContextProvider {
	return &SessionContextProvider{draft: d, todos: todos}
}

// GetContext implements [ContextProvider].
func (p *SessionContextProvider) GetContext(_ context.Context, _ string) (string, error) {
	if p.draft == nil {
		return "", nil
	}
	todos := "(no todos)"
	if p.todos != nil {
		todos = p.todos.Summary()
	}
	return prompts.SessionContext(Target(p.draft.Connection()), p.draft.Raw(), todos), nil
}

// Target formats a connection for display, e.g.
// "https://example.com:443 (SNI cdn.example.com)".
func Target(c draft.Connection) string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	s := scheme + "://" + c.Addr()
	if c.TLS && c.SNI != "" && c.SNI != c.Host {
		s += " (SNI " + c.SNI + ")"
	}
	return s
}

// FindingCounter counts recorded findings per severity.
type FindingCounter interface {
	CountBySeverity(ctx context.Context, sessionID string) (map[replay.Severity]int, error)
}

// FindingsContextProvider reminds the model what it has already
// reported for the session, so it does not file duplicates.
type FindingsContextProvider struct {
	counter   FindingCounter
	sessionID string
}

// NewFindingsContextProvider creates a provider for one session.
func NewFindingsContextProvider(counter FindingCounter, sessionID string) *FindingsContextProvider {
	return &FindingsContextProvider{counter: counter, sessionID: sessionID}
}

var severityOrder = []replay.Severity{
	replay.SeverityCritical,
	replay.SeverityHigh,
	replay.SeverityMedium,
	replay.SeverityLow,
	replay.SeverityInfo,
}

// GetContext implements [ContextProvider]. It returns "" when nothing
// has been reported.
func (p *FindingsContextProvider) GetContext(ctx context.Context, _ string) (string, error) {
	if p.counter == nil {
		return "", nil
	}
	counts, err := p.counter.CountBySeverity(ctx, p.sessionID)
	if err != nil {
		return "", fmt.Errorf("count findings: %w", err)
	}
	var parts []string
	for _, sev := range severityOrder {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", sev, n))
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "### Findings Already Reported\n" + strings.Join(parts, ", "), nil
}
