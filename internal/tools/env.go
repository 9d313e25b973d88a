package tools

import (
	"errors"
	"log/slog"

	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/todo"
)

// Env is what a tool handler can reach: one session's draft and
// scratchpad plus the host collaborators. Nil collaborators make the
// tools that need them fail with a clear error.
type Env struct {
	SessionID string
	Draft     *draft.Draft
	Todos     *todo.Tracker

	Sender    replay.Sender
	Responses replay.ResponseFetcher
	Findings  replay.FindingSink
	Evaluator *Evaluator
	Bus       *events.Bus

	Logger *slog.Logger
}

func (e *Env) draft() (*draft.Draft, error) {
	if e == nil || e.Draft == nil {
		return nil, errors.New("no request draft is attached to this session")
	}
	return e.Draft, nil
}

func (e *Env) todos() (*todo.Tracker, error) {
	if e == nil || e.Todos == nil {
		return nil, errors.New("todo list is not available")
	}
	return e.Todos, nil
}
