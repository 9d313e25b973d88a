package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/replay-agent/internal/replay"
	"github.com/nugget/replay-agent/internal/todo"
)

// PauseToolName is the tool the loop treats as a request to stop and
// hand control back to the user.
const PauseToolName = "pause"

type addTodoArgs struct {
	ID      string `json:"id" jsonschema_description:"Short unique id for the item, for example 1 or sqli-login."`
	Content string `json:"content" jsonschema_description:"What needs to be done."`
}

type updateTodoArgs struct {
	ID      string  `json:"id" jsonschema_description:"Id of an existing item."`
	Content *string `json:"content,omitempty" jsonschema_description:"New content. Omit to keep the current content."`
	Status  *string `json:"status,omitempty" jsonschema:"enum=pending,enum=completed" jsonschema_description:"New status. Omit to keep the current status."`
}

type reportFindingArgs struct {
	Title       string `json:"title" jsonschema_description:"One-line title of the finding."`
	Description string `json:"description" jsonschema_description:"Markdown description: what was found, how it was verified, and the impact."`
	Severity    string `json:"severity,omitempty" jsonschema:"enum=info,enum=low,enum=medium,enum=high,enum=critical" jsonschema_description:"Severity. Defaults to info."`
}

type pauseArgs struct {
	Reason string `json:"reason,omitempty" jsonschema_description:"Why control is handed back to the user."`
}

func sessionTools() []*Tool {
	return []*Tool{
		Define("addTodo",
			"Add an item to your task list for this session.",
			func(_ context.Context, env *Env, a *addTodoArgs) (any, error) {
				tr, err := env.todos()
				if err != nil {
					return nil, err
				}
				if _, err := tr.Add(a.ID, a.Content); err != nil {
					return nil, err
				}
				return tr.Summary(), nil
			},
			func(a *addTodoArgs, _ any, err error) Summary {
				if err != nil {
					return Summary{Message: "Could not add todo " + a.ID}
				}
				return Summary{Icon: IconTodo, Message: "Added todo: " + truncateLine(a.Content, 80)}
			}),

		Define("updateTodo",
			"Update the content or status of an item on your task list.",
			func(_ context.Context, env *Env, a *updateTodoArgs) (any, error) {
				tr, err := env.todos()
				if err != nil {
					return nil, err
				}
				u := todo.Update{Content: a.Content}
				if a.Status != nil {
					st := todo.Status(*a.Status)
					u.Status = &st
				}
				if _, err := tr.Update(a.ID, u); err != nil {
					return nil, err
				}
				return tr.Summary(), nil
			},
			func(a *updateTodoArgs, _ any, err error) Summary {
				if err != nil {
					return Summary{Message: "Could not update todo " + a.ID}
				}
				if a.Status != nil && *a.Status == string(todo.StatusCompleted) {
					return Summary{Icon: IconTodo, Message: "Completed todo " + a.ID}
				}
				return Summary{Icon: IconTodo, Message: "Updated todo " + a.ID}
			}),

		Define("reportFinding",
			"Report a verified security finding for this session. Only report issues you have confirmed with a request and response.",
			func(ctx context.Context, env *Env, a *reportFindingArgs) (any, error) {
				if env == nil || env.Findings == nil {
					return nil, errors.New("finding reporting is not available")
				}
				sev, err := replay.ParseSeverity(a.Severity)
				if err != nil {
					return nil, err
				}
				f := replay.Finding{
					SessionID:   env.SessionID,
					Title:       a.Title,
					Description: a.Description,
					Severity:    sev,
				}
				if env.Draft != nil {
					f.Request = env.Draft.Raw()
				}
				if err := env.Findings.ReportFinding(ctx, f); err != nil {
					return nil, fmt.Errorf("report finding: %w", err)
				}
				return fmt.Sprintf("Finding %q reported with severity %s", a.Title, sev), nil
			},
			func(a *reportFindingArgs, _ any, err error) Summary {
				if err != nil {
					return Summary{Message: "Could not report finding"}
				}
				sev := a.Severity
				if sev == "" {
					sev = string(replay.SeverityInfo)
				}
				return Summary{Icon: IconFlag, Message: "Reported finding: " + truncateLine(a.Title, 80), Details: "Severity: " + sev}
			}),

		Define(PauseToolName,
			"Stop working and hand control back to the user, for example to ask a question or when the task is blocked. "+
				"No further tools run after a pause.",
			func(_ context.Context, _ *Env, a *pauseArgs) (any, error) {
				if a.Reason != "" {
					return "Paused: " + a.Reason, nil
				}
				return "Paused", nil
			},
			func(a *pauseArgs, _ any, _ error) Summary {
				return Summary{Icon: IconPause, Message: "Paused", Details: a.Reason}
			}),
	}
}
