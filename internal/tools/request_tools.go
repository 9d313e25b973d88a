package tools

import (
	"context"
	"fmt"

	"github.com/nugget/replay-agent/internal/draft"
)

// Messages returned by every request mutator.
const (
	MsgRequestUpdated = "Request has been updated"
	MsgNoChanges      = "No changes were made to the request"
)

type setMethodArgs struct {
	Method string `json:"method" jsonschema_description:"HTTP method, for example GET, POST or PUT."`
}

type setPathArgs struct {
	Path string `json:"path" jsonschema_description:"Request path without query string, for example /api/users/1."`
}

type setHeaderArgs struct {
	Name  string `json:"name" jsonschema_description:"Header name. An existing header with the same name (case-insensitive) is replaced."`
	Value string `json:"value" jsonschema_description:"Header value."`
}

type removeHeaderArgs struct {
	Name string `json:"name" jsonschema_description:"Header name to remove (case-insensitive)."`
}

type setQueryArgs struct {
	Name  string `json:"name" jsonschema_description:"Query parameter name."`
	Value string `json:"value" jsonschema_description:"Unencoded parameter value; it is URL-encoded for you."`
}

type removeQueryArgs struct {
	Name string `json:"name" jsonschema_description:"Query parameter name to remove."`
}

type setBodyArgs struct {
	Body string `json:"body" jsonschema_description:"New request body. Content-Length is updated automatically."`
}

type replaceTextArgs struct {
	Match   string `json:"match" jsonschema_description:"Exact text to find anywhere in the raw request."`
	Replace string `json:"replace" jsonschema_description:"Replacement text. Every occurrence of match is replaced."`
}

type setRawArgs struct {
	Raw string `json:"raw" jsonschema_description:"The complete raw HTTP request, including request line, headers and body."`
}

type noArgs struct{}

// mutation is the result of a request mutator.
type mutation struct {
	Changed bool
}

func (m mutation) String() string {
	if m.Changed {
		return MsgRequestUpdated
	}
	return MsgNoChanges
}

func applyMutator(env *Env, m draft.Mutator) (any, error) {
	d, err := env.draft()
	if err != nil {
		return nil, err
	}
	changed, err := d.Apply(m)
	if err != nil {
		return nil, err
	}
	return mutation{Changed: changed}, nil
}

func mutationSummary(action string) func(result any) Summary {
	return func(result any) Summary {
		if m, ok := result.(mutation); ok && !m.Changed {
			return Summary{Icon: IconEdit, Message: action + " (no change)"}
		}
		return Summary{Icon: IconEdit, Message: action}
	}
}

func requestTools() []*Tool {
	return []*Tool{
		Define("setRequestMethod",
			"Change the HTTP method of the draft request.",
			func(_ context.Context, env *Env, a *setMethodArgs) (any, error) {
				return applyMutator(env, draft.SetMethod(a.Method))
			},
			func(a *setMethodArgs, result any, _ error) Summary {
				return mutationSummary("Set method to "+a.Method)(result)
			}),

		Define("setRequestPath",
			"Change the path of the draft request. The query string is kept.",
			func(_ context.Context, env *Env, a *setPathArgs) (any, error) {
				return applyMutator(env, draft.SetPath(a.Path))
			},
			func(a *setPathArgs, result any, _ error) Summary {
				return mutationSummary("Set path to "+truncateLine(a.Path, 80))(result)
			}),

		Define("setRequestHeader",
			"Add a header to the draft request, or replace it if it already exists.",
			func(_ context.Context, env *Env, a *setHeaderArgs) (any, error) {
				return applyMutator(env, draft.SetHeader(a.Name, a.Value))
			},
			func(a *setHeaderArgs, result any, _ error) Summary {
				s := mutationSummary("Set header " + a.Name)(result)
				s.Details = truncateLine(a.Value, 120)
				return s
			}),

		Define("removeRequestHeader",
			"Remove a header from the draft request.",
			func(_ context.Context, env *Env, a *removeHeaderArgs) (any, error) {
				return applyMutator(env, draft.RemoveHeader(a.Name))
			},
			func(a *removeHeaderArgs, result any, _ error) Summary {
				return mutationSummary("Removed header "+a.Name)(result)
			}),

		Define("setRequestQuery",
			"Set a query parameter on the draft request, keeping the order of the other parameters.",
			func(_ context.Context, env *Env, a *setQueryArgs) (any, error) {
				return applyMutator(env, draft.SetQuery(a.Name, a.Value))
			},
			func(a *setQueryArgs, result any, _ error) Summary {
				s := mutationSummary("Set query parameter " + a.Name)(result)
				s.Details = truncateLine(a.Value, 120)
				return s
			}),

		Define("removeRequestQuery",
			"Remove a query parameter from the draft request.",
			func(_ context.Context, env *Env, a *removeQueryArgs) (any, error) {
				return applyMutator(env, draft.RemoveQuery(a.Name))
			},
			func(a *removeQueryArgs, result any, _ error) Summary {
				return mutationSummary("Removed query parameter "+a.Name)(result)
			}),

		Define("setRequestBody",
			"Replace the body of the draft request.",
			func(_ context.Context, env *Env, a *setBodyArgs) (any, error) {
				return applyMutator(env, draft.SetBody(a.Body))
			},
			func(a *setBodyArgs, result any, _ error) Summary {
				s := mutationSummary("Set request body")(result)
				s.Details = fmt.Sprintf("%d bytes", len(a.Body))
				return s
			}),

		Define("replaceRequestText",
			"Replace every occurrence of a literal string anywhere in the raw draft request.",
			func(_ context.Context, env *Env, a *replaceTextArgs) (any, error) {
				return applyMutator(env, draft.ReplaceText(a.Match, a.Replace))
			},
			func(a *replaceTextArgs, result any, _ error) Summary {
				s := mutationSummary("Replaced text in request")(result)
				s.Details = truncateLine(a.Match, 60) + " → " + truncateLine(a.Replace, 60)
				return s
			}),

		Define("setRequestRaw",
			"Replace the entire raw draft request. Prefer the targeted tools for small edits.",
			func(_ context.Context, env *Env, a *setRawArgs) (any, error) {
				return applyMutator(env, draft.ReplaceRaw(a.Raw))
			},
			func(_ *setRawArgs, result any, _ error) Summary {
				return mutationSummary("Rewrote raw request")(result)
			}),

		Define("revertRequest",
			"Undo the last change made to the draft request. Only one level of undo is kept.",
			func(_ context.Context, env *Env, _ *noArgs) (any, error) {
				d, err := env.draft()
				if err != nil {
					return nil, err
				}
				return mutation{Changed: d.Revert()}, nil
			},
			func(_ *noArgs, result any, _ error) Summary {
				if m, ok := result.(mutation); ok && !m.Changed {
					return Summary{Icon: IconUndo, Message: "Nothing to revert"}
				}
				return Summary{Icon: IconUndo, Message: "Reverted request"}
			}),
	}
}
