// Package tools defines the tools the agent can call against a replay
// session, the registry that advertises them to the model, and the
// dispatcher that validates and runs tool calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/nugget/replay-agent/internal/llm"
)

// Summary icons.
const (
	IconEdit   = "edit"
	IconUndo   = "undo"
	IconSend   = "send"
	IconSearch = "search"
	IconCalc   = "calc"
	IconTodo   = "todo"
	IconFlag   = "flag"
	IconPause  = "pause"
	IconAbort  = "abort"
	IconError  = "error"
)

// Summary is the one-line, UI-facing description of a tool call.
type Summary struct {
	Icon    string `json:"icon"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Result is the outcome of one dispatched tool call. Content is what the
// model sees; Summary is what the user sees.
type Result struct {
	CallID  string  `json:"call_id"`
	Tool    string  `json:"tool"`
	OK      bool    `json:"ok"`
	Content string  `json:"content"`
	Error   string  `json:"error,omitempty"`
	Summary Summary `json:"summary"`
}

// Tool is a named, schema-validated operation. Build tools with
// [Define].
type Tool struct {
	Name        string
	Description string

	schema     *jsonschema.Schema
	parameters map[string]any

	decode    func(data []byte) (any, error)
	run       func(ctx context.Context, env *Env, args any) (any, error)
	summarize func(args any, result any, err error) Summary
}

// Define creates a tool whose arguments decode into A. The JSON schema
// advertised to the model is reflected from A. If *A implements
// Validate() error it runs after schema validation. summary may be nil.
func Define[A any](
	name, description string,
	handler func(ctx context.Context, env *Env, args *A) (any, error),
	summary func(args *A, result any, err error) Summary,
) *Tool {
	schema := reflectSchema(new(A))
	t := &Tool{
		Name:        name,
		Description: description,
		schema:      schema,
		parameters:  schemaMap(schema),
	}
	t.decode = func(data []byte) (any, error) {
		args := new(A)
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(args); err != nil {
			return nil, err
		}
		if v, ok := any(args).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
		return args, nil
	}
	t.run = func(ctx context.Context, env *Env, args any) (any, error) {
		return handler(ctx, env, args.(*A))
	}
	if summary != nil {
		t.summarize = func(args any, result any, err error) Summary {
			a, _ := args.(*A)
			if a == nil {
				a = new(A)
			}
			return summary(a, result, err)
		}
	}
	return t
}

// Parameters returns the JSON schema of the tool's arguments.
func (t *Tool) Parameters() map[string]any {
	return t.parameters
}

// Registry holds the tools available to an agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q is already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Specs returns the tool definitions sent to the model, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.parameters,
		})
	}
	return specs
}

// Dispatch runs one tool call. It never returns an error: unknown
// tools, malformed or invalid arguments, handler errors and handler
// panics all become failed results, so the model can correct itself.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, env *Env) Result {
	res := Result{CallID: call.ID, Tool: call.Name}
	logger := env.logger().With("tool", call.Name, "call_id", call.ID)

	t, ok := r.Get(call.Name)
	if !ok {
		err := &ErrToolUnavailable{ToolName: call.Name, Available: r.Names()}
		logger.Warn("unknown tool requested")
		return failed(res, nil, err)
	}

	args, err := t.parse(call.Arguments)
	if err != nil {
		logger.Debug("tool arguments rejected", "error", err)
		return failed(res, t, err)
	}

	start := time.Now()
	out, err := t.invoke(WithCallID(ctx, call.ID), env, args)
	elapsed := time.Since(start)

	if err != nil {
		logger.Debug("tool failed", "error", err, "elapsed", elapsed)
		res = failed(res, t, err)
		if t.summarize != nil {
			if s := t.summarize(args, nil, err); s.Message != "" {
				res.Summary.Message = s.Message
			}
		}
		return res
	}

	logger.Debug("tool complete", "elapsed", elapsed)
	res.OK = true
	res.Content = renderContent(out)
	if t.summarize != nil {
		res.Summary = t.summarize(args, out, nil)
	}
	if res.Summary.Message == "" {
		res.Summary.Message = t.Name + " completed"
	}
	return res
}

// parse decodes and validates raw arguments.
func (t *Tool) parse(raw string) (any, error) {
	argMap, data, err := parseArguments(raw)
	if err != nil {
		return nil, &ValidationError{Tool: t.Name, Reason: err.Error()}
	}
	if err := checkSchema(t.schema, argMap); err != nil {
		return nil, &ValidationError{Tool: t.Name, Reason: err.Error()}
	}
	args, err := t.decode(data)
	if err != nil {
		return nil, &ValidationError{Tool: t.Name, Reason: err.Error()}
	}
	return args, nil
}

func (t *Tool) invoke(ctx context.Context, env *Env, args any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, p)
		}
	}()
	return t.run(ctx, env, args)
}

func failed(res Result, t *Tool, err error) Result {
	res.OK = false
	res.Error = err.Error()
	res.Content = "Error: " + err.Error()
	msg := res.Tool + " failed"
	if t == nil {
		msg = "Unknown tool " + res.Tool
	}
	res.Summary = Summary{Icon: IconError, Message: msg, Details: err.Error()}
	return res
}

func renderContent(v any) string {
	switch v := v.(type) {
	case nil:
		return "OK"
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truncateLine shortens s to one line of at most n runes for summaries.
func truncateLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i] + "…"
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
