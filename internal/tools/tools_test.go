package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/todo"
)

const baseRequest = "GET /api/items?page=1 HTTP/1.1\r\nHost: target.test\r\nAccept: */*\r\n\r\n"

func newTestEnv() *Env {
	return &Env{
		SessionID: "sess-1",
		Draft:     draft.New(baseRequest, draft.Connection{Host: "target.test", Port: 443, TLS: true}),
		Todos:     todo.NewTracker(),
	}
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "call_1", Name: name, Arguments: args}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	tool := Define("echo", "echo", func(_ context.Context, _ *Env, _ *noArgs) (any, error) { return "hi", nil }, nil)
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Error("expected error registering a duplicate name")
	}

	defer func() {
		if recover() == nil {
			t.Error("MustRegister should panic on duplicate")
		}
	}()
	r.MustRegister(tool)
}

func TestBuiltinRegistry_Names(t *testing.T) {
	r := BuiltinRegistry(Options{})
	want := []string{
		"addTodo", "evaluate", "grepResponse", "pause", "removeRequestHeader",
		"removeRequestQuery", "replaceRequestText", "reportFinding", "revertRequest",
		"sendRequest", "setRequestBody", "setRequestHeader", "setRequestMethod",
		"setRequestPath", "setRequestQuery", "setRequestRaw", "updateTodo",
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() =\n%v\nwant\n%v", got, want)
	}
	if len(r.Specs()) != len(want) {
		t.Errorf("Specs() = %d entries, want %d", len(r.Specs()), len(want))
	}
}

func TestSpecs_Schema(t *testing.T) {
	r := BuiltinRegistry(Options{})
	specs := map[string]llm.ToolSpec{}
	for _, s := range r.Specs() {
		specs[s.Name] = s
	}

	header := specs["setRequestHeader"].Parameters.(map[string]any)
	if header["type"] != "object" {
		t.Errorf("type = %v, want object", header["type"])
	}
	if _, ok := header["$schema"]; ok {
		t.Error("schema should not carry $schema")
	}
	req, _ := header["required"].([]any)
	if len(req) != 2 {
		t.Errorf("required = %v, want name and value", header["required"])
	}
	if header["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", header["additionalProperties"])
	}

	grep := specs["grepResponse"].Parameters.(map[string]any)
	greq, _ := grep["required"].([]any)
	if len(greq) != 1 || greq[0] != "response_id" {
		t.Errorf("grepResponse required = %v", grep["required"])
	}
	props := grep["properties"].(map[string]any)
	occ := props["occurrence"].(map[string]any)
	if occ["type"] != "integer" {
		t.Errorf("occurrence type = %v", occ["type"])
	}
	if occ["description"] == nil {
		t.Error("occurrence has no description")
	}

	data, err := json.Marshal(specs["pause"].Parameters)
	if err != nil || !strings.Contains(string(data), `"reason"`) {
		t.Errorf("pause schema = %s, %v", data, err)
	}
}

func TestDispatch_UnknownToolListsNames(t *testing.T) {
	r := BuiltinRegistry(Options{})
	res := r.Dispatch(context.Background(), call("deleteEverything", "{}"), newTestEnv())

	if res.OK {
		t.Fatal("expected failure for unknown tool")
	}
	for _, name := range r.Names() {
		if !strings.Contains(res.Error, name) {
			t.Errorf("error does not list %q: %s", name, res.Error)
		}
	}
	if res.Summary.Icon != IconError {
		t.Errorf("icon = %q, want error", res.Summary.Icon)
	}
	if res.CallID != "call_1" {
		t.Errorf("CallID = %q", res.CallID)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	r := BuiltinRegistry(Options{})
	tests := []struct {
		name, tool, args, want string
	}{
		{"malformed json", "setRequestMethod", `{"method": "POST"`, "malformed JSON"},
		{"array", "setRequestMethod", `["POST"]`, "must be a JSON object"},
		{"missing required", "setRequestHeader", `{"name":"X-Test"}`, `missing required property "value"`},
		{"unknown property", "setRequestMethod", `{"method":"POST","verb":"PUT"}`, `unknown property "verb"`},
		{"wrong type", "setRequestMethod", `{"method": 7}`, `"method" must be a string`},
		{"enum", "updateTodo", `{"id":"1","status":"done"}`, `"status" must be one of: pending, completed`},
		{"minimum", "grepResponse", `{"response_id":"r","occurrence":0}`, `"occurrence" must be at least 1`},
		{"not integer", "grepResponse", `{"response_id":"r","offset":1.5}`, `"offset" must be an integer`},
		{"both grep modes", "grepResponse", `{"response_id":"r","match":"a","regex":"b"}`, "mutually exclusive"},
		{"bad regex", "grepResponse", `{"response_id":"r","regex":"("}`, "invalid regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			res := r.Dispatch(context.Background(), call(tt.tool, tt.args), env)
			if res.OK {
				t.Fatalf("expected failure, got %q", res.Content)
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("error = %q, want substring %q", res.Error, tt.want)
			}
			if !strings.HasPrefix(res.Content, "Error: ") {
				t.Errorf("content = %q", res.Content)
			}
			if env.Draft.Raw() != baseRequest {
				t.Error("draft changed by a rejected call")
			}
		})
	}
}

func TestDispatch_ValidationErrorType(t *testing.T) {
	tool := Define("x", "x", func(_ context.Context, _ *Env, _ *setMethodArgs) (any, error) { return nil, nil }, nil)
	_, err := tool.parse(`{}`)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Tool != "x" {
		t.Errorf("err = %v, want *ValidationError for x", err)
	}
}

func TestDispatch_EmptyArgumentsMeansEmptyObject(t *testing.T) {
	r := BuiltinRegistry(Options{})
	env := newTestEnv()
	env.Draft.Apply(draft.SetMethod("PUT"))

	res := r.Dispatch(context.Background(), call("revertRequest", ""), env)
	if !res.OK {
		t.Fatalf("revertRequest with empty args failed: %s", res.Error)
	}
	if env.Draft.Raw() != baseRequest {
		t.Errorf("revert did not restore draft: %q", env.Draft.Raw())
	}
}

func TestDispatch_PanicBecomesError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Define("boom", "panics",
		func(_ context.Context, _ *Env, _ *noArgs) (any, error) { panic("kaboom") }, nil))

	res := r.Dispatch(context.Background(), call("boom", "{}"), newTestEnv())
	if res.OK || !strings.Contains(res.Error, "kaboom") {
		t.Errorf("res = %+v", res)
	}
	if res.Summary.Icon != IconError || res.Summary.Message == "" {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestDispatch_HandlerErrorKeepsToolSummary(t *testing.T) {
	r := BuiltinRegistry(Options{})
	res := r.Dispatch(context.Background(), call("setRequestHeader", `{"name":"Bad Name","value":"x"}`), newTestEnv())
	if res.OK {
		t.Fatal("expected failure for invalid header name")
	}
	if res.Summary.Icon != IconError || res.Summary.Details == "" {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestRequestTools(t *testing.T) {
	r := BuiltinRegistry(Options{})
	tests := []struct {
		name     string
		tool     string
		args     string
		wantMsg  string
		contains string
	}{
		{"method", "setRequestMethod", `{"method":"POST"}`, MsgRequestUpdated, "POST /api/items?page=1 HTTP/1.1"},
		{"same method", "setRequestMethod", `{"method":"GET"}`, MsgNoChanges, "GET /api/items"},
		{"path", "setRequestPath", `{"path":"/api/admin"}`, MsgRequestUpdated, "GET /api/admin?page=1 HTTP/1.1"},
		{"header", "setRequestHeader", `{"name":"X-Forwarded-For","value":"127.0.0.1"}`, MsgRequestUpdated, "X-Forwarded-For: 127.0.0.1\r\n"},
		{"remove header", "removeRequestHeader", `{"name":"accept"}`, MsgRequestUpdated, "Host: target.test\r\n\r\n"},
		{"remove missing header", "removeRequestHeader", `{"name":"Cookie"}`, MsgNoChanges, "Accept: */*"},
		{"query", "setRequestQuery", `{"name":"q","value":"a b"}`, MsgRequestUpdated, "?page=1&q=a+b "},
		{"remove query", "removeRequestQuery", `{"name":"page"}`, MsgRequestUpdated, "GET /api/items HTTP/1.1"},
		{"body", "setRequestBody", `{"body":"id=1"}`, MsgRequestUpdated, "Content-Length: 4\r\n\r\nid=1"},
		{"replace", "replaceRequestText", `{"match":"items","replace":"users"}`, MsgRequestUpdated, "/api/users?page=1"},
		{"replace empty match", "replaceRequestText", `{"match":"","replace":"x"}`, MsgNoChanges, "/api/items"},
		{"raw", "setRequestRaw", `{"raw":"DELETE / HTTP/1.1\r\nHost: t\r\n\r\n"}`, MsgRequestUpdated, "DELETE / HTTP/1.1"},
		{"revert nothing", "revertRequest", `{}`, MsgNoChanges, "GET /api/items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			res := r.Dispatch(context.Background(), call(tt.tool, tt.args), env)
			if !res.OK {
				t.Fatalf("dispatch failed: %s", res.Error)
			}
			if res.Content != tt.wantMsg {
				t.Errorf("content = %q, want %q", res.Content, tt.wantMsg)
			}
			if !strings.Contains(env.Draft.Raw(), tt.contains) {
				t.Errorf("draft = %q, want substring %q", env.Draft.Raw(), tt.contains)
			}
			if res.Summary.Message == "" {
				t.Error("empty summary")
			}
		})
	}
}

func TestRequestTools_SequentialBatchSeesLatestDraft(t *testing.T) {
	r := BuiltinRegistry(Options{})
	env := newTestEnv()
	ctx := context.Background()

	batch := []llm.ToolCall{
		{ID: "1", Name: "setRequestMethod", Arguments: `{"method":"POST"}`},
		{ID: "2", Name: "setRequestBody", Arguments: `{"body":"a=1"}`},
		{ID: "3", Name: "replaceRequestText", Arguments: `{"match":"a=1","replace":"a=2"}`},
	}
	for _, c := range batch {
		if res := r.Dispatch(ctx, c, env); !res.OK {
			t.Fatalf("%s failed: %s", c.Name, res.Error)
		}
	}
	raw := env.Draft.Raw()
	if !strings.HasPrefix(raw, "POST ") || !strings.HasSuffix(raw, "\r\n\r\na=2") {
		t.Errorf("draft = %q", raw)
	}

	// One level of undo: back to the body before replaceRequestText.
	r.Dispatch(ctx, call("revertRequest", ""), env)
	if !strings.HasSuffix(env.Draft.Raw(), "a=1") {
		t.Errorf("after revert draft = %q", env.Draft.Raw())
	}
}

func TestDispatch_NoDraft(t *testing.T) {
	r := BuiltinRegistry(Options{})
	res := r.Dispatch(context.Background(), call("setRequestMethod", `{"method":"POST"}`), &Env{})
	if res.OK || !strings.Contains(res.Error, "no request draft") {
		t.Errorf("res = %+v", res)
	}
}

func TestTodoTools(t *testing.T) {
	r := BuiltinRegistry(Options{})
	env := newTestEnv()
	ctx := context.Background()

	res := r.Dispatch(ctx, call("addTodo", `{"id":"1","content":"baseline"}`), env)
	if !res.OK || !strings.Contains(res.Content, "- [ ] 1: baseline") {
		t.Fatalf("addTodo = %+v", res)
	}
	if res := r.Dispatch(ctx, call("addTodo", `{"id":"1","content":"again"}`), env); res.OK {
		t.Error("duplicate addTodo should fail")
	}

	res = r.Dispatch(ctx, call("updateTodo", `{"id":"1","status":"completed"}`), env)
	if !res.OK || !strings.Contains(res.Content, "- [x] 1: baseline") {
		t.Errorf("updateTodo = %+v", res)
	}

	before := env.Todos.List()
	res = r.Dispatch(ctx, call("updateTodo", `{"id":"nope","content":"x"}`), env)
	if res.OK || !strings.Contains(res.Error, `"nope"`) {
		t.Errorf("unknown id result = %+v", res)
	}
	after := env.Todos.List()
	if len(after) != len(before) || after[0] != before[0] {
		t.Errorf("list changed: %+v -> %+v", before, after)
	}
}

func TestPauseTool(t *testing.T) {
	r := BuiltinRegistry(Options{})
	res := r.Dispatch(context.Background(), call(PauseToolName, `{"reason":"need credentials"}`), newTestEnv())
	if !res.OK || res.Content != "Paused: need credentials" {
		t.Errorf("res = %+v", res)
	}
	if res.Summary.Icon != IconPause {
		t.Errorf("icon = %q", res.Summary.Icon)
	}
}

func TestTruncateLine(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"first\nsecond", 20, "first…"},
		{"abcdefghij", 4, "abcd…"},
	}
	for _, tt := range tests {
		if got := truncateLine(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateLine(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
