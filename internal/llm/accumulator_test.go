package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolCallAccumulator(t *testing.T) {
	tests := []struct {
		name   string
		deltas []ToolCallDelta
		want   []ToolCall
	}{
		{
			name: "fragments concatenate in order",
			deltas: []ToolCallDelta{
				{Index: 0, ID: "call_1", Name: "setRequestMethod"},
				{Index: 0, Arguments: `{"met`},
				{Index: 0, Arguments: `hod":"PO`},
				{Index: 0, Arguments: `ST"}`},
			},
			want: []ToolCall{{ID: "call_1", Name: "setRequestMethod", Arguments: `{"method":"POST"}`}},
		},
		{
			name: "first id and name win",
			deltas: []ToolCallDelta{
				{Index: 0, ID: "call_a", Name: "addTodo"},
				{Index: 0, ID: "call_b", Name: "updateTodo", Arguments: `{}`},
			},
			want: []ToolCall{{ID: "call_a", Name: "addTodo", Arguments: `{}`}},
		},
		{
			name: "duplicate full buffer ignored",
			deltas: []ToolCallDelta{
				{Index: 0, ID: "c", Name: "pause", Arguments: `{"reason":"x"}`},
				{Index: 0, Arguments: `{"reason":"x"}`},
			},
			want: []ToolCall{{ID: "c", Name: "pause", Arguments: `{"reason":"x"}`}},
		},
		{
			name: "complete object replaces complete buffer",
			deltas: []ToolCallDelta{
				{Index: 0, ID: "c", Name: "setRequestPath", Arguments: `{"path":`},
				{Index: 0, Arguments: `"/a"}`},
				{Index: 0, Arguments: `{"path":"/a"}`},
			},
			want: []ToolCall{{ID: "c", Name: "setRequestPath", Arguments: `{"path":"/a"}`}},
		},
		{
			name: "ordered by index not arrival",
			deltas: []ToolCallDelta{
				{Index: 2, ID: "c2", Name: "second", Arguments: `{}`},
				{Index: 1, ID: "c1", Name: "first", Arguments: `{}`},
			},
			want: []ToolCall{
				{ID: "c1", Name: "first", Arguments: `{}`},
				{ID: "c2", Name: "second", Arguments: `{}`},
			},
		},
		{
			name: "interleaved indexes",
			deltas: []ToolCallDelta{
				{Index: 0, ID: "a", Name: "one"},
				{Index: 1, ID: "b", Name: "two"},
				{Index: 0, Arguments: `{"x":`},
				{Index: 1, Arguments: `{"y":`},
				{Index: 0, Arguments: `1}`},
				{Index: 1, Arguments: `2}`},
			},
			want: []ToolCall{
				{ID: "a", Name: "one", Arguments: `{"x":1}`},
				{ID: "b", Name: "two", Arguments: `{"y":2}`},
			},
		},
		{
			name: "nameless index dropped",
			deltas: []ToolCallDelta{
				{Index: 0, Arguments: `{}`},
			},
			want: []ToolCall{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewToolCallAccumulator()
			for _, d := range tt.deltas {
				acc.Add(d)
			}
			got := acc.Finalize()
			if len(got) != len(tt.want) {
				t.Fatalf("got %d calls %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("call[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestToolCallAccumulator_GeneratesIDs(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(ToolCallDelta{Index: 0, Name: "sendRequest", Arguments: "{}"})
	acc.Add(ToolCallDelta{Index: 1, Name: "sendRequest", Arguments: "{}"})

	got := acc.Finalize()
	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	for _, c := range got {
		if !strings.HasPrefix(c.ID, "call_") {
			t.Errorf("generated id %q lacks call_ prefix", c.ID)
		}
	}
	if got[0].ID == got[1].ID {
		t.Error("generated ids collide")
	}
}

func TestToolCallAccumulator_Reset(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(ToolCallDelta{Index: 0, ID: "x", Name: "pause"})
	acc.Reset()
	if acc.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", acc.Len())
	}
}

func TestToolCallAccumulator_ArgumentsStayValidJSON(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(ToolCallDelta{Index: 0, ID: "x", Name: "setRequestBody"})
	for _, frag := range []string{`{"bo`, `dy":"a=1`, `&b=2"}`, `{"body":"a=1&b=2"}`} {
		acc.Add(ToolCallDelta{Index: 0, Arguments: frag})
	}
	got := acc.Finalize()[0].Arguments
	var v map[string]string
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("arguments %q not valid JSON: %v", got, err)
	}
	if v["body"] != "a=1&b=2" {
		t.Errorf("body = %q", v["body"])
	}
}
