package llm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ToolCallAccumulator merges streamed tool-call fragments keyed by the
// provider-assigned index. The first non-empty ID and Name for an index
// win; argument fragments concatenate in arrival order. Calls are only
// read out through Finalize, once the transport signals the step is
// complete.
type ToolCallAccumulator struct {
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*pendingCall)}
}

// Add merges one fragment.
//
// Some providers re-send the complete argument object for an index
// after streaming it piecewise. A fragment equal to the whole buffer is
// dropped, and a complete JSON object arriving after the buffer already
// holds a complete object replaces it, so the result stays valid JSON.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	pc, ok := a.calls[d.Index]
	if !ok {
		pc = &pendingCall{}
		a.calls[d.Index] = pc
	}
	if pc.id == "" && d.ID != "" {
		pc.id = d.ID
	}
	if pc.name == "" && d.Name != "" {
		pc.name = d.Name
	}
	if d.Arguments == "" {
		return
	}

	cur := pc.args.String()
	switch {
	case cur == "":
		pc.args.WriteString(d.Arguments)
	case cur == d.Arguments:
		// duplicate full-buffer fragment
	case isJSONObject(cur) && isJSONObject(d.Arguments):
		pc.args.Reset()
		pc.args.WriteString(d.Arguments)
	default:
		pc.args.WriteString(d.Arguments)
	}
}

// Len returns the number of distinct call indexes seen.
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// Finalize returns the accumulated calls ordered by index. Calls with
// no ID get a generated one so results can still be correlated.
// Indexes that never received a name are dropped.
func (a *ToolCallAccumulator) Finalize() []ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.calls[i]
		if pc.name == "" {
			continue
		}
		id := pc.id
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		out = append(out, ToolCall{
			ID:        id,
			Name:      pc.name,
			Arguments: pc.args.String(),
		})
	}
	return out
}

// Reset clears the accumulator for the next step.
func (a *ToolCallAccumulator) Reset() {
	clear(a.calls)
}

func isJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}
