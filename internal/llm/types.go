// Package llm provides streaming model transports and the types the
// agent loop exchanges with them.
package llm

import (
	"context"
	"errors"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Reasoning and ReasoningSignature carry extended-thinking output
	// on assistant messages. Anthropic requires the signed thinking
	// block to be replayed ahead of tool_use blocks.
	Reasoning          string `json:"reasoning,omitempty"`
	ReasoningSignature string `json:"reasoning_signature,omitempty"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // For tool responses
}

// ToolCall is one finalized tool invocation requested by the model.
// Arguments is the raw JSON text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec advertises a tool to the model. Parameters is a JSON Schema
// object.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Options are generation options passed through to the provider.
type Options struct {
	// MaxSteps bounds provider-side multi-step execution. Transports in
	// this package perform exactly one step per Stream call; the loop
	// drives further steps itself.
	MaxSteps int
	// ParallelToolCalls allows the model to emit several tool calls in
	// one step.
	ParallelToolCalls bool
	// ReasoningBudget enables extended thinking with the given token
	// budget when positive.
	ReasoningBudget int
	MaxTokens       int
}

// Request is one model query.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
	Options  Options
}

// ChunkKind identifies the type of a stream chunk.
type ChunkKind int

const (
	// ChunkText is an incremental text delta.
	ChunkText ChunkKind = iota
	// ChunkReasoning is an incremental reasoning delta (or its signature).
	ChunkReasoning
	// ChunkToolCall is a partial tool call keyed by provider index.
	ChunkToolCall
	// ChunkFinish marks the end of the step: tool calls are complete.
	ChunkFinish
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkReasoning:
		return "reasoning"
	case ChunkToolCall:
		return "tool_call"
	case ChunkFinish:
		return "finish"
	}
	return "unknown"
}

// ToolCallDelta is a fragment of a tool call. Any field may be empty.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Usage reports token counts when the provider supplies them.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one typed element of a model stream. Consumers switch on
// Kind to determine which fields are set.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkText and ChunkReasoning.
	Text string
	// Signature is set on ChunkReasoning when the provider signs the
	// reasoning block.
	Signature string

	// ToolCall is set for ChunkToolCall.
	ToolCall *ToolCallDelta

	// FinishReason and Usage are set for ChunkFinish.
	FinishReason string
	Usage        Usage
}

// Stream is a cancellable source of chunks. Recv returns io.EOF after
// the last chunk. Close releases the underlying connection and may be
// called at any time, including concurrently with Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Transport starts model queries.
type Transport interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// ErrMultiStep is returned when a request asks a transport to run more
// than one step.
var ErrMultiStep = errors.New("multi-step generation is driven by the caller; set MaxSteps to 1")

// checkRequest validates options common to every transport.
func checkRequest(req *Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	if req.Options.MaxSteps > 1 {
		return ErrMultiStep
	}
	if req.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
