package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/replay-agent/internal/httpkit"
)

// Default endpoints for OpenAI-compatible providers.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OpenAIBaseURL     = "https://api.openai.com/v1"
)

// OpenAITransport streams from an OpenAI-compatible chat completions
// endpoint (OpenAI, OpenRouter, local gateways).
type OpenAITransport struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAITransport creates a transport for the given base URL
// (for example [OpenRouterBaseURL]).
func NewOpenAITransport(apiKey, baseURL string, logger *slog.Logger) *OpenAITransport {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = OpenAIBaseURL
	}

	return &OpenAITransport{
		apiKey: apiKey,
		url:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		logger: logger.With("provider", "openai"),
		httpClient: httpkit.NewStreamingClient(httpkit.StreamConfig{
			Provider: "openai",
			Logger:   logger,
		}),
	}
}

type openaiRequest struct {
	Model             string            `json:"model"`
	Messages          []openaiMessage   `json:"messages"`
	Tools             []openaiTool      `json:"tools,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	MaxTokens         int               `json:"max_tokens,omitempty"`
	Stream            bool              `json:"stream"`
	Reasoning         *openaiReasoning  `json:"reasoning,omitempty"`
	StreamOptions     *openaiStreamOpts `json:"stream_options,omitempty"`
}

type openaiReasoning struct {
	MaxTokens int `json:"max_tokens"`
}

type openaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			Reasoning string           `json:"reasoning"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream starts a streaming chat completion.
func (c *OpenAITransport) Stream(ctx context.Context, req *Request) (Stream, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	body := openaiRequest{
		Model:         req.Model,
		Messages:      convertToOpenAI(req.Messages),
		Tools:         convertToolsToOpenAI(req.Tools),
		MaxTokens:     req.Options.MaxTokens,
		Stream:        true,
		StreamOptions: &openaiStreamOpts{IncludeUsage: true},
	}
	if len(body.Tools) > 0 {
		parallel := req.Options.ParallelToolCalls
		body.ParallelToolCalls = &parallel
	}
	if req.Options.ReasoningBudget > 0 {
		body.Reasoning = &openaiReasoning{MaxTokens: req.Options.ReasoningBudget}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
	)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("chat completions API error %d: %s", resp.StatusCode, errBody)
	}

	return newPumpStream(ctx, resp.Body, func(ctx context.Context, emit func(Chunk) error) error {
		return c.readStream(ctx, resp.Body, emit)
	}), nil
}

func (c *OpenAITransport) readStream(ctx context.Context, body io.Reader, emit func(Chunk) error) error {
	var (
		finishReason string
		usage        Usage
		done         bool
	)

	err := httpkit.ReadSSE(body, func(ev httpkit.SSEEvent) error {
		c.logger.Log(ctx, LevelTrace, "sse event", "data", ev.Data)

		if strings.TrimSpace(ev.Data) == "[DONE]" {
			done = true
			return httpkit.ErrStopSSE
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return nil // Skip malformed events
		}
		if chunk.Error != nil {
			return fmt.Errorf("provider stream error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}

		choice := chunk.Choices[0]
		if choice.Delta.Reasoning != "" {
			if err := emit(Chunk{Kind: ChunkReasoning, Text: choice.Delta.Reasoning}); err != nil {
				return err
			}
		}
		if choice.Delta.Content != "" {
			if err := emit(Chunk{Kind: ChunkText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			if err := emit(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if !done && finishReason == "" {
		return errors.New("read stream: connection closed before completion")
	}

	c.logger.Debug("stream complete",
		"finish_reason", finishReason,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return emit(Chunk{Kind: ChunkFinish, FinishReason: finishReason, Usage: usage})
}

func convertToOpenAI(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		content := msg.Content
		om := openaiMessage{Role: msg.Role, Content: &content}
		switch msg.Role {
		case RoleAssistant:
			if content == "" && len(msg.ToolCalls) > 0 {
				om.Content = nil
			}
			for _, tc := range msg.ToolCalls {
				otc := openaiToolCall{ID: tc.ID, Type: "function"}
				otc.Function.Name = tc.Name
				otc.Function.Arguments = tc.Arguments
				if otc.Function.Arguments == "" {
					otc.Function.Arguments = "{}"
				}
				om.ToolCalls = append(om.ToolCalls, otc)
			}
		case RoleTool:
			om.ToolCallID = msg.ToolCallID
		}
		out = append(out, om)
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSpec) []openaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		if ot.Function.Parameters == nil {
			ot.Function.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ot)
	}
	return out
}
