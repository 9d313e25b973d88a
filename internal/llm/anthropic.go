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

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicTransport streams from the Anthropic Messages API.
type AnthropicTransport struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicTransport creates a transport. An empty baseURL selects
// the public API endpoint.
func NewAnthropicTransport(apiKey, baseURL string, logger *slog.Logger) *AnthropicTransport {
	if logger == nil {
		logger = slog.Default()
	}
	url := anthropicAPIURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/messages"
	}

	return &AnthropicTransport{
		apiKey: apiKey,
		url:    url,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewStreamingClient(httpkit.StreamConfig{
			Provider: "anthropic",
			Logger:   logger,
		}),
	}
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	Messages   []anthropicMessage   `json:"messages"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Stream     bool                 `json:"stream"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking   *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicToolChoice struct {
	Type                   string `json:"type"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Message      *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Stream starts a streaming Messages request.
func (c *AnthropicTransport) Stream(ctx context.Context, req *Request) (Stream, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	msgs, system := convertToAnthropic(req.Messages)
	body := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: req.Options.MaxTokens,
		Stream:    true,
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}
	if len(body.Tools) > 0 && !req.Options.ParallelToolCalls {
		body.ToolChoice = &anthropicToolChoice{Type: "auto", DisableParallelToolUse: true}
	}
	if req.Options.ReasoningBudget > 0 {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.Options.ReasoningBudget}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(body.Tools),
		"system_len", len(system),
		"thinking", body.Thinking != nil,
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
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	return newPumpStream(ctx, resp.Body, func(ctx context.Context, emit func(Chunk) error) error {
		return c.readStream(ctx, resp.Body, emit)
	}), nil
}

func (c *AnthropicTransport) readStream(ctx context.Context, body io.Reader, emit func(Chunk) error) error {
	var (
		usage      anthropicUsage
		stopReason string
		finished   bool
	)

	err := httpkit.ReadSSE(body, func(ev httpkit.SSEEvent) error {
		c.logger.Log(ctx, LevelTrace, "sse event", "event", ev.Event, "data", ev.Data)

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return nil // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				return emit(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{
					Index: event.Index,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}})
			}

		case "content_block_delta":
			if event.Delta == nil {
				return nil
			}
			switch event.Delta.Type {
			case "text_delta":
				return emit(Chunk{Kind: ChunkText, Text: event.Delta.Text})
			case "thinking_delta":
				return emit(Chunk{Kind: ChunkReasoning, Text: event.Delta.Thinking})
			case "signature_delta":
				return emit(Chunk{Kind: ChunkReasoning, Signature: event.Delta.Signature})
			case "input_json_delta":
				return emit(Chunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{
					Index:     event.Index,
					Arguments: event.Delta.PartialJSON,
				}})
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			finished = true
			if err := emit(Chunk{
				Kind:         ChunkFinish,
				FinishReason: stopReason,
				Usage:        Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
			}); err != nil {
				return err
			}
			return httpkit.ErrStopSSE

		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic stream error (%s): %s", event.Error.Type, event.Error.Message)
			}
			return errors.New("anthropic stream error")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if !finished {
		return errors.New("read stream: connection closed before message_stop")
	}

	c.logger.Debug("stream complete",
		"stop_reason", stopReason,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are joined into the separate system prompt and
// consecutive tool results are merged into one user turn, as the API
// requires.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropicContent
			if msg.Reasoning != "" && msg.ReasoningSignature != "" {
				blocks = append(blocks, anthropicContent{
					Type:      "thinking",
					Thinking:  msg.Reasoning,
					Signature: msg.ReasoningSignature,
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   msg.IsError,
			}
			if n := len(result); n > 0 && result[n-1].Role == "user" && isToolResults(result[n-1].Content) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropicMessage{Role: "user", Content: []anthropicContent{block}})

		case RoleUser:
			result = append(result, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func isToolResults(blocks []anthropicContent) bool {
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(blocks) > 0
}

func convertToolsToAnthropic(tools []ToolSpec) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}
	return result
}
