package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/llm"
	"github.com/nugget/replay-agent/internal/prompts"
	"github.com/nugget/replay-agent/internal/tools"
	"github.com/nugget/replay-agent/internal/usage"
)

// Run executes one turn for text and blocks until it ends. It returns
// ErrBusy if a turn is already running and the transport error if the
// turn ended in status error. An aborted turn returns nil.
func (a *Agent) Run(ctx context.Context, text string) error {
	ctx, err := a.begin(ctx, text)
	if err != nil {
		return err
	}
	return a.turn(ctx, text)
}

// Start begins a turn in the background. The busy check happens before
// Start returns; the turn's outcome is observable through Snapshot and
// the event bus.
func (a *Agent) Start(ctx context.Context, text string) error {
	ctx, err := a.begin(ctx, text)
	if err != nil {
		return err
	}
	go func() {
		_ = a.turn(ctx, text)
	}()
	return nil
}

// begin claims the agent and records the user message.
func (a *Agent) begin(ctx context.Context, text string) (context.Context, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message is empty")
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.iteration = 0
	a.stopReason = ""
	a.lastErr = ""
	a.history = append(a.history, llm.Message{Role: llm.RoleUser, Content: text})
	msg := a.appendUILocked(UIMessage{Role: RoleUser, State: StateCompleted, Content: text})
	a.mu.Unlock()

	a.publishUI(msg)
	return ctx, nil
}

func (a *Agent) turn(ctx context.Context, text string) error {
	ctx, span := a.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", a.sessionID),
			attribute.String("model", a.cfg.Model),
		))
	defer span.End()

	turnID := uuid.NewString()
	start := time.Now()
	a.logger.Info("turn started", "turn_id", turnID, "model", a.cfg.Model)

	for {
		a.mu.Lock()
		iter := a.iteration
		a.mu.Unlock()

		// An abort during the final iteration's tools is still an abort.
		if ctx.Err() != nil {
			return a.finish(span, StopAborted, nil, start)
		}
		if iter >= a.cfg.MaxIterations {
			notice := prompts.MaxIterationsNotice(a.cfg.MaxIterations)
			a.mu.Lock()
			a.history = append(a.history, llm.Message{Role: llm.RoleAssistant, Content: notice})
			a.mu.Unlock()
			a.addUI(UIMessage{Role: RoleAssistant, State: StateCompleted, Content: notice})
			a.logger.Warn("turn hit iteration cap", "max_iterations", a.cfg.MaxIterations)
			return a.finish(span, StopMaxIterations, nil, start)
		}

		a.mu.Lock()
		a.iteration++
		iter = a.iteration
		a.mu.Unlock()

		a.setStatus(StatusQueryingAI)
		calls, err := a.query(ctx, turnID, iter, text)
		if err != nil {
			if isAbort(ctx, err) {
				return a.finish(span, StopAborted, nil, start)
			}
			return a.finish(span, StopError, err, start)
		}
		if len(calls) == 0 {
			return a.finish(span, StopCompleted, nil, start)
		}

		a.setStatus(StatusCallingTools)
		if a.dispatch(ctx, calls) {
			return a.finish(span, StopPaused, nil, start)
		}
	}
}

// finish moves the agent to its terminal state for the turn and clears
// the todo scratchpad. It returns err for a StopError turn.
func (a *Agent) finish(span trace.Span, reason StopReason, err error, start time.Time) error {
	a.env.Todos.Clear()

	status := StatusIdle
	if reason == StopError {
		status = StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.addUI(UIMessage{Role: RoleError, State: StateError, Content: err.Error()})
	}
	span.SetAttributes(attribute.String("stop_reason", string(reason)))

	a.mu.Lock()
	a.status = status
	a.stopReason = reason
	if err != nil {
		a.lastErr = err.Error()
	}
	iter := a.iteration
	a.running = false
	a.cancel = nil
	a.mu.Unlock()

	a.publish(events.KindStatus, map[string]any{"status": string(status), "stop_reason": string(reason)})

	if err != nil {
		a.logger.Error("turn failed", "iter", iter, "error", err, "elapsed", time.Since(start))
		return err
	}
	a.logger.Info("turn finished", "stop_reason", reason, "iter", iter, "elapsed", time.Since(start))
	return nil
}

// isAbort distinguishes a user abort from a transport failure.
func isAbort(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

// buildRequest assembles one model query: the system prompt, the
// conversation so far, and the ephemeral session context.
func (a *Agent) buildRequest(ctx context.Context, userText string) *llm.Request {
	a.mu.Lock()
	msgs := make([]llm.Message, 0, len(a.history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt})
	msgs = append(msgs, a.history...)
	a.mu.Unlock()

	if a.provider != nil {
		extra, err := a.provider.GetContext(ctx, userText)
		if err != nil {
			a.logger.Warn("session context unavailable", "error", err)
		} else if extra != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: extra})
		}
	}

	opts := llm.Options{
		MaxSteps:          1,
		ParallelToolCalls: a.cfg.ParallelToolCalls,
		MaxTokens:         a.cfg.MaxTokens,
	}
	if a.cfg.Reasoning {
		opts.ReasoningBudget = a.cfg.ReasoningBudget
	}

	return &llm.Request{
		Model:    a.cfg.Model,
		Messages: msgs,
		Tools:    a.registry.Specs(),
		Options:  opts,
	}
}

// query runs one model step and returns the finalized tool calls.
func (a *Agent) query(ctx context.Context, turnID string, iter int, userText string) ([]llm.ToolCall, error) {
	ctx, span := a.tracer.Start(ctx, "agent.query",
		trace.WithAttributes(attribute.Int("iteration", iter)))
	defer span.End()

	req := a.buildRequest(ctx, userText)
	start := time.Now()

	stream, err := a.transport.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer stream.Close()

	acc := llm.NewToolCallAccumulator()
	var text, reasoning strings.Builder
	var signature, uiID string

	showText := func() {
		if uiID == "" {
			uiID = a.addUI(UIMessage{
				Role:      RoleAssistant,
				State:     StateStreaming,
				Content:   text.String(),
				Reasoning: reasoning.String(),
			}).ID
			return
		}
		content, thought := text.String(), reasoning.String()
		a.updateUI(uiID, func(m *UIMessage) {
			m.Content = content
			m.Reasoning = thought
		})
	}
	endStreaming := func(state string) {
		if uiID != "" {
			a.updateUI(uiID, func(m *UIMessage) { m.State = state })
		}
	}

	for finished := false; !finished; {
		if err := ctx.Err(); err != nil {
			endStreaming(StateCompleted)
			return nil, err
		}

		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("model stream ended before the step finished")
			}
			if isAbort(ctx, err) {
				endStreaming(StateCompleted)
				return nil, err
			}
			endStreaming(StateError)
			span.RecordError(err)
			return nil, fmt.Errorf("model stream: %w", err)
		}

		switch chunk.Kind {
		case llm.ChunkText:
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				showText()
			}
		case llm.ChunkReasoning:
			if chunk.Signature != "" {
				signature = chunk.Signature
			}
			if chunk.Text != "" {
				reasoning.WriteString(chunk.Text)
				showText()
			}
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				acc.Add(*chunk.ToolCall)
			}
		case llm.ChunkFinish:
			finished = true
			a.recordUsage(ctx, turnID, iter, chunk.Usage)
			span.SetAttributes(
				attribute.String("finish_reason", chunk.FinishReason),
				attribute.Int("usage.input_tokens", chunk.Usage.InputTokens),
				attribute.Int("usage.output_tokens", chunk.Usage.OutputTokens),
			)
		}
	}

	calls := acc.Finalize()
	endStreaming(StateCompleted)

	if text.Len() > 0 || reasoning.Len() > 0 || len(calls) > 0 {
		a.mu.Lock()
		a.history = append(a.history, llm.Message{
			Role:               llm.RoleAssistant,
			Content:            text.String(),
			Reasoning:          reasoning.String(),
			ReasoningSignature: signature,
			ToolCalls:          calls,
		})
		a.mu.Unlock()
	}

	span.SetAttributes(attribute.Int("tool_calls", len(calls)))
	a.logger.Debug("model step finished",
		"iter", iter,
		"tool_calls", len(calls),
		"text_len", text.Len(),
		"elapsed", time.Since(start),
	)
	return calls, nil
}

// recordUsage persists token counts. Failures are logged; they never
// end the turn.
func (a *Agent) recordUsage(ctx context.Context, turnID string, iter int, u llm.Usage) {
	if a.usage == nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return
	}
	rec := usage.Record{
		Timestamp:    time.Now(),
		SessionID:    a.sessionID,
		TurnID:       turnID,
		Iteration:    iter,
		Model:        a.cfg.Model,
		Provider:     a.cfg.Provider,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      usage.ComputeCost(a.cfg.Model, u.InputTokens, u.OutputTokens, a.pricing),
	}
	if err := a.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("failed to record usage", "error", err)
	}
}

// dispatch runs calls in order and reports whether the agent paused.
// Calls left behind by a pause or an abort still get a tool result so
// every call in history is answered.
func (a *Agent) dispatch(ctx context.Context, calls []llm.ToolCall) (paused bool) {
	for i, call := range calls {
		if ctx.Err() != nil {
			a.skip(calls[i:], prompts.AbortedToolCall, tools.IconAbort, "Aborted ")
			return false
		}

		res := a.runTool(ctx, call)
		if call.Name == tools.PauseToolName && res.OK {
			a.skip(calls[i+1:], prompts.SkippedAfterPause, tools.IconPause, "Skipped ")
			return true
		}
	}
	return false
}

func (a *Agent) runTool(ctx context.Context, call llm.ToolCall) tools.Result {
	ctx, span := a.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	uiID := a.addUI(UIMessage{
		Role:       RoleTool,
		State:      StateStreaming,
		ToolCallID: call.ID,
		Tool:       call.Name,
		Arguments:  call.Arguments,
	}).ID

	start := time.Now()
	res := a.registry.Dispatch(ctx, call, a.env)
	if !res.OK {
		span.SetStatus(codes.Error, res.Error)
	}
	a.logger.Info("tool call",
		"tool", call.Name,
		"ok", res.OK,
		"elapsed", time.Since(start),
	)

	a.mu.Lock()
	a.history = append(a.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Content,
		ToolCallID: call.ID,
		IsError:    !res.OK,
	})
	a.mu.Unlock()

	state := StateCompleted
	if !res.OK {
		state = StateError
	}
	summary := res.Summary
	a.updateUI(uiID, func(m *UIMessage) {
		m.State = state
		m.Content = res.Content
		m.Summary = &summary
	})
	return res
}

// skip answers calls that never ran. The summary reads label+tool name.
func (a *Agent) skip(calls []llm.ToolCall, reason, icon, label string) {
	for _, call := range calls {
		a.mu.Lock()
		a.history = append(a.history, llm.Message{
			Role:       llm.RoleTool,
			Content:    reason,
			ToolCallID: call.ID,
		})
		a.mu.Unlock()

		a.addUI(UIMessage{
			Role:       RoleTool,
			State:      StateCompleted,
			Content:    reason,
			ToolCallID: call.ID,
			Tool:       call.Name,
			Arguments:  call.Arguments,
			Summary:    &tools.Summary{Icon: icon, Message: label + call.Name},
		})
	}
}
