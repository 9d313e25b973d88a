package prompts

import (
	"fmt"
	"strings"
)

// MaxIterationsNotice is shown to the user when a turn hits the
// iteration cap.
func MaxIterationsNotice(n int) string {
	return fmt.Sprintf("Reached maximum iterations (%d)", n)
}

// SkippedAfterPause is the tool result given to calls that were queued
// behind a pause in the same batch.
const SkippedAfterPause = "Skipped: the agent paused before this tool call ran."

// AbortedToolCall is the tool result given to calls that never ran
// because the user aborted the turn.
const AbortedToolCall = "Skipped: the turn was aborted by the user."

// SessionContext renders the per-step context message: the connection,
// the current draft and the todo list. It is attached to each model
// query and never stored in history.
func SessionContext(target, draft, todos string) string {
	var b strings.Builder
	b.WriteString("## Current Session\n")
	fmt.Fprintf(&b, "Target: %s\n\n", target)
	b.WriteString("### Draft Request\n```http\n")
	b.WriteString(strings.TrimRight(draft, "\r\n"))
	b.WriteString("\n```\n\n")
	b.WriteString("### Todo List\n")
	b.WriteString(todos)
	b.WriteString("\n")
	return b.String()
}
