package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable is returned when a tool call names a tool that is
// not registered. The message lists every registered name so the model
// can correct itself.
type ErrToolUnavailable struct {
	ToolName  string
	Available []string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unknown tool %q; no tools are available", e.ToolName)
	}
	return fmt.Sprintf("unknown tool %q; available tools: %s", e.ToolName, strings.Join(e.Available, ", "))
}

// ValidationError reports arguments that do not satisfy a tool's
// schema or its cross-field rules. Validation errors are detected
// before the handler runs.
type ValidationError struct {
	Tool   string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}
