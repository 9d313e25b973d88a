// Package replay defines the host collaborators the agent works
// against (session source, sender, response fetcher, finding sink) and
// ships standalone implementations of them: an in-memory session and
// response [Store] and a raw-socket [Client].
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/replay-agent/internal/draft"
)

// Sentinel errors returned by collaborators.
var (
	// ErrSessionGone means the session id does not exist (any more).
	ErrSessionGone = errors.New("session not found")
	// ErrResponseUnavailable means no response is stored under the id.
	ErrResponseUnavailable = errors.New("response unavailable")
)

// Session is one replay/testing context.
type Session struct {
	ID         string           `json:"id"`
	Connection draft.Connection `json:"connection"`
	Raw        string           `json:"raw"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Response is the result of replaying a draft.
type Response struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Raw        string        `json:"raw"`
	RoundTrip  time.Duration `json:"roundtrip"`
	ReceivedAt time.Time     `json:"received_at"`
}

// StatusLine returns the first line of the raw response.
func (r *Response) StatusLine() string {
	line, _, _ := strings.Cut(r.Raw, "\n")
	return strings.TrimRight(line, "\r")
}

// Body returns everything after the header block.
func (r *Response) Body() string {
	if _, body, ok := strings.Cut(r.Raw, "\r\n\r\n"); ok {
		return body
	}
	if _, body, ok := strings.Cut(r.Raw, "\n\n"); ok {
		return body
	}
	return ""
}

// Severity ranks a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity parses a severity; empty means info.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityInfo, nil
	}
	sev := Severity(strings.ToLower(s))
	if !sev.IsValid() {
		return "", fmt.Errorf("invalid severity %q (valid: info, low, medium, high, critical)", s)
	}
	return sev, nil
}

// Finding is a security-relevant observation reported by the agent.
type Finding struct {
	SessionID   string   `json:"session_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"` // markdown
	Severity    Severity `json:"severity"`
	// Request is the draft at report time.
	Request string `json:"request"`
}

// SessionSource resolves session ids.
type SessionSource interface {
	Session(ctx context.Context, id string) (*Session, error)
}

// Sender initiates a send. Completion is signalled asynchronously by a
// KindEntryUpdated event on the event bus carrying the session id and
// the new response id.
type Sender interface {
	Send(ctx context.Context, sessionID string, conn draft.Connection, raw []byte) error
}

// ResponseFetcher returns stored responses.
type ResponseFetcher interface {
	Response(ctx context.Context, id string) (*Response, error)
}

// FindingSink persists findings.
type FindingSink interface {
	ReportFinding(ctx context.Context, f Finding) error
}
