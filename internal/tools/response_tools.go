package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/replay-agent/internal/events"
	"github.com/nugget/replay-agent/internal/replay"
)

// Defaults for the response tools.
const (
	DefaultSendTimeout      = 30 * time.Second
	DefaultMaxResponseBytes = 8000
	DefaultGrepWindow       = 1000
)

// ResponseWindow is a slice of a raw response as returned to the model.
// Offsets are byte offsets into the full raw response (status line and
// headers included).
type ResponseWindow struct {
	ResponseID  string `json:"response_id"`
	StatusLine  string `json:"status_line,omitempty"`
	RoundTripMS int64  `json:"roundtrip_ms,omitempty"`
	TotalLength int    `json:"total_length"`
	Offset      int    `json:"offset"`
	Length      int    `json:"length"`
	Truncated   bool   `json:"truncated"`
	NextOffset  *int   `json:"next_offset,omitempty"`
	Response    string `json:"response"`

	title string
}

// newWindow cuts [offset, offset+limit) out of raw, never splitting a
// UTF-8 sequence.
func newWindow(id, raw string, offset, limit int) ResponseWindow {
	total := len(raw)
	offset = min(max(offset, 0), total)
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
		for end > offset && !utf8.RuneStart(raw[end]) {
			end--
		}
	}
	w := ResponseWindow{
		ResponseID:  id,
		TotalLength: total,
		Offset:      offset,
		Length:      end - offset,
		Response:    raw[offset:end],
	}
	if end < total {
		w.Truncated = true
		next := end
		w.NextOffset = &next
	}
	return w
}

type grepArgs struct {
	ResponseID string `json:"response_id" jsonschema_description:"The response_id returned by sendRequest."`
	Offset     *int   `json:"offset,omitempty" jsonschema:"minimum=0" jsonschema_description:"Byte offset to read from (range mode). Defaults to 0."`
	Length     *int   `json:"length,omitempty" jsonschema:"minimum=1" jsonschema_description:"Number of bytes to return."`
	Match      string `json:"match,omitempty" jsonschema_description:"Literal text to search for. Cannot be combined with regex."`
	Regex      string `json:"regex,omitempty" jsonschema_description:"RE2 regular expression to search for. Cannot be combined with match."`
	Occurrence *int   `json:"occurrence,omitempty" jsonschema:"minimum=1" jsonschema_description:"Which match to return, starting at 1. Defaults to 1."`
}

// Validate enforces that at most one search mode is set.
func (a *grepArgs) Validate() error {
	if a.Match != "" && a.Regex != "" {
		return errors.New("match and regex are mutually exclusive")
	}
	if a.Regex != "" {
		if _, err := regexp.Compile(a.Regex); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	}
	return nil
}

// GrepResult is the result of grepResponse.
type GrepResult struct {
	ResponseWindow
	Found        bool `json:"found"`
	TotalMatches int  `json:"total_matches"`
	Occurrence   int  `json:"occurrence,omitempty"`
	MatchLength  int  `json:"match_length,omitempty"`
}

// grepText searches raw for the requested occurrence (1-based) of a literal
// or regex and returns a window starting at the match. With neither set
// it is a byte-range read. A missing occurrence is reported with
// Found=false, not as an error.
func grepText(id, raw string, a *grepArgs, defaultLength int) (*GrepResult, error) {
	length := defaultLength
	if a.Length != nil {
		length = *a.Length
	}

	if a.Match == "" && a.Regex == "" {
		offset := 0
		if a.Offset != nil {
			offset = *a.Offset
		}
		if offset > len(raw) {
			return nil, fmt.Errorf("offset %d is beyond the end of the response (%d bytes)", offset, len(raw))
		}
		return &GrepResult{ResponseWindow: newWindow(id, raw, offset, length), Found: true}, nil
	}

	var matches [][]int
	if a.Match != "" {
		matches = literalMatches(raw, a.Match)
	} else {
		matches = regexp.MustCompile(a.Regex).FindAllStringIndex(raw, -1)
	}

	occurrence := 1
	if a.Occurrence != nil {
		occurrence = *a.Occurrence
	}
	idx := occurrence - 1
	if idx < 0 || idx >= len(matches) {
		return &GrepResult{
			ResponseWindow: ResponseWindow{ResponseID: id, TotalLength: len(raw)},
			Found:          false,
			TotalMatches:   len(matches),
			Occurrence:     occurrence,
		}, nil
	}

	m := matches[idx]
	return &GrepResult{
		ResponseWindow: newWindow(id, raw, m[0], length),
		Found:          true,
		TotalMatches:   len(matches),
		Occurrence:     occurrence,
		MatchLength:    m[1] - m[0],
	}, nil
}

// literalMatches returns the non-overlapping [start, end) offsets of sub.
func literalMatches(s, sub string) [][]int {
	var out [][]int
	for pos := 0; pos <= len(s)-len(sub); {
		i := strings.Index(s[pos:], sub)
		if i < 0 {
			break
		}
		start := pos + i
		out = append(out, []int{start, start + len(sub)})
		pos = start + len(sub)
	}
	return out
}

// htmlTitle returns the <title> of an HTML response, if any.
func htmlTitle(resp *replay.Response) string {
	head := strings.ToLower(resp.Raw[:min(len(resp.Raw), 4096)])
	if !strings.Contains(head, "text/html") && !strings.Contains(head, "<title") {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(resp.Body()))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(findTitle(doc)), " ")
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return b.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func responseTools(opts Options) []*Tool {
	return []*Tool{
		Define("sendRequest",
			"Send the current draft request to the target and return the response. "+
				"Long responses are truncated; use grepResponse with the returned response_id to read more.",
			func(ctx context.Context, env *Env, _ *noArgs) (any, error) {
				return sendAndAwait(ctx, env, opts)
			},
			func(_ *noArgs, result any, err error) Summary {
				if err != nil {
					return Summary{Message: "Send failed"}
				}
				w, _ := result.(*ResponseWindow)
				if w == nil {
					return Summary{Icon: IconSend, Message: "Sent request"}
				}
				s := Summary{
					Icon:    IconSend,
					Message: fmt.Sprintf("%s (%d ms, %d bytes)", w.StatusLine, w.RoundTripMS, w.TotalLength),
				}
				if w.title != "" {
					s.Details = "Title: " + truncateLine(w.title, 120)
				}
				return s
			}),

		Define("grepResponse",
			"Read part of a previous response. With neither match nor regex it reads length bytes "+
				"from offset. With match or regex it returns a window starting at the Nth occurrence.",
			func(ctx context.Context, env *Env, a *grepArgs) (any, error) {
				if env == nil || env.Responses == nil {
					return nil, errors.New("responses are not available")
				}
				resp, err := env.Responses.Response(ctx, a.ResponseID)
				if err != nil {
					return nil, fmt.Errorf("fetch response %s: %w", a.ResponseID, err)
				}
				window := DefaultGrepWindow
				if a.Offset != nil || (a.Match == "" && a.Regex == "") {
					window = opts.MaxResponseBytes
				}
				return grepText(a.ResponseID, resp.Raw, a, window)
			},
			func(a *grepArgs, result any, err error) Summary {
				if err != nil {
					return Summary{Message: "Response read failed"}
				}
				r, _ := result.(*GrepResult)
				if r == nil {
					return Summary{Icon: IconSearch, Message: "Read response"}
				}
				pattern := a.Match
				if a.Regex != "" {
					pattern = "/" + a.Regex + "/"
				}
				switch {
				case pattern == "":
					return Summary{Icon: IconSearch, Message: fmt.Sprintf("Read bytes %d-%d of %d", r.Offset, r.Offset+r.Length, r.TotalLength)}
				case !r.Found:
					return Summary{Icon: IconSearch, Message: fmt.Sprintf("No occurrence %d of %s (%d matches)", r.Occurrence, truncateLine(pattern, 60), r.TotalMatches)}
				default:
					return Summary{Icon: IconSearch, Message: fmt.Sprintf("Found %s at offset %d (%d of %d)", truncateLine(pattern, 60), r.Offset, r.Occurrence, r.TotalMatches)}
				}
			}),
	}
}

// sendAndAwait sends the draft and waits for the host to report the
// response on the event bus.
func sendAndAwait(ctx context.Context, env *Env, opts Options) (*ResponseWindow, error) {
	d, err := env.draft()
	if err != nil {
		return nil, err
	}
	if env.Sender == nil || env.Responses == nil || env.Bus == nil {
		return nil, errors.New("sending is not available in this session")
	}

	// Subscribe before sending so a fast response cannot be missed.
	ch := env.Bus.Subscribe(64)
	defer env.Bus.Unsubscribe(ch)

	raw := d.Raw()
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("the draft request is empty")
	}
	if err := env.Sender.Send(ctx, env.SessionID, d.Connection(), []byte(raw)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.SendTimeout)
	defer cancel()
	ev, ok := events.WaitFor(waitCtx, ch, func(e events.Event) bool {
		if e.Kind != events.KindEntryUpdated || e.SessionID() != env.SessionID {
			return false
		}
		_, hasID := e.Data["response_id"]
		_, hasErr := e.Data["error"]
		return hasID || hasErr
	})
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("timed out after %s waiting for the response", opts.SendTimeout)
	}
	if msg, ok := ev.Data["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("send failed: %s", msg)
	}

	id, _ := ev.Data["response_id"].(string)
	resp, err := env.Responses.Response(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch response %s: %w", id, err)
	}

	if resp.ID != "" {
		id = resp.ID
	}
	w := newWindow(id, resp.Raw, 0, opts.MaxResponseBytes)
	w.StatusLine = resp.StatusLine()
	w.RoundTripMS = resp.RoundTrip.Milliseconds()
	w.title = htmlTitle(resp)

	env.logger().Debug("response received",
		"session_id", env.SessionID,
		"tool_call_id", CallIDFromContext(ctx),
		"response_id", id,
		"status", w.StatusLine,
		"bytes", w.TotalLength,
	)
	return &w, nil
}
