package draft

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrEmptyRequest is returned when parsing a draft with no request line.
var ErrEmptyRequest = errors.New("request is empty")

// Header is one header line. Unmodified headers keep their original
// line text so an untouched request serializes byte-for-byte.
type Header struct {
	Name  string
	Value string

	line     string
	verbatim bool
}

// Request is a parsed raw HTTP/1.x request. Header order and case are
// preserved, and so is the line-ending style (CRLF or bare LF).
type Request struct {
	Method  string
	Target  string
	Proto   string
	Headers []Header
	Body    string

	eol        string
	terminated bool // head ended with a blank line
	trailing   bool // unterminated head ended with a single line break

	// The original request line is reused while its parts are unchanged.
	line      string
	lineParts [3]string
}

// Parse splits raw into request line, headers and body.
func Parse(raw string) (*Request, error) {
	// The request line's terminator sets the style; bodies may mix.
	eol := "\n"
	if i := strings.IndexByte(raw, '\n'); i > 0 && raw[i-1] == '\r' {
		eol = "\r\n"
	}

	head, body, terminated := strings.Cut(raw, eol+eol)
	trailing := false
	if !terminated && strings.HasSuffix(head, eol) {
		head = strings.TrimSuffix(head, eol)
		trailing = true
	}
	lines := strings.Split(head, eol)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, ErrEmptyRequest
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	r := &Request{
		Method:     parts[0],
		Target:     parts[1],
		Body:       body,
		eol:        eol,
		terminated: terminated,
		trailing:   trailing,
		line:       lines[0],
	}
	if len(parts) == 3 {
		r.Proto = parts[2]
	}
	r.lineParts = [3]string{r.Method, r.Target, r.Proto}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			// Kept verbatim; never matched by name.
			r.Headers = append(r.Headers, Header{line: line, verbatim: true})
			continue
		}
		r.Headers = append(r.Headers, Header{
			Name:     strings.TrimSpace(name),
			Value:    strings.TrimLeft(value, " \t"),
			line:     line,
			verbatim: true,
		})
	}

	return r, nil
}

// String serializes the request.
func (r *Request) String() string {
	var b strings.Builder
	if r.line != "" && r.lineParts == [3]string{r.Method, r.Target, r.Proto} {
		b.WriteString(r.line)
	} else {
		b.WriteString(r.Method)
		b.WriteByte(' ')
		b.WriteString(r.Target)
		if r.Proto != "" {
			b.WriteByte(' ')
			b.WriteString(r.Proto)
		}
	}
	for _, h := range r.Headers {
		b.WriteString(r.eol)
		if h.verbatim {
			b.WriteString(h.line)
			continue
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
	}
	switch {
	case r.terminated || r.Body != "":
		b.WriteString(r.eol)
		b.WriteString(r.eol)
		b.WriteString(r.Body)
	case r.trailing:
		b.WriteString(r.eol)
	}
	return b.String()
}

// Header returns the value of the first header matching name
// case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name != "" && strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader replaces the first header matching name and drops any
// later duplicates, or appends a new header.
func (r *Request) SetHeader(name, value string) {
	out := r.Headers[:0]
	found := false
	for _, h := range r.Headers {
		if h.Name == "" || !strings.EqualFold(h.Name, name) {
			out = append(out, h)
			continue
		}
		if found {
			continue
		}
		found = true
		if h.Value != value {
			h = Header{Name: h.Name, Value: value}
		}
		out = append(out, h)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	r.Headers = out
}

// RemoveHeader drops every header matching name.
func (r *Request) RemoveHeader(name string) {
	out := r.Headers[:0]
	for _, h := range r.Headers {
		if h.Name != "" && strings.EqualFold(h.Name, name) {
			continue
		}
		out = append(out, h)
	}
	r.Headers = out
}

// Path returns the target without its query string.
func (r *Request) Path() string {
	p, _, _ := strings.Cut(r.Target, "?")
	return p
}

// RawQuery returns the query string of the target, without "?".
func (r *Request) RawQuery() string {
	_, q, _ := strings.Cut(r.Target, "?")
	return q
}

func (r *Request) setRawQuery(q string) {
	if q == "" {
		r.Target = r.Path()
		return
	}
	r.Target = r.Path() + "?" + q
}

// SetPath replaces the path, keeping the existing query string unless
// path carries its own.
func (r *Request) SetPath(path string) {
	if strings.Contains(path, "?") {
		r.Target = path
		return
	}
	q := r.RawQuery()
	r.Target = path
	if q != "" {
		r.Target += "?" + q
	}
}

// SetQuery sets a query parameter. The first parameter with a matching
// decoded name is replaced in place; later duplicates are dropped.
// Parameter order and the encoding of other parameters are preserved.
func (r *Request) SetQuery(name, value string) {
	pair := url.QueryEscape(name) + "=" + url.QueryEscape(value)
	params := splitQuery(r.RawQuery())
	out := params[:0]
	found := false
	for _, p := range params {
		if queryKey(p) != name {
			out = append(out, p)
			continue
		}
		if found {
			continue
		}
		found = true
		k, _, _ := strings.Cut(p, "=")
		if v, _ := url.QueryUnescape(queryValue(p)); v == value {
			out = append(out, p)
		} else {
			out = append(out, k+"="+url.QueryEscape(value))
		}
	}
	if !found {
		out = append(out, pair)
	}
	r.setRawQuery(strings.Join(out, "&"))
}

// RemoveQuery drops every query parameter with a matching decoded name.
func (r *Request) RemoveQuery(name string) {
	params := splitQuery(r.RawQuery())
	out := params[:0]
	for _, p := range params {
		if queryKey(p) == name {
			continue
		}
		out = append(out, p)
	}
	r.setRawQuery(strings.Join(out, "&"))
}

// SetBody replaces the body. An existing Content-Length header is
// updated to the new length; one is added when the body is non-empty
// and the request has none.
func (r *Request) SetBody(body string) {
	r.Body = body
	cl := strconv.Itoa(len(body))
	if _, ok := r.Header("Content-Length"); ok {
		r.SetHeader("Content-Length", cl)
		return
	}
	if body != "" {
		if _, chunked := r.Header("Transfer-Encoding"); !chunked {
			r.Headers = append(r.Headers, Header{Name: "Content-Length", Value: cl})
		}
	}
}

func splitQuery(q string) []string {
	if q == "" {
		return nil
	}
	return strings.Split(q, "&")
}

func queryKey(p string) string {
	k, _, _ := strings.Cut(p, "=")
	if dk, err := url.QueryUnescape(k); err == nil {
		return dk
	}
	return k
}

func queryValue(p string) string {
	_, v, _ := strings.Cut(p, "=")
	return v
}
