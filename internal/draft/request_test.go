package draft

import (
	"errors"
	"testing"
)

func TestParse_RoundTrip(t *testing.T) {
	inputs := []string{
		getX,
		"GET / HTTP/1.1\nHost: a\n\n",
		"POST /p HTTP/1.1\r\nhost:a\r\nX-Odd:  spaced \r\n\r\nbody\r\n\r\nmore",
		"GET  /double-space  HTTP/1.1\r\nHost: a\r\n\r\n",
		"GET / HTTP/1.1\r\nHost: a\r\n",
		"GET / HTTP/1.1\r\nHost: a",
		"GET /legacy\r\n\r\n",
		"GET / HTTP/1.1\r\nnot-a-header\r\n\r\n",
		"POST /upload HTTP/1.1\nHost: a\n\n--b\r\nContent-Disposition: form-data\r\n\r\nx\r\n--b--",
		"POST /p HTTP/1.1\r\nHost: a\r\n\r\nline1\nline2",
	}
	for _, in := range inputs {
		r, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): %v", in, err)
			continue
		}
		if got := r.String(); got != in {
			t.Errorf("round trip:\n got %q\nwant %q", got, in)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("Parse(\"\") = %v, want ErrEmptyRequest", err)
	}
	if _, err := Parse("GARBAGE\r\n\r\n"); err == nil {
		t.Error("expected error for one-word request line")
	}
}

func TestMutators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		m    Mutator
		want string
	}{
		{
			name: "set method",
			in:   "GET /x HTTP/1.1\r\nHost: a\r\n\r\n",
			m:    SetMethod("POST"),
			want: "POST /x HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name: "set path keeps query",
			in:   "GET /x?a=1 HTTP/1.1\r\nHost: a\r\n\r\n",
			m:    SetPath("/y"),
			want: "GET /y?a=1 HTTP/1.1\r\nHost: a\r\n\r\n",
		},
		{
			name: "set path with query replaces target",
			in:   "GET /x?a=1 HTTP/1.1\r\n\r\n",
			m:    SetPath("/y?b=2"),
			want: "GET /y?b=2 HTTP/1.1\r\n\r\n",
		},
		{
			name: "set header replaces case-insensitively",
			in:   "GET / HTTP/1.1\r\nhost: a\r\nAccept: x\r\nHOST: dup\r\n\r\n",
			m:    SetHeader("Host", "b"),
			want: "GET / HTTP/1.1\r\nhost: b\r\nAccept: x\r\n\r\n",
		},
		{
			name: "set header appends",
			in:   "GET / HTTP/1.1\nHost: a\n\n",
			m:    SetHeader("X-Test", "1"),
			want: "GET / HTTP/1.1\nHost: a\nX-Test: 1\n\n",
		},
		{
			name: "set header on unterminated head",
			in:   "GET / HTTP/1.1\r\nHost: a\r\n",
			m:    SetHeader("X-Test", "1"),
			want: "GET / HTTP/1.1\r\nHost: a\r\nX-Test: 1\r\n",
		},
		{
			name: "remove header all",
			in:   "GET / HTTP/1.1\r\nCookie: a\r\nHost: h\r\ncookie: b\r\n\r\n",
			m:    RemoveHeader("COOKIE"),
			want: "GET / HTTP/1.1\r\nHost: h\r\n\r\n",
		},
		{
			name: "set query in place",
			in:   "GET /s?a=1&q=old&b=2 HTTP/1.1\r\n\r\n",
			m:    SetQuery("q", "new value"),
			want: "GET /s?a=1&q=new+value&b=2 HTTP/1.1\r\n\r\n",
		},
		{
			name: "set query appends",
			in:   "GET /s HTTP/1.1\r\n\r\n",
			m:    SetQuery("id", "1&2"),
			want: "GET /s?id=1%262 HTTP/1.1\r\n\r\n",
		},
		{
			name: "remove query",
			in:   "GET /s?a=1&b=2&a=3 HTTP/1.1\r\n\r\n",
			m:    RemoveQuery("a"),
			want: "GET /s?b=2 HTTP/1.1\r\n\r\n",
		},
		{
			name: "remove last query drops question mark",
			in:   "GET /s?a=1 HTTP/1.1\r\n\r\n",
			m:    RemoveQuery("a"),
			want: "GET /s HTTP/1.1\r\n\r\n",
		},
		{
			name: "set body updates content-length",
			in:   "POST / HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc",
			m:    SetBody("hello"),
			want: "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
		},
		{
			name: "set body adds content-length",
			in:   "POST / HTTP/1.1\r\nHost: a\r\n\r\n",
			m:    SetBody("x=1"),
			want: "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\n\r\nx=1",
		},
		{
			name: "set method with CRLF in LF body",
			in:   "GET /x HTTP/1.1\nHost: a\n\nline1\r\nline2",
			m:    SetMethod("POST"),
			want: "POST /x HTTP/1.1\nHost: a\n\nline1\r\nline2",
		},
		{
			name: "set header with CRLF in LF body",
			in:   "POST /u HTTP/1.1\nHost: a\n\n--b\r\n\r\nx",
			m:    SetHeader("X-Test", "1"),
			want: "POST /u HTTP/1.1\nHost: a\nX-Test: 1\n\n--b\r\n\r\nx",
		},
		{
			name: "replace text all occurrences",
			in:   "GET /a/a HTTP/1.1\r\n\r\n",
			m:    ReplaceText("/a", "/b"),
			want: "GET /b/b HTTP/1.1\r\n\r\n",
		},
		{
			name: "replace raw",
			in:   "GET / HTTP/1.1\r\n\r\n",
			m:    ReplaceRaw("DELETE /z HTTP/1.1\r\n\r\n"),
			want: "DELETE /z HTTP/1.1\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.m(tt.in)
			if err != nil {
				t.Fatalf("mutator error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestMutators_NoopKeepsBytes(t *testing.T) {
	in := "GET /s?q=a+b HTTP/1.1\r\nhost:a\r\n\r\n"
	for name, m := range map[string]Mutator{
		"same header": SetHeader("Host", "a"),
		"same query":  SetQuery("q", "a b"),
		"same method": SetMethod("GET"),
		"absent":      RemoveHeader("Cookie"),
	} {
		got, err := m(in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != in {
			t.Errorf("%s changed bytes: %q", name, got)
		}
	}
}

func TestMutators_Invalid(t *testing.T) {
	for name, m := range map[string]Mutator{
		"method with space": SetMethod("GE T"),
		"empty path":        SetPath(""),
		"header injection":  SetHeader("X", "a\r\nEvil: 1"),
		"header name colon": SetHeader("X:Y", "1"),
		"empty query name":  SetQuery("", "v"),
	} {
		if _, err := m(getX); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
