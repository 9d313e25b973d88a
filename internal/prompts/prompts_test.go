package prompts

import (
	"strings"
	"testing"
)

func TestBaseSystemPrompt_NamesTools(t *testing.T) {
	p := BaseSystemPrompt()
	for _, name := range []string{"sendRequest", "grepResponse", "revertRequest", "reportFinding", "pause", "addTodo"} {
		if !strings.Contains(p, name) {
			t.Errorf("system prompt does not mention %s", name)
		}
	}
}

func TestMaxIterationsNotice(t *testing.T) {
	if got := MaxIterationsNotice(3); got != "Reached maximum iterations (3)" {
		t.Errorf("MaxIterationsNotice(3) = %q", got)
	}
}

func TestSessionContext(t *testing.T) {
	got := SessionContext("https://target.test:443", "GET / HTTP/1.1\r\nHost: target.test\r\n\r\n", "(no todos)")

	wantParts := []string{
		"Target: https://target.test:443",
		"```http\nGET / HTTP/1.1\r\nHost: target.test\n```",
		"### Todo List\n(no todos)\n",
	}
	for _, want := range wantParts {
		if !strings.Contains(got, want) {
			t.Errorf("SessionContext missing %q in:\n%s", want, got)
		}
	}
}
