package draft

import (
	"strings"
	"sync"
	"testing"
)

const getX = "GET /x HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"

func TestUpdateRaw_ReportsChange(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		want bool
	}{
		{"identity", func(s string) string { return s }, false},
		{"rebuilt identical", func(s string) string { return string([]byte(s)) }, false},
		{"append", func(s string) string { return s + "x" }, true},
		{"empty", func(string) string { return "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(getX, Connection{})
			if got := d.UpdateRaw(tt.fn); got != tt.want {
				t.Errorf("UpdateRaw = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply_ComposesInOrder(t *testing.T) {
	muts := []Mutator{
		SetMethod("POST"),
		SetPath("/api/users"),
		SetHeader("Content-Type", "application/json"),
		SetBody(`{"a":1}`),
		SetQuery("debug", "true"),
		ReplaceText("users", "admins"),
	}

	d := New(getX, Connection{})
	for _, m := range muts {
		if _, err := d.Apply(m); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	want := getX
	for _, m := range muts {
		var err error
		if want, err = m(want); err != nil {
			t.Fatalf("compose: %v", err)
		}
	}
	if d.Raw() != want {
		t.Errorf("sequential Apply = %q\ncomposition = %q", d.Raw(), want)
	}
	if !strings.HasPrefix(d.Raw(), "POST /api/admins?debug=true HTTP/1.1\r\n") {
		t.Errorf("unexpected request line in %q", d.Raw())
	}
}

func TestReplaceText_EmptyMatchNoop(t *testing.T) {
	d := New(getX, Connection{})
	changed, err := d.Apply(ReplaceText("", "X"))
	if err != nil {
		t.Fatal(err)
	}
	if changed || d.Raw() != getX {
		t.Errorf("empty match changed the draft: %q", d.Raw())
	}
}

func TestApply_ErrorLeavesDraft(t *testing.T) {
	d := New("garbage", Connection{})
	if _, err := d.Apply(SetMethod("POST")); err == nil {
		t.Fatal("expected parse error")
	}
	if d.Raw() != "garbage" {
		t.Errorf("draft changed after failed mutation: %q", d.Raw())
	}
	if d.CanRevert() {
		t.Error("failed mutation created an undo slot")
	}
}

func TestRevert(t *testing.T) {
	d := New(getX, Connection{})
	if d.Revert() {
		t.Fatal("Revert with no history returned true")
	}

	d.Apply(SetMethod("POST"))
	d.Apply(SetMethod("PUT"))
	if !d.Revert() {
		t.Fatal("Revert returned false")
	}
	if !strings.HasPrefix(d.Raw(), "POST ") {
		t.Errorf("after revert = %q, want POST request", d.Raw())
	}
	if d.Revert() {
		t.Error("second Revert succeeded; only one level is kept")
	}
}

func TestNoopDoesNotClobberUndo(t *testing.T) {
	d := New(getX, Connection{})
	d.Apply(SetMethod("POST"))
	d.Apply(SetMethod("POST")) // no change
	d.Revert()
	if d.Raw() != getX {
		t.Errorf("revert after no-op = %q, want original", d.Raw())
	}
}

func TestOnChange(t *testing.T) {
	d := New(getX, Connection{})
	var got []string
	d.OnChange(func(raw string) { got = append(got, raw) })

	d.Apply(SetMethod("POST"))
	d.Apply(SetMethod("POST"))
	d.Revert()

	if len(got) != 2 {
		t.Fatalf("hook ran %d times, want 2", len(got))
	}
	if got[1] != getX {
		t.Errorf("revert hook saw %q", got[1])
	}
}

func TestUpdateRaw_ConcurrentNoLostUpdates(t *testing.T) {
	d := New("", Connection{})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.UpdateRaw(func(s string) string { return s + "a" })
		}()
	}
	wg.Wait()
	if len(d.Raw()) != 50 {
		t.Errorf("len = %d, want 50", len(d.Raw()))
	}
}

func TestConnection(t *testing.T) {
	c := Connection{Host: "example.com", Port: 443, TLS: true}
	if c.Addr() != "example.com:443" {
		t.Errorf("Addr = %q", c.Addr())
	}
	if c.ServerName() != "example.com" {
		t.Errorf("ServerName = %q", c.ServerName())
	}
	c.SNI = "internal.example"
	if c.ServerName() != "internal.example" {
		t.Errorf("ServerName with SNI = %q", c.ServerName())
	}
}
