package findings

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/replay-agent/internal/replay"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_ReportAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec, err := store.Add(ctx, replay.Finding{
		SessionID:   "s1",
		Title:       "  Reflected XSS in q  ",
		Description: "The `q` parameter is echoed **unescaped**.",
		Severity:    replay.SeverityHigh,
		Request:     "GET /search?q=<script> HTTP/1.1\r\n\r\n",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Title != "Reflected XSS in q" {
		t.Errorf("title not trimmed: %q", rec.Title)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Severity != replay.SeverityHigh || got.SessionID != "s1" {
		t.Errorf("got %+v", got)
	}
	if !strings.Contains(got.DescriptionHTML, "<strong>unescaped</strong>") ||
		!strings.Contains(got.DescriptionHTML, "<code>q</code>") {
		t.Errorf("DescriptionHTML = %q", got.DescriptionHTML)
	}
	if !strings.HasPrefix(got.Request, "GET /search") {
		t.Errorf("request = %q", got.Request)
	}
}

func TestStore_DefaultSeverity(t *testing.T) {
	store := setupTestStore(t)
	rec, err := store.Add(context.Background(), replay.Finding{SessionID: "s1", Title: "Server banner"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Severity != replay.SeverityInfo {
		t.Errorf("severity = %q, want info", rec.Severity)
	}
}

func TestStore_Rejects(t *testing.T) {
	store := setupTestStore(t)
	tests := []struct {
		name string
		f    replay.Finding
	}{
		{"no title", replay.Finding{SessionID: "s1", Title: " "}},
		{"no session", replay.Finding{Title: "x"}},
		{"bad severity", replay.Finding{SessionID: "s1", Title: "x", Severity: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.ReportFinding(context.Background(), tt.f); err == nil {
				t.Error("expected error")
			}
		})
	}

	all, _ := store.List(context.Background(), "")
	if len(all) != 0 {
		t.Errorf("rejected findings were stored: %d", len(all))
	}
}

func TestStore_ListBySession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, f := range []replay.Finding{
		{SessionID: "a", Title: "first", Severity: replay.SeverityLow},
		{SessionID: "b", Title: "other"},
		{SessionID: "a", Title: "second", Severity: replay.SeverityLow},
		{SessionID: "a", Title: "third", Severity: replay.SeverityCritical},
	} {
		if err := store.ReportFinding(ctx, f); err != nil {
			t.Fatalf("ReportFinding: %v", err)
		}
	}

	list, err := store.List(ctx, "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var titles []string
	for _, r := range list {
		titles = append(titles, r.Title)
	}
	if strings.Join(titles, ",") != "first,second,third" {
		t.Errorf("titles = %v", titles)
	}

	all, _ := store.List(ctx, "")
	if len(all) != 4 {
		t.Errorf("List(all) = %d, want 4", len(all))
	}

	counts, err := store.CountBySeverity(ctx, "a")
	if err != nil {
		t.Fatalf("CountBySeverity: %v", err)
	}
	if counts[replay.SeverityLow] != 2 || counts[replay.SeverityCritical] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
