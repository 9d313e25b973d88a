// Package findings persists the security findings agents report. Each
// finding keeps the markdown description the model wrote plus an HTML
// rendering for UIs, and a copy of the request draft at report time.
package findings

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/replay-agent/internal/replay"
)

// ErrNotFound is returned by [Store.Get] for unknown ids.
var ErrNotFound = errors.New("finding not found")

// Record is a stored finding.
type Record struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	DescriptionHTML string          `json:"description_html,omitempty"`
	Severity        replay.Severity `json:"severity"`
	Request         string          `json:"request"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Store is a SQLite-backed [replay.FindingSink].
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a finding store on db, running migrations on first
// use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate findings: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS findings (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			title            TEXT NOT NULL,
			description      TEXT NOT NULL,
			description_html TEXT NOT NULL,
			severity         TEXT NOT NULL,
			request          TEXT NOT NULL,
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id, created_at);
	`)
	return err
}

// ReportFinding validates and stores f.
func (s *Store) ReportFinding(ctx context.Context, f replay.Finding) error {
	_, err := s.Add(ctx, f)
	return err
}

// Add stores f and returns the persisted record.
func (s *Store) Add(ctx context.Context, f replay.Finding) (*Record, error) {
	title := strings.TrimSpace(f.Title)
	if title == "" {
		return nil, errors.New("finding title is required")
	}
	if f.SessionID == "" {
		return nil, errors.New("finding session id is required")
	}
	sev := f.Severity
	if sev == "" {
		sev = replay.SeverityInfo
	}
	if !sev.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", sev)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate finding ID: %w", err)
	}

	rendered, err := renderMarkdown(f.Description)
	if err != nil {
		return nil, fmt.Errorf("render description: %w", err)
	}

	rec := &Record{
		ID:              id.String(),
		SessionID:       f.SessionID,
		Title:           title,
		Description:     f.Description,
		DescriptionHTML: rendered,
		Severity:        sev,
		Request:         f.Request,
		CreatedAt:       s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO findings (id, session_id, title, description, description_html, severity, request, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Title, rec.Description, rec.DescriptionHTML,
		string(rec.Severity), rec.Request, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert finding: %w", err)
	}
	return rec, nil
}

// Get returns one finding by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, description, description_html, severity, request, created_at
		 FROM findings WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// List returns findings oldest first. An empty sessionID lists every
// session. Rendered HTML is omitted; use [Store.Get] for it.
func (s *Store) List(ctx context.Context, sessionID string) ([]*Record, error) {
	query := `SELECT id, session_id, title, description, '', severity, request, created_at FROM findings`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountBySeverity returns how many findings a session has per severity.
func (s *Store) CountBySeverity(ctx context.Context, sessionID string) (map[replay.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE session_id = ? GROUP BY severity`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	defer rows.Close()

	out := make(map[replay.Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[replay.Severity(sev)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var sev, created string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Title, &rec.Description,
		&rec.DescriptionHTML, &sev, &rec.Request, &created); err != nil {
		return nil, err
	}
	rec.Severity = replay.Severity(sev)
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	rec.CreatedAt = t
	return &rec, nil
}

func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
