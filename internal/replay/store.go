package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/replay-agent/internal/draft"
)

// Store keeps sessions and responses in memory. It implements
// [SessionSource] and [ResponseFetcher]. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	responses map[string]*Response
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		responses: make(map[string]*Response),
	}
}

// CreateSession stores a new session with a generated id.
func (s *Store) CreateSession(conn draft.Connection, raw string) (*Session, error) {
	if conn.Host == "" {
		return nil, fmt.Errorf("connection host is required")
	}
	if conn.Port <= 0 || conn.Port > 65535 {
		return nil, fmt.Errorf("connection port %d out of range", conn.Port)
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		Connection: conn,
		Raw:        raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	cp := *sess
	return &cp, nil
}

// Session returns a copy of the session, or [ErrSessionGone].
func (s *Store) Session(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionGone)
	}
	cp := *sess
	return &cp, nil
}

// Sessions returns every session ordered by creation time.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateRaw writes back the draft text of a session.
func (s *Store) UpdateRaw(id, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionGone)
	}
	sess.Raw = raw
	sess.UpdatedAt = time.Now()
	return nil
}

// DeleteSession removes a session and its responses.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionGone)
	}
	delete(s.sessions, id)
	for rid, r := range s.responses {
		if r.SessionID == id {
			delete(s.responses, rid)
		}
	}
	return nil
}

// AddResponse stores a response, assigning an id when empty.
func (s *Store) AddResponse(r *Response) string {
	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now()
	}
	s.mu.Lock()
	s.responses[cp.ID] = &cp
	s.mu.Unlock()
	return cp.ID
}

// Response returns a copy of the response, or [ErrResponseUnavailable].
func (s *Store) Response(_ context.Context, id string) (*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, fmt.Errorf("response %s: %w", id, ErrResponseUnavailable)
	}
	cp := *r
	return &cp, nil
}
