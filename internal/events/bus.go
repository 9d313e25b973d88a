// Package events provides a publish/subscribe event bus. Events flow
// from components (the replay client, the agent loop) to subscribers
// (the send tool waiting on a response, WebSocket handlers). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"context"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceReplay identifies events from the replay client.
	SourceReplay = "replay"
	// SourceAgent identifies events from an agent loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session registry.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindEntryUpdated signals that a replayed request produced (or
	// failed to produce) a response.
	// Data: session_id, response_id, error (on failure).
	KindEntryUpdated = "entry_updated"

	// KindStatus signals an agent status transition.
	// Data: session_id, status, stop_reason.
	KindStatus = "status"
	// KindUIMessage signals that a UI message was added or changed.
	// Data: session_id, message_id, role, state.
	KindUIMessage = "ui_message"
	// KindTodos signals that the todo list changed.
	// Data: session_id, count.
	KindTodos = "todos"
	// KindDraft signals that the draft request changed.
	// Data: session_id, length.
	KindDraft = "draft"

	// KindSessionOpened signals that a session was created.
	// Data: session_id.
	KindSessionOpened = "session_opened"
	// KindSessionClosed signals that a session and its agent were discarded.
	// Data: session_id.
	KindSessionClosed = "session_closed"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// SessionID returns the session_id carried in Data, or "".
func (e Event) SessionID() string {
	s, _ := e.Data["session_id"].(string)
	return s
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is set to now. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// WaitFor reads ch until match returns true, ctx is done, or ch is
// closed. The bool result is false unless a matching event was found.
func WaitFor(ctx context.Context, ch <-chan Event, match func(Event) bool) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case e, ok := <-ch:
			if !ok {
				return Event{}, false
			}
			if match(e) {
				return e, true
			}
		}
	}
}
