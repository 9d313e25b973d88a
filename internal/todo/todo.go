// Package todo tracks the agent's scratchpad plan for the current turn:
// a short ordered list of items the agent adds and checks off while it
// works. The list is cleared when a turn ends.
package todo

import (
	"fmt"
	"strings"
	"sync"
)

// Status is the state of a todo item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted
}

// Item is one todo entry. IDs are chosen by the caller.
type Item struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  Status `json:"status"`
}

// Update is a partial change to an item. Nil fields are left alone.
type Update struct {
	Content *string
	Status  *Status
}

// Tracker is an ordered, concurrency-safe todo list.
type Tracker struct {
	mu       sync.Mutex
	items    []Item
	onChange func([]Item)
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// OnChange sets a hook that receives a copy of the list after every
// change. It runs outside the tracker's lock.
func (t *Tracker) OnChange(fn func([]Item)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Add appends a pending item. The id must be non-empty and unused.
func (t *Tracker) Add(id, content string) (Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Item{}, fmt.Errorf("todo id is required")
	}
	if strings.TrimSpace(content) == "" {
		return Item{}, fmt.Errorf("todo %q: content is required", id)
	}

	t.mu.Lock()
	if t.indexLocked(id) >= 0 {
		t.mu.Unlock()
		return Item{}, fmt.Errorf("todo with id %q already exists", id)
	}
	item := Item{ID: id, Content: content, Status: StatusPending}
	t.items = append(t.items, item)
	snapshot, hook := t.snapshotLocked()
	t.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return item, nil
}

// Update applies a partial update. An unknown id is an error naming
// the id, and the list is left unchanged.
func (t *Tracker) Update(id string, u Update) (Item, error) {
	if u.Status != nil && !u.Status.Valid() {
		return Item{}, fmt.Errorf("todo %q: invalid status %q", id, *u.Status)
	}
	if u.Content != nil && strings.TrimSpace(*u.Content) == "" {
		return Item{}, fmt.Errorf("todo %q: content cannot be empty", id)
	}

	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return Item{}, fmt.Errorf("todo with id %q not found", id)
	}
	if u.Content != nil {
		t.items[i].Content = *u.Content
	}
	if u.Status != nil {
		t.items[i].Status = *u.Status
	}
	item := t.items[i]
	snapshot, hook := t.snapshotLocked()
	t.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return item, nil
}

// List returns a copy of the items in insertion order.
func (t *Tracker) List() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Item(nil), t.items...)
}

// Len returns the number of items.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Clear removes every item.
func (t *Tracker) Clear() {
	t.mu.Lock()
	if len(t.items) == 0 {
		t.mu.Unlock()
		return
	}
	t.items = nil
	snapshot, hook := t.snapshotLocked()
	t.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
}

// Summary renders the list for the model's context, one item per line.
func (t *Tracker) Summary() string {
	items := t.List()
	if len(items) == 0 {
		return "(no todos)"
	}
	var b strings.Builder
	for _, it := range items {
		mark := " "
		if it.Status == StatusCompleted {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", mark, it.ID, it.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *Tracker) indexLocked(id string) int {
	for i, it := range t.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (t *Tracker) snapshotLocked() ([]Item, func([]Item)) {
	return append([]Item(nil), t.items...), t.onChange
}
