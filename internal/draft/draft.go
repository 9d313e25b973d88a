// Package draft holds the editable raw HTTP request of a replay session.
//
// Every change goes through one read-modify-write entry point
// ([Draft.UpdateRaw] or [Draft.Apply]) that runs under the draft's
// lock, so sequential mutations always see the latest text and never
// lose each other's updates. The draft keeps a single undo slot.
package draft

import (
	"net"
	"strconv"
	"sync"
)

// Connection describes where a draft is sent.
type Connection struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
	// SNI overrides the TLS server name; empty means Host.
	SNI string `json:"sni,omitempty"`
}

// Addr returns host:port.
func (c Connection) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ServerName returns the TLS server name to present.
func (c Connection) ServerName() string {
	if c.SNI != "" {
		return c.SNI
	}
	return c.Host
}

// Draft is the mutable raw request for one session.
type Draft struct {
	mu      sync.Mutex
	raw     string
	prev    string
	hasPrev bool
	conn    Connection

	hooksMu sync.RWMutex
	hooks   []func(raw string)
}

// New creates a draft.
func New(raw string, conn Connection) *Draft {
	return &Draft{raw: raw, conn: conn}
}

// Raw returns the current raw request text.
func (d *Draft) Raw() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw
}

// Connection returns the connection metadata.
func (d *Draft) Connection() Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// SetConnection replaces the connection metadata.
func (d *Draft) SetConnection(c Connection) {
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()
}

// CanRevert reports whether a previous version is available.
func (d *Draft) CanRevert() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPrev
}

// OnChange registers fn to run after every change (mutation or
// revert). Hooks run outside the draft's lock with the new text.
func (d *Draft) OnChange(fn func(raw string)) {
	d.hooksMu.Lock()
	d.hooks = append(d.hooks, fn)
	d.hooksMu.Unlock()
}

// UpdateRaw applies fn to the current text and stores the result. It
// reports whether the text changed.
func (d *Draft) UpdateRaw(fn func(string) string) bool {
	changed, _ := d.Apply(func(raw string) (string, error) {
		return fn(raw), nil
	})
	return changed
}

// Apply runs m against the current text. On error the draft is left
// unchanged.
func (d *Draft) Apply(m Mutator) (bool, error) {
	d.mu.Lock()
	old := d.raw
	updated, err := m(old)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	if updated == old {
		d.mu.Unlock()
		return false, nil
	}
	d.prev, d.hasPrev = old, true
	d.raw = updated
	d.mu.Unlock()

	d.notify(updated)
	return true, nil
}

// Revert restores the text held before the last change. It returns
// false when there is nothing to revert. A revert cannot itself be
// reverted.
func (d *Draft) Revert() bool {
	d.mu.Lock()
	if !d.hasPrev {
		d.mu.Unlock()
		return false
	}
	d.raw = d.prev
	d.prev, d.hasPrev = "", false
	raw := d.raw
	d.mu.Unlock()

	d.notify(raw)
	return true
}

func (d *Draft) notify(raw string) {
	d.hooksMu.RLock()
	hooks := d.hooks
	d.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(raw)
	}
}
