// Package streamtable is the mutable registry mapping a stream id to its
// local TCP socket — the concurrency heart of the tunnel. A single mutex
// guards the map; lookups and mutations are O(1) and never perform I/O
// while holding the lock, so callers do I/O on the returned net.Conn after
// releasing it.
package streamtable

import (
	"errors"
	"net"
	"sync"
)

// ErrIDCollision is returned by Insert when the id is already present. On
// the ingress side it means a freshly drawn random id is already in use, and
// the caller draws again; on the egress side it can never legitimately occur
// because egress insertion only happens on the "new inbound id" path.
var ErrIDCollision = errors.New("streamtable: id collision")

// Table is the Stream Table described by the tunnel's data model: at most
// one entry per id at any time, removal closes the socket exactly once.
type Table struct {
	mu      sync.Mutex
	streams map[string]net.Conn
}

// New returns an empty Table.
func New() *Table {
	return &Table{streams: make(map[string]net.Conn)}
}

// Insert adds conn under id. Returns ErrIDCollision if id is already
// present; the caller owns conn either way (Insert never closes it).
func (t *Table) Insert(id string, conn net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.streams[id]; exists {
		return ErrIDCollision
	}
	t.streams[id] = conn
	return nil
}

// Get returns the socket registered under id, if any. The returned net.Conn
// remains usable after Get returns — its lifetime is not tied to the table's
// internal lock.
func (t *Table) Get(id string) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.streams[id]
	return conn, ok
}

// Remove closes and deletes the entry for id, if present. Idempotent: a
// second Remove for the same id is a no-op and does not double-close the
// socket. Returns whether an entry was actually present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	conn, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// CloseAll closes every registered socket and empties the table. Used on
// tunnel teardown, where individual DISCONNECT packets can no longer be
// sent to the peer.
func (t *Table) CloseAll() {
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[string]net.Conn)
	t.mu.Unlock()

	for _, conn := range streams {
		_ = conn.Close()
	}
}

// Len returns the number of live entries. Intended for tests and metrics,
// not for control flow — the count can change the instant it is read.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
