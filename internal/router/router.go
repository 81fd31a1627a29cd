// Package router maps ILP destination addresses to peers by longest
// matching address prefix.
package router

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Route binds an ILP address prefix to the peer packets for that
// prefix are forwarded to.
type Route struct {
	Prefix string
	PeerID uuid.UUID
}

// Table is a concurrency-safe prefix routing table.
type Table struct {
	mu     sync.RWMutex
	routes map[string]uuid.UUID
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{routes: make(map[string]uuid.UUID)}
}

// Set installs or replaces the route for a prefix.
func (t *Table) Set(prefix string, peerID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[prefix] = peerID
}

// Remove drops the route for a prefix.
func (t *Table) Remove(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, prefix)
}

// RemovePeer drops every route pointing at a peer.
func (t *Table) RemovePeer(peerID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for prefix, id := range t.routes {
		if id == peerID {
			delete(t.routes, prefix)
		}
	}
}

// Resolve returns the peer behind the longest route prefix matching the
// destination. A prefix matches when the destination equals it or
// continues it at a segment boundary.
func (t *Table) Resolve(destination string) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best string
	var peerID uuid.UUID
	found := false
	for prefix, id := range t.routes {
		if !matches(destination, prefix) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best = prefix
			peerID = id
			found = true
		}
	}
	return peerID, found
}

func matches(destination, prefix string) bool {
	if destination == prefix {
		return true
	}
	return strings.HasPrefix(destination, prefix+".")
}
