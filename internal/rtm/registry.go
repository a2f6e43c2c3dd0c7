package rtm

import (
	"sync"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

type registryKey struct {
	appID   string
	variant protocol.Variant
}

type registryEntry struct {
	conn  *Connection
	peers map[string]struct{}
}

// Registry shares one Connection per (application, protocol variant)
// among the peers registered for it.
type Registry struct {
	mu    sync.Mutex
	conns map[registryKey]*registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[registryKey]*registryEntry)}
}

// Register returns the connection for cfg, creating it if needed, and
// records peerID as one of its users. A peer may only be registered once
// per connection.
func (r *Registry) Register(cfg Config, peerID string) (*Connection, error) {
	cfg.defaults()
	key := registryKey{cfg.AppID, cfg.Variant}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[key]
	if !ok {
		entry = &registryEntry{conn: New(cfg), peers: make(map[string]struct{})}
		r.conns[key] = entry
	}
	if _, dup := entry.peers[peerID]; dup {
		return nil, errs.Inconsistency("client %q is already registered on %s/%s", peerID, cfg.AppID, cfg.Variant)
	}
	entry.peers[peerID] = struct{}{}
	return entry.conn, nil
}

// Unregister releases peerID's reference to conn. The connection is
// closed and forgotten when its last peer leaves.
func (r *Registry) Unregister(conn *Connection, peerID string) {
	key := registryKey{conn.AppID(), conn.Variant()}

	r.mu.Lock()
	entry, ok := r.conns[key]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(entry.peers, peerID)
	last := len(entry.peers) == 0
	if last {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	conn.Disconnect(peerID)
	if last {
		conn.Close()
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Default is the process-wide registry.
var Default = NewRegistry()
