// Package registry is the process-wide directory of live connections and the
// per-address bookkeeping that admission control reads.
package registry

import (
	"sync"
	"time"

	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
)

// DefaultMaxConnectionsPerAddress is the per-address connection cap.
const DefaultMaxConnectionsPerAddress = 16

// ConnectionListener is notified of every registered connection.
type ConnectionListener interface {
	HandleConnection(c *conn.Connection)
}

// AddressRecord counts the live connections from one remote address.
type AddressRecord struct {
	ActiveCount int
	LastConnect time.Time
}

// Config tunes a Registry.
type Config struct {
	MaxConnectionsPerAddress int
	// Retention is how long a connect attempt timestamp is remembered after
	// the address has no live connections. It should be at least the
	// minimum connect interval enforced by admission.
	Retention time.Duration
	IDs       IDGenerator
	Clock     clock.Clock
}

// Registry maps connection ids to connections and remote addresses to their
// AddressRecord. All methods are safe for concurrent use.
type Registry struct {
	maxPerAddress int
	retention     time.Duration
	ids           IDGenerator
	clock         clock.Clock

	mu          sync.RWMutex
	connections map[string]*conn.Connection
	addresses   map[string]*AddressRecord
	attempts    map[string]time.Time
	listener    ConnectionListener
}

// New creates an empty Registry.
//
// Postcondition: Zero config values fall back to a cap of 16, counter ids
// for server 1 and the real clock.
func New(cfg Config) *Registry {
	if cfg.MaxConnectionsPerAddress <= 0 {
		cfg.MaxConnectionsPerAddress = DefaultMaxConnectionsPerAddress
	}
	if cfg.IDs == nil {
		cfg.IDs = NewCounterIDs(1)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Registry{
		maxPerAddress: cfg.MaxConnectionsPerAddress,
		retention:     cfg.Retention,
		ids:           cfg.IDs,
		clock:         cfg.Clock,
		connections:   make(map[string]*conn.Connection),
		addresses:     make(map[string]*AddressRecord),
		attempts:      make(map[string]time.Time),
	}
}

// SetListener installs the new-connection listener, replacing any previous
// one.
func (r *Registry) SetListener(l ConnectionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// NextID returns a fresh connection identifier.
func (r *Registry) NextID() string {
	return r.ids.NextID()
}

// Register stores c and counts it against its remote address, then notifies
// the listener outside the lock.
//
// Precondition: c must be non-nil.
// Postcondition: Re-registering an id already present replaces the entry
// without counting the address twice.
func (r *Registry) Register(c *conn.Connection) {
	r.mu.Lock()
	if prev, exists := r.connections[c.ID()]; exists {
		r.releaseAddressLocked(prev.RemoteAddr())
	}
	r.connections[c.ID()] = c
	rec, ok := r.addresses[c.RemoteAddr()]
	if !ok {
		rec = &AddressRecord{}
		r.addresses[c.RemoteAddr()] = rec
	}
	rec.ActiveCount++
	if at, ok := r.attempts[c.RemoteAddr()]; ok {
		rec.LastConnect = at
	}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.HandleConnection(c)
	}
}

// Unregister removes the connection with id.
//
// Postcondition: Returns false if id was not registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[id]
	if !ok {
		return false
	}
	delete(r.connections, id)
	r.releaseAddressLocked(c.RemoteAddr())
	return true
}

func (r *Registry) releaseAddressLocked(addr string) {
	rec, ok := r.addresses[addr]
	if !ok {
		return
	}
	rec.ActiveCount--
	if rec.ActiveCount <= 0 {
		delete(r.addresses, addr)
	}
}

// Lookup returns the connection with id, if registered.
func (r *Registry) Lookup(id string) (*conn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

// IsOverConnectionLimit reports whether addr has more live connections than
// the per-address cap.
func (r *Registry) IsOverConnectionLimit(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.addresses[addr]
	return ok && rec.ActiveCount > r.maxPerAddress
}

// RecordConnectAttempt stamps addr with the current time. It is called for
// attempts that are later rejected too.
func (r *Registry) RecordConnectAttempt(addr string) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneAttemptsLocked(now)
	r.attempts[addr] = now
	if rec, ok := r.addresses[addr]; ok {
		rec.LastConnect = now
	}
}

// LastConnectAttempt returns the time of the most recent recorded attempt
// from addr.
func (r *Registry) LastConnectAttempt(addr string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.attempts[addr]
	return at, ok
}

// pruneAttemptsLocked forgets attempts older than the retention window from
// addresses with no live connections.
func (r *Registry) pruneAttemptsLocked(now time.Time) {
	for addr, at := range r.attempts {
		if _, live := r.addresses[addr]; live {
			continue
		}
		if now.Sub(at) > r.retention {
			delete(r.attempts, addr)
		}
	}
}

// HasAnyConnections reports whether at least one connection is registered.
func (r *Registry) HasAnyConnections() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections) > 0
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// AddressCount returns the number of live connections from addr.
func (r *Registry) AddressCount(addr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.addresses[addr]; ok {
		return rec.ActiveCount
	}
	return 0
}

// Address returns a copy of the record for addr.
func (r *Registry) Address(addr string) (AddressRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.addresses[addr]
	if !ok {
		return AddressRecord{}, false
	}
	return *rec, true
}

// ForEach calls fn for a snapshot of the registered connections. fn runs
// outside the lock and may call back into the Registry.
func (r *Registry) ForEach(fn func(c *conn.Connection)) {
	r.mu.RLock()
	snapshot := make([]*conn.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}
