// Package delivery owns the per-connection outbound queues. Game logic
// enqueues envelopes through Send and its variants; the world scheduler
// drains every queue once per tick with Flush.
package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
	"github.com/cory-johannsen/realmgate/internal/network/registry"
)

// DefaultConnectInterval is the minimum time between two connection
// attempts from one address.
const DefaultConnectInterval = 5000 * time.Millisecond

// ConnectionHandler is the game-logic side of connection lifecycle events.
type ConnectionHandler interface {
	// HandleConnection is called once per admitted connection.
	HandleConnection(c *conn.Connection)
	// HandleDisconnect is called once when an admitted connection closes.
	HandleDisconnect(c *conn.Connection, reason conn.Reason)
}

// RegionIndex resolves regions of the world grid to the connection ids in
// them.
type RegionIndex interface {
	// Players returns the ids in region.
	Players(region int) []string
	// Surrounding returns the ids in region and its neighbours.
	Surrounding(region int) []string
}

// Config tunes a Manager.
type Config struct {
	ConnectInterval time.Duration
	// BanTimeout bounds a single ban lookup. Zero means no bound.
	BanTimeout time.Duration
	// Debug disables the connect interval and per-address cap checks.
	Debug bool
}

// FlushStats summarises one Flush call.
type FlushStats struct {
	// Batches is the number of frames handed to connections.
	Batches int
	// Envelopes is the number of envelopes in those frames.
	Envelopes int
	// Dropped is the number of queues discarded because their connection
	// was gone.
	Dropped int
}

// Manager holds one outbound queue per admitted connection.
// All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	bans     BanChecker
	regions  RegionIndex
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	queues  map[string][]any // connection id → serialized envelopes
	handler ConnectionHandler
}

// NewManager creates a Manager over reg.
//
// Precondition: reg and logger must be non-nil. bans and regions may be nil,
// which disables ban checks and region-scoped sends respectively.
// Postcondition: Returns a Manager with no queues and no connection handler.
func NewManager(cfg Config, reg *registry.Registry, bans BanChecker, regions RegionIndex, clk clock.Clock, logger *zap.Logger) *Manager {
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = DefaultConnectInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		bans:     bans,
		regions:  regions,
		clock:    clk,
		logger:   logger,
		queues:   make(map[string][]any),
	}
}

// SetHandler installs the connection handler, replacing any previous one.
func (m *Manager) SetHandler(h ConnectionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Send queues env for connection id. It is a no-op when id has no queue.
func (m *Manager) Send(id string, env packet.Envelope) {
	item := env.Serialize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(id, item)
}

// SendToMany queues env for each id in ids.
func (m *Manager) SendToMany(ids []string, env packet.Envelope) {
	if len(ids) == 0 {
		return
	}
	item := env.Serialize()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.appendLocked(id, item)
	}
}

// Broadcast queues env for every admitted connection.
func (m *Manager) Broadcast(env packet.Envelope) {
	item := env.Serialize()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.queues {
		m.queues[id] = append(q, item)
	}
}

// SendToRegion queues env for every connection in region except exclude.
// An empty exclude skips nobody.
func (m *Manager) SendToRegion(region int, env packet.Envelope, exclude string) {
	if m.regions == nil || region < 0 {
		return
	}
	m.SendToMany(without(m.regions.Players(region), exclude), env)
}

// SendToSurroundingRegions queues env for every connection in region and its
// neighbours except exclude. A negative region is a no-op.
func (m *Manager) SendToSurroundingRegions(region int, env packet.Envelope, exclude string) {
	if m.regions == nil || region < 0 {
		return
	}
	m.SendToMany(without(m.regions.Surrounding(region), exclude), env)
}

func (m *Manager) appendLocked(id string, item []any) {
	q, ok := m.queues[id]
	if !ok {
		return
	}
	m.queues[id] = append(q, item)
}

func without(ids []string, exclude string) []string {
	if exclude == "" {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// Flush hands every non-empty queue to its connection as one batch. Each
// queue is swapped for an empty one before sending, so envelopes are never
// delivered twice. Queues whose connection is no longer registered are
// removed.
func (m *Manager) Flush() FlushStats {
	m.mu.Lock()
	batches := make(map[string][]any)
	for id, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		batches[id] = q
		m.queues[id] = nil
	}
	m.mu.Unlock()

	var stats FlushStats
	for id, batch := range batches {
		c, ok := m.registry.Lookup(id)
		if !ok {
			m.mu.Lock()
			delete(m.queues, id)
			m.mu.Unlock()
			stats.Dropped++
			continue
		}
		frame, err := packet.EncodeBatch(batch)
		if err != nil {
			m.logger.Error("encoding batch",
				zap.String("connection", id),
				zap.Error(err),
			)
			continue
		}
		if err := c.SendRaw(frame); err != nil {
			m.logger.Debug("flush send failed",
				zap.String("connection", id),
				zap.Error(err),
			)
			continue
		}
		stats.Batches++
		stats.Envelopes += len(batch)
	}
	return stats
}

// Disconnect removes the queue and registry entry for id.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	delete(m.queues, id)
	m.mu.Unlock()
	m.registry.Unregister(id)
}

// HasQueue reports whether id has an outbound queue.
func (m *Manager) HasQueue(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[id]
	return ok
}

// QueueLen returns the number of envelopes waiting for id.
func (m *Manager) QueueLen(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[id])
}

// QueueCount returns the number of outbound queues.
func (m *Manager) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}
