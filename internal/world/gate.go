package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
)

// GameHandler is the game logic behind the gate. It only sees connections
// that completed the handshake.
type GameHandler interface {
	// HandleJoin is called once the handshake succeeds.
	HandleJoin(c *conn.Connection)
	// HandleMessage receives every later message in arrival order.
	HandleMessage(c *conn.Connection, msg packet.Message)
	// HandleLeave is called once when a joined connection closes.
	HandleLeave(c *conn.Connection, reason conn.Reason)
}

// Sender queues an envelope for one connection.
type Sender interface {
	Send(id string, env packet.Envelope)
}

// PopulationRecorder persists the number of players online.
type PopulationRecorder interface {
	RecordPopulation(ctx context.Context, serverID, players int, at time.Time) error
}

// GateConfig holds the server identity and capacity the gate enforces.
type GateConfig struct {
	ServerID         int
	Version          string
	MaxPlayers       int
	AllowConnections bool
}

// Gate receives admitted connections, runs the version handshake and hands
// joined players to the GameHandler. It implements
// delivery.ConnectionHandler and conn.MessageHandler.
type Gate struct {
	cfg        GateConfig
	out        Sender
	game       GameHandler
	population PopulationRecorder
	clock      clock.Clock
	logger     *zap.Logger

	allow atomic.Bool

	mu      sync.RWMutex
	players map[string]*conn.Connection // joined connections by id
}

// NewGate creates a Gate.
//
// Precondition: out and logger must be non-nil. game and population may be
// nil.
// Postcondition: The gate accepts connections iff cfg.AllowConnections.
func NewGate(cfg GateConfig, out Sender, game GameHandler, population PopulationRecorder, clk clock.Clock, logger *zap.Logger) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	g := &Gate{
		cfg:        cfg,
		out:        out,
		game:       game,
		population: population,
		clock:      clk,
		logger:     logger,
		players:    make(map[string]*conn.Connection),
	}
	g.allow.Store(cfg.AllowConnections)
	return g
}

// SetAllowConnections opens or closes the gate to new connections.
func (g *Gate) SetAllowConnections(allow bool) {
	g.allow.Store(allow)
}

// PlayerCount returns the number of joined connections.
func (g *Gate) PlayerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.players)
}

// Players returns the ids of joined connections, sorted.
func (g *Gate) Players() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.players))
	for id := range g.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsFull reports whether the world has reached its player capacity.
func (g *Gate) IsFull() bool {
	return g.cfg.MaxPlayers > 0 && g.PlayerCount() >= g.cfg.MaxPlayers
}

// HandleConnection is called for every admitted connection. It turns the
// connection away when the gate is closed or the world is full; otherwise it
// starts listening for the handshake and queues the Connected packet.
func (g *Gate) HandleConnection(c *conn.Connection) {
	switch {
	case !g.allow.Load():
		g.turnAway(c, conn.ReasonDisallowed)
		return
	case g.IsFull():
		g.turnAway(c, conn.ReasonWorldFull)
		return
	}
	c.OnMessage(g)
	g.out.Send(c.ID(), packet.New(packet.Connected, nil))
}

func (g *Gate) turnAway(c *conn.Connection, reason conn.Reason) {
	g.logger.Info("connection turned away",
		zap.String("connection", c.ID()),
		zap.String("reason", reason.String()),
	)
	c.Reject(reason)
}

// HandleMessage runs the handshake for pending connections and forwards
// everything else to the game.
func (g *Gate) HandleMessage(c *conn.Connection, msg packet.Message) {
	if c.State() == conn.HandshakePending {
		if msg.ID != packet.Handshake {
			c.Logger().Warn("packet before handshake", zap.Stringer("packet", msg.ID))
			c.Reject(conn.ReasonLost)
			return
		}
		g.handshake(c, msg)
		return
	}
	if msg.ID == packet.Handshake {
		c.Logger().Debug("ignoring repeated handshake")
		return
	}
	if op, ok := msg.Opcode(); ok && msg.ID == packet.Network && op == packet.NetworkPing.Code() {
		g.pong(c, msg)
		return
	}
	if g.game != nil {
		g.game.HandleMessage(c, msg)
	}
}

// pong echoes the ping's timestamp so the client can measure latency.
func (g *Gate) pong(c *conn.Connection, msg packet.Message) {
	var ping packet.NetworkData
	if err := msg.Bind(&ping); err != nil && !errors.Is(err, packet.ErrNoData) {
		c.Logger().Debug("invalid ping", zap.Error(err))
		return
	}
	g.out.Send(c.ID(), packet.NewWithOpcode(packet.Network, packet.NetworkPong, ping))
}

func (g *Gate) handshake(c *conn.Connection, msg packet.Message) {
	var req packet.HandshakeRequest
	if err := msg.Bind(&req); err != nil {
		c.Logger().Warn("invalid handshake", zap.Error(err))
		c.Reject(conn.ReasonError)
		return
	}
	if err := g.checkVersion(req.GVer); err != nil {
		c.Logger().Warn("rejecting client", zap.Error(err))
		c.Reject(conn.ReasonUpdated)
		return
	}
	if !c.MarkActive() {
		return
	}

	// The reply bypasses the outbound queue so the server time is current.
	reply := packet.NewHandshake(packet.HandshakeReply{
		Instance:   c.ID(),
		ServerID:   g.cfg.ServerID,
		ServerTime: g.clock.Now().UnixMilli(),
	})
	if err := c.Send([]any{reply.Serialize()}); err != nil {
		c.Logger().Debug("handshake reply not sent", zap.Error(err))
		return
	}

	g.mu.Lock()
	if c.IsClosed() {
		g.mu.Unlock()
		return
	}
	g.players[c.ID()] = c
	count := len(g.players)
	g.mu.Unlock()

	g.logger.Info("player joined",
		zap.String("connection", c.ID()),
		zap.Int("players", count),
	)
	if g.game != nil {
		g.game.HandleJoin(c)
	}
}

func (g *Gate) checkVersion(clientVersion string) error {
	if clientVersion != g.cfg.Version {
		return fmt.Errorf("%w: client %q, server %q", conn.ErrVersionMismatch, clientVersion, g.cfg.Version)
	}
	return nil
}

// HandleDisconnect forgets a closed connection and, if it had joined, tells
// the game.
func (g *Gate) HandleDisconnect(c *conn.Connection, reason conn.Reason) {
	g.mu.Lock()
	_, joined := g.players[c.ID()]
	delete(g.players, c.ID())
	g.mu.Unlock()

	if joined && g.game != nil {
		g.game.HandleLeave(c, reason)
	}
}

// Save records a population sample. It is the scheduler's save hook.
func (g *Gate) Save(ctx context.Context) error {
	if g.population == nil {
		return nil
	}
	players := g.PlayerCount()
	if err := g.population.RecordPopulation(ctx, g.cfg.ServerID, players, g.clock.Now()); err != nil {
		return fmt.Errorf("recording population: %w", err)
	}
	return nil
}
