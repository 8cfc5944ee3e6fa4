// Package conn supervises a single client socket: handshake state, duplicate
// suppression, per-second rate counting, idle timeout and a liveness
// heartbeat. Every failure path funnels into one close sequence that runs
// exactly once.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
)

const (
	DefaultIdleTimeout       = 600 * time.Second
	DefaultDedupWindow       = 100 * time.Millisecond
	DefaultMessageRateLimit  = 50
	DefaultHeartbeatInterval = 30 * time.Second

	rateWindow = time.Second
)

// State is the lifecycle stage of a connection.
type State int

const (
	HandshakePending State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case HandshakePending:
		return "handshake_pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options tunes a Connection. Zero values fall back to the package defaults.
type Options struct {
	IdleTimeout       time.Duration
	DedupWindow       time.Duration
	MessageRateLimit  int
	HeartbeatInterval time.Duration
	// Debug disables the message rate limit.
	Debug bool

	Clock  clock.Clock
	Logger *zap.Logger

	OnMessage MessageHandler
	OnClose   CloseHandler
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.MessageRateLimit <= 0 {
		o.MessageRateLimit = DefaultMessageRateLimit
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Connection wraps one client transport.
//
// The transport being closed and the close sequence having run are tracked
// separately: a graceful close only shuts the transport, and the sequence
// runs when the read loop reports the closure (TransportClosed), when a
// forced close is requested, or when the heartbeat finds the transport
// closed without it.
type Connection struct {
	id        string
	addr      string
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger

	dedupWindow time.Duration
	rateLimit   int
	debug       bool

	mu                 sync.Mutex
	state              State
	transportClosed    bool
	closeReason        Reason
	finalized          bool
	lastFingerprint    [blake2b.Size256]byte
	hasFingerprint     bool
	lastMessageAt      time.Time
	messagesThisSecond int
	idleTimeout        time.Duration
	rateTimer          clock.Timer
	heartbeatTimer     clock.Timer
	idleTimer          clock.Timer
	onMessage          MessageHandler
	onClose            CloseHandler
}

// New wraps transport as a handshake-pending connection and starts its rate,
// heartbeat and idle timers.
//
// Precondition: id must be unique among live connections; transport must be
// non-nil.
// Postcondition: Returns a Connection in the HandshakePending state.
func New(id, remoteAddr string, transport Transport, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		id:          id,
		addr:        remoteAddr,
		transport:   transport,
		clock:       opts.Clock,
		dedupWindow: opts.DedupWindow,
		rateLimit:   opts.MessageRateLimit,
		debug:       opts.Debug,
		idleTimeout: opts.IdleTimeout,
		onMessage:   opts.OnMessage,
		onClose:     opts.OnClose,
		logger: opts.Logger.With(
			zap.String("connection", id),
			zap.String("remote_addr", remoteAddr),
		),
	}

	c.mu.Lock()
	c.rateTimer = clock.Repeat(c.clock, rateWindow, c.resetRate)
	c.heartbeatTimer = clock.Repeat(c.clock, opts.HeartbeatInterval, c.verify)
	c.idleTimer = c.clock.AfterFunc(c.idleTimeout, c.expire)
	c.mu.Unlock()

	c.logger.Info("connection opened")
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the remote host the connection came from.
func (c *Connection) RemoteAddr() string { return c.addr }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zap.Logger { return c.logger }

// OnMessage installs the message handler, replacing any previous one.
func (c *Connection) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

// OnClose installs the close handler, replacing any previous one.
func (c *Connection) OnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

// State returns the lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the transport has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transportClosed || c.state == Closed
}

// Active reports whether the handshake has completed on an open connection.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active && !c.transportClosed
}

// MarkActive moves a handshake-pending connection to Active.
//
// Postcondition: Returns false if the connection was not handshake-pending.
func (c *Connection) MarkActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != HandshakePending || c.transportClosed {
		return false
	}
	c.state = Active
	return true
}

// HandleIncoming processes one raw inbound frame: duplicate suppression,
// rate counting, idle refresh, then decode and dispatch. Frames arriving
// after close are ignored; undecodable frames are logged and dropped.
func (c *Connection) HandleIncoming(raw []byte) {
	now := c.clock.Now()
	fp := Fingerprint(raw)

	c.mu.Lock()
	if c.transportClosed || c.state == Closed {
		c.mu.Unlock()
		return
	}
	if c.hasFingerprint && fp == c.lastFingerprint && now.Sub(c.lastMessageAt) < c.dedupWindow {
		c.mu.Unlock()
		return
	}
	c.lastFingerprint = fp
	c.hasFingerprint = true
	c.lastMessageAt = now

	c.messagesThisSecond++
	spam := !c.debug && c.messagesThisSecond > c.rateLimit
	if !spam && c.idleTimer != nil {
		c.idleTimer.Reset(c.idleTimeout)
	}
	handler := c.onMessage
	c.mu.Unlock()

	if spam {
		c.logger.Warn("message rate exceeded", zap.Int("limit", c.rateLimit))
		c.Reject(ReasonSpam)
		return
	}

	msg, err := packet.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if handler != nil {
		handler.HandleMessage(c, msg)
	}
}

// Reject ends the connection with reason. On an already closed connection it
// runs the close sequence; otherwise it closes the transport gracefully.
func (c *Connection) Reject(reason Reason) {
	if c.IsClosed() {
		c.finalize(reason)
		return
	}
	c.Close(reason, false)
}

// Close sends a close frame carrying reason and closes the transport. With
// force set the close sequence also runs immediately, even if closing the
// transport failed.
func (c *Connection) Close(reason Reason, force bool) {
	c.mu.Lock()
	wasClosed := c.transportClosed
	if !wasClosed {
		c.transportClosed = true
		c.closeReason = reason
	}
	c.mu.Unlock()

	if !wasClosed {
		if err := c.transport.WriteClose(string(reason)); err != nil {
			c.logger.Debug("writing close frame", zap.Error(err))
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing transport", zap.Error(err))
		}
	}
	if reason != ReasonNone {
		c.logger.Info("connection closed", zap.String("reason", reason.String()))
	}
	if force {
		c.finalize(reason)
	}
}

// TransportClosed is called by the read loop once the transport stops
// delivering frames. It runs the close sequence with the reason the server
// closed with, or "lost" when the peer went away first.
func (c *Connection) TransportClosed(err error) {
	c.mu.Lock()
	c.transportClosed = true
	reason := c.closeReason
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("transport read ended", zap.Error(err))
	}
	if reason == ReasonNone {
		reason = ReasonLost
	}
	c.finalize(reason)
}

// RefreshIdleTimeout restarts the idle countdown.
func (c *Connection) RefreshIdleTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.idleTimeout)
	}
}

// SetIdleTimeout changes the idle timeout and restarts the countdown.
//
// Precondition: d must be > 0.
func (c *Connection) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
	c.RefreshIdleTimeout()
}

// IdleTimeout returns the current idle timeout.
func (c *Connection) IdleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleTimeout
}

// Send JSON-encodes message and writes it as one text frame.
//
// Postcondition: Returns ErrClosed without writing if the connection is
// closed. A transport failure force-closes the connection with
// "send_failure" and returns an error wrapping ErrTransport.
func (c *Connection) Send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame without encoding it.
func (c *Connection) SendRaw(data []byte) error {
	if c.IsClosed() {
		c.logger.Warn("send on closed connection")
		return ErrClosed
	}
	if err := c.transport.WriteText(data); err != nil {
		c.logger.Error("sending message", zap.Error(err))
		c.Close(ReasonSendFailure, true)
		return errors.Join(ErrTransport, err)
	}
	return nil
}

func (c *Connection) resetRate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesThisSecond = 0
}

func (c *Connection) verify() {
	c.mu.Lock()
	lost := c.transportClosed && !c.finalized
	reason := c.closeReason
	c.mu.Unlock()
	if !lost {
		return
	}
	c.logger.Warn("connection closed improperly")
	if reason == ReasonNone {
		reason = ReasonLost
	}
	c.finalize(reason)
}

func (c *Connection) expire() {
	c.logger.Info("idle timeout", zap.Duration("timeout", c.IdleTimeout()))
	c.Reject(ReasonTimeout)
}

// finalize is the close sequence: mark closed, cancel timers, notify the
// close handler. Later calls only log the reason.
func (c *Connection) finalize(reason Reason) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		if reason != ReasonNone {
			c.logger.Debug("close already handled", zap.String("reason", reason.String()))
		}
		return
	}
	c.finalized = true
	c.transportClosed = true
	c.state = Closed
	timers := []clock.Timer{c.rateTimer, c.heartbeatTimer, c.idleTimer}
	c.rateTimer, c.heartbeatTimer, c.idleTimer = nil, nil, nil
	handler := c.onClose
	c.mu.Unlock()

	for _, t := range timers {
		if t != nil {
			t.Stop()
		}
	}

	fields := []zap.Field{}
	if reason != ReasonNone {
		fields = append(fields, zap.String("reason", reason.String()))
	}
	if err := reason.Err(); err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("closing connection", fields...)

	if handler != nil {
		handler.HandleClose(c, reason)
	}
}

// Fingerprint returns the digest used for duplicate suppression.
func Fingerprint(raw []byte) [blake2b.Size256]byte {
	return blake2b.Sum256(raw)
}
