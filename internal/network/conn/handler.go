package conn

import "github.com/cory-johannsen/realmgate/internal/network/packet"

// MessageHandler receives every decoded inbound message of a connection, in
// arrival order.
type MessageHandler interface {
	HandleMessage(c *Connection, msg packet.Message)
}

// CloseHandler is notified exactly once when a connection finishes its close
// sequence.
type CloseHandler interface {
	HandleClose(c *Connection, reason Reason)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(c *Connection, msg packet.Message)

// HandleMessage calls f(c, msg).
func (f MessageHandlerFunc) HandleMessage(c *Connection, msg packet.Message) { f(c, msg) }

// CloseHandlerFunc adapts a function to CloseHandler.
type CloseHandlerFunc func(c *Connection, reason Reason)

// HandleClose calls f(c, reason).
func (f CloseHandlerFunc) HandleClose(c *Connection, reason Reason) { f(c, reason) }

// Transport is the message-oriented socket under a Connection.
type Transport interface {
	// WriteText writes one text frame.
	WriteText(data []byte) error
	// WriteClose sends a close frame carrying reason.
	WriteClose(reason string) error
	// Close releases the socket. The read loop observes the closure and
	// reports it through Connection.TransportClosed.
	Close() error
}
