// Package ws carries connections over WebSocket text frames.
package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport adapts a gorilla WebSocket to conn.Transport.
//
// Writes are serialized by a mutex; gorilla allows one concurrent writer.
type Transport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps ws. A zero writeTimeout disables write deadlines.
func NewTransport(ws *websocket.Conn, writeTimeout time.Duration) *Transport {
	return &Transport{ws: ws, writeTimeout: writeTimeout}
}

func (t *Transport) deadline() time.Time {
	if t.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.writeTimeout)
}

// WriteText writes data as one text frame.
func (t *Transport) WriteText(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ws.SetWriteDeadline(t.deadline()); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing text frame: %w", err)
	}
	return nil
}

// WriteClose sends a normal-closure close frame with reason as its text.
func (t *Transport) WriteClose(reason string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	deadline := t.deadline()
	if deadline.IsZero() {
		deadline = time.Now().Add(time.Second)
	}
	if err := t.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		return fmt.Errorf("writing close frame: %w", err)
	}
	return nil
}

// Close closes the underlying socket. Later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.ws.Close()
	})
	return t.closeErr
}
