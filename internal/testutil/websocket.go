package testutil

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a WebSocket test client speaking the batched JSON wire format.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the acceptor at addr and path and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, addr, path string) *WSClient {
	t.Helper()
	start := time.Now()

	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", u.String(), err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", u.String(), time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes raw as one text frame.
func (c *WSClient) Send(raw string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("sending %q: %v", raw, err)
	}
}

// ReadFrame reads one text frame or fails on timeout.
func (c *WSClient) ReadFrame(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return string(data)
}

// ReadBatch reads one frame and decodes it as a batch of serialized envelopes.
func (c *WSClient) ReadBatch(timeout time.Duration) [][]any {
	c.t.Helper()
	frame := c.ReadFrame(timeout)
	var batch [][]any
	if err := json.Unmarshal([]byte(frame), &batch); err != nil {
		c.t.Fatalf("decoding batch %q: %v", frame, err)
	}
	return batch
}

// ReadClose reads until the server closes the socket and returns the close
// frame's text. Data frames received first are skipped. ok is false when the
// socket ended without a close frame.
func (c *WSClient) ReadClose(timeout time.Duration) (reason string, ok bool) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Text, true
		}
		return "", false
	}
}

// Close sends a normal-closure frame and closes the socket.
func (c *WSClient) Close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}
