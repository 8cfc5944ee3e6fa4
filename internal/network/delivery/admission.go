package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/network/conn"
)

// BanChecker reports whether a remote address is banned.
type BanChecker interface {
	IsBanned(ctx context.Context, addr string) (bool, error)
}

// AdmissionError reports why a new connection was turned away.
type AdmissionError struct {
	Reason conn.Reason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// AdmissionResult is the outcome of AdmitConnection.
type AdmissionResult struct {
	Admitted bool
	Reason   conn.Reason
}

// Err returns nil for an admitted connection and an *AdmissionError
// otherwise.
func (r AdmissionResult) Err() error {
	if r.Admitted {
		return nil
	}
	return &AdmissionError{Reason: r.Reason}
}

// AdmitConnection runs admission control on a newly registered connection:
// the ban check, then the minimum connect interval, then the per-address
// connection cap. The interval and cap checks are skipped in debug mode.
// A rejected connection is closed with the reason token. An admitted one
// gets an empty outbound queue and is handed to the connection handler.
//
// Precondition: c must already be registered.
// Postcondition: Every attempt that is not banned is recorded for interval
// throttling, whether or not it is admitted. A connection that closed while
// admission ran gets no queue and is never handed to the handler.
func (m *Manager) AdmitConnection(ctx context.Context, c *conn.Connection) AdmissionResult {
	addr := c.RemoteAddr()
	c.OnClose(m)

	if m.bans != nil {
		banned, err := m.checkBan(ctx, addr)
		if err != nil {
			m.logger.Warn("ban lookup failed; admitting",
				zap.String("remote_addr", addr),
				zap.Error(err),
			)
		}
		if banned {
			return m.deny(c, conn.ReasonBanned)
		}
	}

	last, seen := m.registry.LastConnectAttempt(addr)
	m.registry.RecordConnectAttempt(addr)

	if !m.cfg.Debug {
		if seen && m.clock.Now().Sub(last) < m.cfg.ConnectInterval {
			return m.deny(c, conn.ReasonTooFast)
		}
		if m.registry.IsOverConnectionLimit(addr) {
			return m.deny(c, conn.ReasonTooMany)
		}
	}

	m.mu.Lock()
	if _, registered := m.registry.Lookup(c.ID()); !registered || c.IsClosed() {
		m.mu.Unlock()
		m.logger.Debug("connection closed during admission",
			zap.String("connection", c.ID()),
			zap.String("remote_addr", addr),
		)
		return AdmissionResult{Reason: conn.ReasonLost}
	}
	m.queues[c.ID()] = nil
	handler := m.handler
	m.mu.Unlock()

	m.logger.Debug("connection admitted",
		zap.String("connection", c.ID()),
		zap.String("remote_addr", addr),
	)
	if handler != nil {
		handler.HandleConnection(c)
	}
	return AdmissionResult{Admitted: true}
}

func (m *Manager) checkBan(ctx context.Context, addr string) (bool, error) {
	if m.cfg.BanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BanTimeout)
		defer cancel()
	}
	return m.bans.IsBanned(ctx, addr)
}

func (m *Manager) deny(c *conn.Connection, reason conn.Reason) AdmissionResult {
	m.logger.Info("connection rejected",
		zap.String("connection", c.ID()),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.String("reason", reason.String()),
	)
	c.Reject(reason)
	return AdmissionResult{Reason: reason}
}

// HandleConnection admits c. It lets the Manager serve as the registry's
// connection listener.
func (m *Manager) HandleConnection(c *conn.Connection) {
	m.AdmitConnection(context.Background(), c)
}

// HandleClose is installed as every registered connection's close handler.
// It removes the queue and registry entry and, for admitted connections,
// tells the connection handler.
func (m *Manager) HandleClose(c *conn.Connection, reason conn.Reason) {
	m.mu.Lock()
	_, admitted := m.queues[c.ID()]
	handler := m.handler
	m.mu.Unlock()

	m.Disconnect(c.ID())
	if admitted && handler != nil {
		handler.HandleDisconnect(c, reason)
	}
}
