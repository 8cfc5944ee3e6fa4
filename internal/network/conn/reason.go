package conn

import "errors"

// Reason is the token carried in a close frame when the server ends a
// connection.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonUpdated     Reason = "updated"
	ReasonBanned      Reason = "banned"
	ReasonDisallowed  Reason = "disallowed"
	ReasonWorldFull   Reason = "worldfull"
	ReasonTooFast     Reason = "toofast"
	ReasonTooMany     Reason = "toomany"
	ReasonSpam        Reason = "spam"
	ReasonTimeout     Reason = "timeout"
	ReasonError       Reason = "error"
	ReasonLost        Reason = "lost"
	ReasonSendFailure Reason = "send_failure"
)

var (
	// ErrClosed is returned when writing to a connection that has closed.
	ErrClosed = errors.New("connection closed")
	// ErrVersionMismatch reports a handshake whose client version differs
	// from the server version.
	ErrVersionMismatch = errors.New("client version mismatch")
	// ErrRateExceeded reports a connection that sent more messages in one
	// second than the configured limit.
	ErrRateExceeded = errors.New("message rate exceeded")
	// ErrIdleTimeout reports a connection that stayed silent for longer
	// than its idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrTransport reports a failed read or write on the underlying socket.
	ErrTransport = errors.New("transport failure")
)

// Err maps a reason to the error it stands for. Admission reasons map to
// nil; they are reported by the delivery layer.
func (r Reason) Err() error {
	switch r {
	case ReasonUpdated:
		return ErrVersionMismatch
	case ReasonSpam:
		return ErrRateExceeded
	case ReasonTimeout:
		return ErrIdleTimeout
	case ReasonError, ReasonLost, ReasonSendFailure:
		return ErrTransport
	}
	return nil
}

// String returns the wire token.
func (r Reason) String() string { return string(r) }
