package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolError reports an inbound frame that could not be decoded. It is
// recoverable: the frame is dropped and the connection stays open.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrNoData is returned by Message.Bind when the message carries no payload.
var ErrNoData = errors.New("message has no data")

// Message is a decoded inbound packet: [id] or [id, data] or
// [id, opcode, data]. Fields holds the raw elements following the id.
type Message struct {
	ID     ID
	Fields []json.RawMessage
}

// Decode parses one inbound frame.
//
// Postcondition: Returns a Message whose ID is a known packet identifier,
// or a *ProtocolError.
func Decode(raw []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Message{}, &ProtocolError{Reason: "frame is not a JSON array", Err: err}
	}
	if len(elems) == 0 {
		return Message{}, &ProtocolError{Reason: "empty packet"}
	}

	var id int
	if err := json.Unmarshal(elems[0], &id); err != nil {
		return Message{}, &ProtocolError{Reason: "packet id is not an integer", Err: err}
	}
	if !ID(id).Valid() {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("unknown packet id %d", id)}
	}
	return Message{ID: ID(id), Fields: elems[1:]}, nil
}

// Opcode returns the sub-type opcode when the message has the
// [id, opcode, data] shape.
func (m Message) Opcode() (int, bool) {
	if len(m.Fields) < 2 {
		return 0, false
	}
	var op int
	if err := json.Unmarshal(m.Fields[0], &op); err != nil {
		return 0, false
	}
	return op, true
}

// Data returns the raw payload: the field after the opcode when there is
// one, otherwise the first field. A trailing size hint is never returned.
func (m Message) Data() json.RawMessage {
	if _, ok := m.Opcode(); ok {
		return m.Fields[1]
	}
	if len(m.Fields) == 0 {
		return nil
	}
	return m.Fields[0]
}

// Bind decodes the payload into v.
//
// Postcondition: Returns ErrNoData for payload-less messages, or a
// *ProtocolError when the payload does not match v.
func (m Message) Bind(v any) error {
	data := m.Data()
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return ErrNoData
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("decoding %s payload", m.ID), Err: err}
	}
	return nil
}

// EncodeBatch renders serialized envelopes as one wire frame.
func EncodeBatch(batch []any) ([]byte, error) {
	if batch == nil {
		batch = []any{}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	return data, nil
}
