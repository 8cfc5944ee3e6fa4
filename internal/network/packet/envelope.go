package packet

// Envelope is one outbound packet: an identifier, an optional opcode, an
// optional payload and an optional size hint.
type Envelope struct {
	ID ID
	// Opcode is nil when the packet family has no sub-type.
	Opcode Opcode
	// Payload is any value convertible by Plain; nil is sent as null.
	Payload any
	// SizeHint is appended to the serialized form when non-zero.
	SizeHint int
}

// New builds an envelope without an opcode.
func New(id ID, payload any) Envelope {
	return Envelope{ID: id, Payload: payload}
}

// NewWithOpcode builds an envelope carrying a sub-type opcode.
//
// Precondition: op must be non-nil.
func NewWithOpcode(id ID, op Opcode, payload any) Envelope {
	return Envelope{ID: id, Opcode: op, Payload: payload}
}

// WithSizeHint returns a copy of e carrying the given size hint.
func (e Envelope) WithSizeHint(n int) Envelope {
	e.SizeHint = n
	return e
}

// Serialize renders the envelope in its positional wire form:
// [id, payload] or [id, opcode, payload], with the size hint appended when
// non-zero. The payload slot always exists; an absent payload serializes as
// nil. The payload is converted with Plain, so the result is a snapshot that
// later mutation of the source value cannot affect.
//
// Postcondition: result[0] is int(e.ID); len(result) is 2, 3 or 4.
func (e Envelope) Serialize() []any {
	out := make([]any, 0, 4)
	out = append(out, int(e.ID))
	if e.Opcode != nil {
		out = append(out, e.Opcode.Code())
	}
	out = append(out, Plain(e.Payload))
	if e.SizeHint != 0 {
		out = append(out, e.SizeHint)
	}
	return out
}
