package packet

// Opcode is implemented by the sub-type enumerations scoped to one packet ID.
type Opcode interface {
	Code() int
}

// NetworkOp is the opcode set of the Network packet.
type NetworkOp int

const (
	NetworkPing NetworkOp = iota
	NetworkPong
	NetworkSync
)

// Code returns the wire value.
func (o NetworkOp) Code() int { return int(o) }

// NotificationOp is the opcode set of the Notification packet.
type NotificationOp int

const (
	NotificationOk NotificationOp = iota
	NotificationYesNo
	NotificationText
)

// Code returns the wire value.
func (o NotificationOp) Code() int { return int(o) }

// RawOpcode wraps an opcode value from an enumeration this package does not
// model.
type RawOpcode int

// Code returns the wire value.
func (o RawOpcode) Code() int { return int(o) }

// NetworkData is the payload of Network packets.
type NetworkData struct {
	Timestamp int64 `json:"timestamp"`
}

// Notice is the payload of a Notification Text packet.
type Notice struct {
	Message string `json:"message"`
}
