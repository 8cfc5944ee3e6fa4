package packet

// HandshakeClient is the handshake type sent by game clients.
const HandshakeClient = "client"

// HandshakeRequest is the payload of the first packet a client sends.
type HandshakeRequest struct {
	Type string `json:"type"`
	// GVer is the client build version; it must equal the server version.
	GVer string `json:"gVer"`
}

// HandshakeReply is the payload the server answers a valid handshake with.
type HandshakeReply struct {
	Type       string `json:"type"`
	Instance   string `json:"instance,omitempty"`
	ServerID   int    `json:"serverId,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
}

// NewHandshake builds the handshake reply envelope.
func NewHandshake(reply HandshakeReply) Envelope {
	if reply.Type == "" {
		reply.Type = HandshakeClient
	}
	return New(Handshake, reply)
}
