package registry

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out connection identifiers.
type IDGenerator interface {
	NextID() string
}

// CounterIDs issues "<serverID>-<n>" identifiers from an atomic counter
// starting at 1.
type CounterIDs struct {
	prefix string
	n      atomic.Uint64
}

// NewCounterIDs returns a counter generator scoped to serverID.
func NewCounterIDs(serverID int) *CounterIDs {
	return &CounterIDs{prefix: strconv.Itoa(serverID) + "-"}
}

// NextID returns the next identifier.
func (g *CounterIDs) NextID() string {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10)
}

// UUIDs issues random version 4 UUIDs.
type UUIDs struct{}

// NextID returns a new UUID string.
func (UUIDs) NextID() string { return uuid.NewString() }
