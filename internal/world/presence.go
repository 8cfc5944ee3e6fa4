package world

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/network/conn"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
	"github.com/cory-johannsen/realmgate/internal/world/region"
)

// MaxChatLength caps the runes relayed from one chat message.
const MaxChatLength = 256

// Router is the outbound side Presence relays through. *delivery.Manager
// implements it.
type Router interface {
	Send(id string, env packet.Envelope)
	Broadcast(env packet.Envelope)
	SendToSurroundingRegions(region int, env packet.Envelope, exclude string)
}

// Roster reports how many players have joined. *Gate implements it.
type Roster interface {
	PlayerCount() int
}

// Position is a Movement payload.
type Position struct {
	Instance string `json:"instance,omitempty"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

// Departure is a Despawn payload.
type Departure struct {
	Instance string `json:"instance"`
}

// ChatLine is a Chat payload.
type ChatLine struct {
	Instance string `json:"instance,omitempty"`
	Message  string `json:"message"`
}

// PopulationUpdate is a Population payload.
type PopulationUpdate struct {
	Players int `json:"players"`
}

// Presence is a minimal GameHandler: it tracks where players stand in the
// region index, relays movement and chat to nearby players and announces
// the population. Game servers replace it with their own simulation.
type Presence struct {
	out     Router
	regions *region.Index
	roster  Roster
	logger  *zap.Logger
}

// NewPresence creates a Presence over regions.
//
// Precondition: out, regions and logger must be non-nil.
// Postcondition: Population is not announced until SetRoster is called.
func NewPresence(out Router, regions *region.Index, logger *zap.Logger) *Presence {
	return &Presence{out: out, regions: regions, logger: logger}
}

// SetRoster sets the source of the announced population. The gate updates
// its roster before it calls HandleJoin or HandleLeave.
//
// Precondition: Must be called before the first connection is served.
func (p *Presence) SetRoster(r Roster) {
	p.roster = r
}

// HandleJoin announces the new population.
func (p *Presence) HandleJoin(_ *conn.Connection) {
	p.announcePopulation()
}

func (p *Presence) announcePopulation() {
	if p.roster == nil {
		return
	}
	p.out.Broadcast(packet.New(packet.Population, PopulationUpdate{Players: p.roster.PlayerCount()}))
}

// HandleMessage handles Movement and Chat; other packets are ignored.
func (p *Presence) HandleMessage(c *conn.Connection, msg packet.Message) {
	switch msg.ID {
	case packet.Movement:
		p.move(c, msg)
	case packet.Chat:
		p.chat(c, msg)
	default:
		c.Logger().Debug("unhandled packet", zap.Stringer("packet", msg.ID))
	}
}

func (p *Presence) move(c *conn.Connection, msg packet.Message) {
	var pos Position
	if err := msg.Bind(&pos); err != nil {
		c.Logger().Debug("invalid movement", zap.Error(err))
		return
	}
	to := p.regions.RegionAt(pos.X, pos.Y)
	if to < 0 {
		c.Logger().Debug("movement outside the map", zap.Int("x", pos.X), zap.Int("y", pos.Y))
		return
	}

	from := p.regions.Move(c.ID(), to)
	if from >= 0 && from != to {
		p.out.SendToSurroundingRegions(from, packet.New(packet.Despawn, Departure{Instance: c.ID()}), c.ID())
	}
	p.out.SendToSurroundingRegions(to, packet.New(packet.Movement, Position{Instance: c.ID(), X: pos.X, Y: pos.Y}), c.ID())
}

func (p *Presence) chat(c *conn.Connection, msg packet.Message) {
	var line ChatLine
	if err := msg.Bind(&line); err != nil {
		c.Logger().Debug("invalid chat", zap.Error(err))
		return
	}
	text := strings.TrimSpace(line.Message)
	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		text = string([]rune(text)[:MaxChatLength])
		defer p.out.Send(c.ID(), packet.NewWithOpcode(packet.Notification, packet.NotificationText,
			packet.Notice{Message: fmt.Sprintf("Chat messages are limited to %d characters.", MaxChatLength)}))
	}

	env := packet.New(packet.Chat, ChatLine{Instance: c.ID(), Message: text})
	if r, ok := p.regions.RegionOf(c.ID()); ok {
		p.out.SendToSurroundingRegions(r, env, "")
		return
	}
	// Not placed yet: only the sender sees it.
	p.out.Send(c.ID(), env)
}

// HandleLeave despawns the player for its neighbours and announces the new
// population.
func (p *Presence) HandleLeave(c *conn.Connection, _ conn.Reason) {
	if r, ok := p.regions.RegionOf(c.ID()); ok {
		p.regions.Remove(c.ID())
		p.out.SendToSurroundingRegions(r, packet.New(packet.Despawn, Departure{Instance: c.ID()}), c.ID())
	}

	p.announcePopulation()
}
