package world

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/realmgate/internal/clock/clocktest"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
	"github.com/cory-johannsen/realmgate/internal/world/region"
)

type routed struct {
	kind    string // "send", "broadcast", "region"
	target  string
	region  int
	exclude string
	env     []any
}

type recordingRouter struct{ log []routed }

func (r *recordingRouter) Send(id string, env packet.Envelope) {
	r.log = append(r.log, routed{kind: "send", target: id, env: env.Serialize()})
}

func (r *recordingRouter) Broadcast(env packet.Envelope) {
	r.log = append(r.log, routed{kind: "broadcast", env: env.Serialize()})
}

func (r *recordingRouter) SendToSurroundingRegions(reg int, env packet.Envelope, exclude string) {
	r.log = append(r.log, routed{kind: "region", region: reg, exclude: exclude, env: env.Serialize()})
}

func (r *recordingRouter) reset() { r.log = nil }

type headcount int

func (h *headcount) PlayerCount() int { return int(*h) }

func newPresence(t *testing.T) (*Presence, *recordingRouter, *region.Index) {
	t.Helper()
	idx := region.New(48*3, 48*3, 48)
	out := &recordingRouter{}
	return NewPresence(out, idx, zaptest.NewLogger(t)), out, idx
}

func player(id string) *conn.Connection {
	return conn.New(id, "10.0.0.1", &wire{}, conn.Options{})
}

func msg(t *testing.T, raw string) packet.Message {
	t.Helper()
	m, err := packet.Decode([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestPresence_JoinAndLeaveAnnouncePopulation(t *testing.T) {
	p, out, _ := newPresence(t)
	players := headcount(0)
	p.SetRoster(&players)
	a, b := player("1-1"), player("1-2")
	defer a.Close(conn.ReasonNone, true)
	defer b.Close(conn.ReasonNone, true)

	players = 1
	p.HandleJoin(a)
	players = 2
	p.HandleJoin(b)
	players = 1
	p.HandleLeave(a, conn.ReasonLost)

	require.Len(t, out.log, 3)
	for i, want := range []int{1, 2, 1} {
		assert.Equal(t, "broadcast", out.log[i].kind)
		assert.Equal(t, []any{int(packet.Population), map[string]any{"players": want}}, out.log[i].env)
	}
}

func TestPresence_NoRosterNoPopulation(t *testing.T) {
	p, out, _ := newPresence(t)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleJoin(a)
	p.HandleLeave(a, conn.ReasonLost)
	assert.Empty(t, out.log)
}

func TestPresence_PopulationFollowsGate(t *testing.T) {
	clk := clocktest.New(time.UnixMilli(1_700_000_000_000))
	out := &recordingRouter{}
	p := NewPresence(out, region.New(48*3, 48*3, 48), zaptest.NewLogger(t))
	gate := NewGate(defaultGate, out, p, nil, clk, zaptest.NewLogger(t))
	p.SetRoster(gate)

	var conns []*conn.Connection
	for i := 1; i <= 2; i++ {
		c := conn.New(fmt.Sprintf("1-%d", i), "10.0.0.1", &wire{}, conn.Options{Clock: clk})
		c.OnClose(conn.CloseHandlerFunc(gate.HandleDisconnect))
		gate.HandleConnection(c)
		c.HandleIncoming(handshake("0.0.1-alpha"))
		conns = append(conns, c)
	}
	conns[0].Close(conn.ReasonLost, true)
	// a second close must not announce a second departure
	conns[0].Close(conn.ReasonLost, true)
	defer conns[1].Close(conn.ReasonNone, true)

	var announced []int
	for _, r := range out.log {
		if r.kind == "broadcast" {
			announced = append(announced, r.env[1].(map[string]any)["players"].(int))
		}
	}
	assert.Equal(t, []int{1, 2, 1}, announced)
	assert.Equal(t, 1, gate.PlayerCount())
}

func TestPresence_MovementRelaysToNeighbours(t *testing.T) {
	p, out, idx := newPresence(t)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleMessage(a, msg(t, `[10, {"x": 50, "y": 10}]`))
	r, ok := idx.RegionOf("1-1")
	require.True(t, ok)
	assert.Equal(t, 1, r)
	require.Len(t, out.log, 1)
	assert.Equal(t, routed{kind: "region", region: 1, exclude: "1-1",
		env: []any{int(packet.Movement), map[string]any{"instance": "1-1", "x": 50, "y": 10}}}, out.log[0])

	out.reset()
	p.HandleMessage(a, msg(t, `[10, 0, {"x": 100, "y": 100}]`))
	require.Len(t, out.log, 2)
	assert.Equal(t, []any{int(packet.Despawn), map[string]any{"instance": "1-1"}}, out.log[0].env)
	assert.Equal(t, 1, out.log[0].region)
	assert.Equal(t, 8, out.log[1].region)
}

func TestPresence_MovementIgnoresBadInput(t *testing.T) {
	p, out, idx := newPresence(t)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleMessage(a, msg(t, `[10, {"x": 9999, "y": 0}]`))
	p.HandleMessage(a, msg(t, `[10, "north"]`))
	p.HandleMessage(a, msg(t, `[10]`))

	assert.Empty(t, out.log)
	assert.Equal(t, []any{int(packet.Population), map[string]any{"players": 0}}, out.log[1].env)
	_, ok := idx.RegionOf("1-1")
	assert.False(t, ok)
}

func TestPresence_ChatScopedToRegion(t *testing.T) {
	p, out, _ := newPresence(t)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleMessage(a, msg(t, `[19, {"message": "  hi  "}]`))
	require.Len(t, out.log, 1)
	assert.Equal(t, "send", out.log[0].kind, "unplaced players only echo to themselves")

	p.HandleMessage(a, msg(t, `[10, {"x": 0, "y": 0}]`))
	out.reset()
	p.HandleMessage(a, msg(t, `[19, {"message": "hi"}]`))
	require.Len(t, out.log, 1)
	assert.Equal(t, routed{kind: "region", region: 0,
		env: []any{int(packet.Chat), map[string]any{"instance": "1-1", "message": "hi"}}}, out.log[0])

	out.reset()
	p.HandleMessage(a, msg(t, `[19, {"message": "   "}]`))
	assert.Empty(t, out.log)
}

func TestPresence_ChatTruncated(t *testing.T) {
	p, out, _ := newPresence(t)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleMessage(a, msg(t, `[19, {"message": "`+strings.Repeat("é", MaxChatLength+10)+`"}]`))
	require.Len(t, out.log, 2)
	line := out.log[0].env[1].(map[string]any)["message"].(string)
	assert.Equal(t, MaxChatLength, len([]rune(line)))

	notice := out.log[1]
	assert.Equal(t, "send", notice.kind)
	assert.Equal(t, "1-1", notice.target)
	assert.Equal(t, int(packet.Notification), notice.env[0])
	assert.Equal(t, packet.NotificationText.Code(), notice.env[1])
}

func TestPresence_LeaveDespawns(t *testing.T) {
	p, out, idx := newPresence(t)
	players := headcount(1)
	p.SetRoster(&players)
	a := player("1-1")
	defer a.Close(conn.ReasonNone, true)

	p.HandleJoin(a)
	p.HandleMessage(a, msg(t, `[10, {"x": 60, "y": 60}]`))
	out.reset()

	players = 0

	p.HandleLeave(a, conn.ReasonTimeout)
	require.Len(t, out.log, 2)
	assert.Equal(t, routed{kind: "region", region: 4, exclude: "1-1",
		env: []any{int(packet.Despawn), map[string]any{"instance": "1-1"}}}, out.log[0])
	assert.Equal(t, []any{int(packet.Population), map[string]any{"players": 0}}, out.log[1].env)
	_, ok := idx.RegionOf("1-1")
	assert.False(t, ok)
}
