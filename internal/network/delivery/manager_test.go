package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/realmgate/internal/clock/clocktest"
	"github.com/cory-johannsen/realmgate/internal/network/conn"
	"github.com/cory-johannsen/realmgate/internal/network/packet"
	"github.com/cory-johannsen/realmgate/internal/network/registry"
)

type fakeTransport struct {
	mu           sync.Mutex
	frames       []string
	closeReasons []string
}

func (f *fakeTransport) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeTransport) WriteClose(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReasons = append(f.closeReasons, reason)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeTransport) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closeReasons...)
}

type fakeHandler struct {
	connected    []string
	disconnected map[string]conn.Reason
}

func (h *fakeHandler) HandleConnection(c *conn.Connection) {
	h.connected = append(h.connected, c.ID())
}

func (h *fakeHandler) HandleDisconnect(c *conn.Connection, reason conn.Reason) {
	if h.disconnected == nil {
		h.disconnected = map[string]conn.Reason{}
	}
	h.disconnected[c.ID()] = reason
}

type banList struct {
	banned map[string]bool
	err    error
}

func (b banList) IsBanned(_ context.Context, addr string) (bool, error) {
	return b.banned[addr], b.err
}

type staticRegions map[int][]string

func (s staticRegions) Players(region int) []string { return s[region] }

func (s staticRegions) Surrounding(region int) []string {
	var out []string
	for r := region - 1; r <= region+1; r++ {
		out = append(out, s[r]...)
	}
	return out
}

type harness struct {
	clk     *clocktest.Clock
	reg     *registry.Registry
	mgr     *Manager
	handler *fakeHandler
	seq     int
}

func newHarness(t testing.TB, cfg Config, bans BanChecker, regions RegionIndex) *harness {
	t.Helper()
	clk := clocktest.New(time.Unix(1_700_000_000, 0))
	reg := registry.New(registry.Config{Retention: DefaultConnectInterval, Clock: clk})
	mgr := NewManager(cfg, reg, bans, regions, clk, zaptest.NewLogger(t))
	h := &fakeHandler{}
	mgr.SetHandler(h)
	reg.SetListener(mgr)
	return &harness{clk: clk, reg: reg, mgr: mgr, handler: h}
}

func (h *harness) connect(addr string) (*conn.Connection, *fakeTransport) {
	h.seq++
	tr := &fakeTransport{}
	c := conn.New(fmt.Sprintf("1-%d", h.seq), addr, tr, conn.Options{Clock: h.clk})
	h.reg.Register(c)
	return c, tr
}

func decodeBatch(t *testing.T, frame string) [][]any {
	t.Helper()
	var out [][]any
	require.NoError(t, json.Unmarshal([]byte(frame), &out))
	return out
}

func TestAdmit_CreatesQueueAndNotifiesHandler(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, tr := h.connect("10.0.0.1")

	assert.True(t, h.mgr.HasQueue(c.ID()))
	assert.Equal(t, []string{c.ID()}, h.handler.connected)
	assert.Empty(t, tr.reasons())
}

func TestAdmit_BannedWinsOverOtherChecks(t *testing.T) {
	h := newHarness(t, Config{}, banList{banned: map[string]bool{"10.0.0.9": true}}, nil)
	c, tr := h.connect("10.0.0.9")

	assert.Equal(t, []string{"banned"}, tr.reasons())
	assert.False(t, h.mgr.HasQueue(c.ID()))
	assert.Empty(t, h.handler.connected)
	_, recorded := h.reg.LastConnectAttempt("10.0.0.9")
	assert.False(t, recorded, "banned attempts are not recorded")
}

func TestAdmit_BanLookupErrorAdmits(t *testing.T) {
	h := newHarness(t, Config{}, banList{err: errors.New("db down")}, nil)
	c, _ := h.connect("10.0.0.1")
	assert.True(t, h.mgr.HasQueue(c.ID()))
}

// closingBans closes the connection under lookup, the way a server stop can
// while a ban lookup is still in flight.
type closingBans struct {
	h *harness
}

func (b closingBans) IsBanned(_ context.Context, addr string) (bool, error) {
	b.h.reg.ForEach(func(c *conn.Connection) {
		if c.RemoteAddr() == addr {
			c.Close(conn.ReasonNone, true)
		}
	})
	return false, nil
}

func TestAdmit_ClosedDuringBanLookup(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	h.mgr.bans = closingBans{h: h}

	c, _ := h.connect("10.0.0.3")

	_, registered := h.reg.Lookup(c.ID())
	assert.False(t, registered)
	assert.False(t, h.mgr.HasQueue(c.ID()))
	assert.Empty(t, h.handler.connected)
	assert.Empty(t, h.handler.disconnected)

	h.mgr.Broadcast(packet.New(packet.Chat, "hi"))
	assert.Equal(t, 0, h.mgr.QueueCount())
	assert.Equal(t, 0, h.mgr.Flush().Dropped)
}

func TestAdmitConnection_ReportsLostWhenAlreadyClosed(t *testing.T) {
	h := newHarness(t, Config{Debug: true}, nil, nil)
	c, _ := h.connect("10.0.0.4")
	c.Close(conn.ReasonNone, true)

	res := h.mgr.AdmitConnection(context.Background(), c)
	assert.False(t, res.Admitted)
	assert.Equal(t, conn.ReasonLost, res.Reason)
	assert.False(t, h.mgr.HasQueue(c.ID()))
	assert.Equal(t, []string{c.ID()}, h.handler.connected)
}

func TestAdmit_TooFast(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	first, _ := h.connect("10.0.0.1")
	require.True(t, h.mgr.HasQueue(first.ID()))

	h.clk.Advance(4 * time.Second)
	second, tr := h.connect("10.0.0.1")
	assert.Equal(t, []string{"toofast"}, tr.reasons())
	assert.False(t, h.mgr.HasQueue(second.ID()))

	// the rejected attempt was recorded too, so the window restarts
	h.clk.Advance(4 * time.Second)
	_, tr = h.connect("10.0.0.1")
	assert.Equal(t, []string{"toofast"}, tr.reasons())

	h.clk.Advance(DefaultConnectInterval)
	third, tr := h.connect("10.0.0.1")
	assert.Empty(t, tr.reasons())
	assert.True(t, h.mgr.HasQueue(third.ID()))
}

func TestAdmit_TooFastAfterDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	first, _ := h.connect("10.0.0.1")
	first.Close(conn.ReasonNone, true)
	require.Equal(t, 0, h.reg.AddressCount("10.0.0.1"))

	h.clk.Advance(time.Second)
	_, tr := h.connect("10.0.0.1")
	assert.Equal(t, []string{"toofast"}, tr.reasons())
}

func TestAdmit_TooMany(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	for i := 0; i < registry.DefaultMaxConnectionsPerAddress; i++ {
		_, tr := h.connect("10.0.0.1")
		require.Empty(t, tr.reasons(), "connection %d", i)
		h.clk.Advance(DefaultConnectInterval)
	}
	extra, tr := h.connect("10.0.0.1")
	assert.Equal(t, []string{"toomany"}, tr.reasons())
	assert.False(t, h.mgr.HasQueue(extra.ID()))
}

func TestAdmit_DebugSkipsThrottles(t *testing.T) {
	h := newHarness(t, Config{Debug: true}, banList{banned: map[string]bool{"10.0.0.9": true}}, nil)
	for i := 0; i < registry.DefaultMaxConnectionsPerAddress+4; i++ {
		_, tr := h.connect("10.0.0.1")
		require.Empty(t, tr.reasons())
	}
	_, tr := h.connect("10.0.0.9")
	assert.Equal(t, []string{"banned"}, tr.reasons(), "bans apply in debug mode")
}

func TestAdmissionResultErr(t *testing.T) {
	assert.NoError(t, AdmissionResult{Admitted: true}.Err())
	err := AdmissionResult{Reason: conn.ReasonTooMany}.Err()
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, conn.ReasonTooMany, aerr.Reason)
	assert.Equal(t, "admission denied: toomany", err.Error())
}

func TestClose_RemovesQueueAndRegistration(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, _ := h.connect("10.0.0.1")
	h.mgr.Send(c.ID(), packet.New(packet.Chat, "hi"))

	c.Close(conn.ReasonTimeout, true)
	assert.False(t, h.mgr.HasQueue(c.ID()))
	_, ok := h.reg.Lookup(c.ID())
	assert.False(t, ok)
	assert.Equal(t, conn.ReasonTimeout, h.handler.disconnected[c.ID()])
}

func TestClose_RejectedConnectionNotReportedToHandler(t *testing.T) {
	h := newHarness(t, Config{}, banList{banned: map[string]bool{"10.0.0.9": true}}, nil)
	c, _ := h.connect("10.0.0.9")
	c.TransportClosed(nil)

	_, ok := h.reg.Lookup(c.ID())
	assert.False(t, ok)
	assert.Empty(t, h.handler.disconnected)
}

func TestFlush_FIFOSingleBatch(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, tr := h.connect("10.0.0.1")

	h.mgr.Send(c.ID(), packet.New(packet.Chat, "A"))
	h.mgr.Send(c.ID(), packet.New(packet.Chat, "B"))
	h.mgr.Send(c.ID(), packet.New(packet.Chat, "C"))
	assert.Equal(t, 3, h.mgr.QueueLen(c.ID()))

	stats := h.mgr.Flush()
	assert.Equal(t, FlushStats{Batches: 1, Envelopes: 3}, stats)
	require.Len(t, tr.sent(), 1)
	assert.JSONEq(t, `[[19,"A"],[19,"B"],[19,"C"]]`, tr.sent()[0])
	assert.Equal(t, 0, h.mgr.QueueLen(c.ID()))
	assert.True(t, h.mgr.HasQueue(c.ID()))

	assert.Equal(t, FlushStats{}, h.mgr.Flush())
	assert.Len(t, tr.sent(), 1)
}

func TestFlush_DropsOrphanedQueue(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, tr := h.connect("10.0.0.1")
	h.mgr.Send(c.ID(), packet.New(packet.Chat, "late"))

	h.reg.Unregister(c.ID())
	stats := h.mgr.Flush()
	assert.Equal(t, FlushStats{Dropped: 1}, stats)
	assert.False(t, h.mgr.HasQueue(c.ID()))
	assert.Empty(t, tr.sent())
}

func TestSend_UnknownIDIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	h.mgr.Send("nobody", packet.New(packet.Chat, "x"))
	assert.False(t, h.mgr.HasQueue("nobody"))
	assert.Equal(t, 0, h.mgr.QueueCount())
}

func TestSend_PayloadSnapshotAtEnqueue(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, tr := h.connect("10.0.0.1")
	payload := map[string]int{"hitPoints": 10}
	h.mgr.Send(c.ID(), packet.New(packet.Points, payload))
	payload["hitPoints"] = 0

	h.mgr.Flush()
	assert.JSONEq(t, `[[17,{"hitPoints":10}]]`, tr.sent()[0])
}

func TestSendToManyAndBroadcast(t *testing.T) {
	h := newHarness(t, Config{Debug: true}, nil, nil)
	a, ta := h.connect("10.0.0.1")
	b, tb := h.connect("10.0.0.2")
	_, tc := h.connect("10.0.0.3")

	h.mgr.SendToMany([]string{a.ID(), b.ID(), "gone"}, packet.New(packet.Chat, "many"))
	h.mgr.Broadcast(packet.New(packet.Chat, "all"))
	h.mgr.Flush()

	assert.JSONEq(t, `[[19,"many"],[19,"all"]]`, ta.sent()[0])
	assert.JSONEq(t, `[[19,"many"],[19,"all"]]`, tb.sent()[0])
	assert.JSONEq(t, `[[19,"all"]]`, tc.sent()[0])
}

func TestSendToRegion(t *testing.T) {
	h := newHarness(t, Config{Debug: true}, nil, staticRegions{})
	a, ta := h.connect("10.0.0.1")
	b, tb := h.connect("10.0.0.2")
	c, tc := h.connect("10.0.0.3")
	h.mgr.regions = staticRegions{4: {a.ID(), b.ID()}, 5: {c.ID()}}

	h.mgr.SendToRegion(4, packet.New(packet.Movement, "step"), a.ID())
	h.mgr.SendToRegion(-1, packet.New(packet.Movement, "never"), "")
	h.mgr.Flush()

	assert.Empty(t, ta.sent())
	assert.JSONEq(t, `[[10,"step"]]`, tb.sent()[0])
	assert.Empty(t, tc.sent())
}

func TestSendToSurroundingRegions(t *testing.T) {
	h := newHarness(t, Config{Debug: true}, nil, nil)
	a, ta := h.connect("10.0.0.1")
	b, tb := h.connect("10.0.0.2")
	c, tc := h.connect("10.0.0.3")
	h.mgr.regions = staticRegions{4: {a.ID()}, 5: {b.ID()}, 9: {c.ID()}}

	h.mgr.SendToSurroundingRegions(5, packet.New(packet.Despawn, "x"), "")
	h.mgr.SendToSurroundingRegions(-3, packet.New(packet.Despawn, "never"), "")
	h.mgr.Flush()

	require.Len(t, ta.sent(), 1)
	require.Len(t, tb.sent(), 1)
	assert.Empty(t, tc.sent())
	assert.Equal(t, [][]any{{float64(packet.Despawn), "x"}}, decodeBatch(t, ta.sent()[0]))
}

func TestSendToRegion_NilIndexIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	c, tr := h.connect("10.0.0.1")
	h.mgr.SendToRegion(0, packet.New(packet.Chat, "x"), "")
	assert.Equal(t, 0, h.mgr.QueueLen(c.ID()))
	h.mgr.Flush()
	assert.Empty(t, tr.sent())
}

// Property: for any interleaving of enqueues and flushes, one connection
// receives every envelope exactly once and in enqueue order.
func TestPropertyPerConnectionFIFO(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, Config{Debug: true}, nil, nil)
		c, tr := h.connect("10.0.0.1")

		var want []float64
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		for i := 0; i < n; i++ {
			h.mgr.Send(c.ID(), packet.New(packet.Chat, i))
			want = append(want, float64(i))
			if rapid.Bool().Draw(rt, "flush") {
				h.mgr.Flush()
			}
		}
		h.mgr.Flush()

		var got []float64
		for _, frame := range tr.sent() {
			var batch [][]any
			if err := json.Unmarshal([]byte(frame), &batch); err != nil {
				rt.Fatalf("bad frame %q: %v", frame, err)
			}
			if len(batch) == 0 {
				rt.Fatalf("empty batch sent")
			}
			for _, env := range batch {
				got = append(got, env[1].(float64))
			}
		}
		if len(got) != len(want) {
			rt.Fatalf("got %d envelopes, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("envelope %d = %v, want %v", i, got[i], want[i])
			}
		}
	})
}
