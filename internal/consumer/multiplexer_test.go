package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

const self domain.NodeID = "laptop"

type sent struct {
	to  address.Address
	req protocol.Request
}

type recordingPublisher struct {
	mu   sync.Mutex
	fail bool
	log  []sent
}

func (p *recordingPublisher) Publish(_ context.Context, to address.Address, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return domain.ErrUnreachable
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return err
	}
	p.log = append(p.log, sent{to: to, req: req})
	return nil
}

func (p *recordingPublisher) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []protocol.RequestType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.RequestType, 0, len(p.log))
	for _, s := range p.log {
		out = append(out, s.req.Type)
	}
	return out
}

func (p *recordingPublisher) last() sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log[len(p.log)-1]
}

type fakeChannel struct {
	id     string
	mu     sync.Mutex
	frames []Frame
}

func newChannel() *fakeChannel { return &fakeChannel{id: NewChannelID()} }

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func (c *fakeChannel) lastFrame() Frame {
	f := c.Frames()
	return f[len(f)-1]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*Multiplexer, *recordingPublisher, *clock) {
	t.Helper()
	pub := &recordingPublisher{}
	clk := &clock{t: time.Unix(1_700_000_000, 0).UTC()}
	m := New(self, pub, logger.Nop(), nil).WithClock(clk.now)
	return m, pub, clk
}

func open(t *testing.T, m *Multiplexer) *fakeChannel {
	t.Helper()
	ch := newChannel()
	require.NoError(t, m.Open(ch))
	return ch
}

func status(t *testing.T, m *Multiplexer, chID string, id domain.ServiceID) domain.ConnectionStatus {
	t.Helper()
	views, err := m.Services(chID)
	require.NoError(t, err)
	for _, v := range views {
		if v.ID == id {
			return v.Connection
		}
	}
	return nil
}

var chess = domain.NewServiceID("host", "chess")

func data(id domain.ServiceID, payload string) protocol.Update {
	meta := domain.NewServiceMetadata()
	meta.Subscribers[self] = struct{}{}
	return protocol.Update{Kind: protocol.Data, From: id.Node, Service: id, Metadata: &meta, Payload: []byte(payload)}
}

func TestJoinStartsConnectingAndSubscribes(t *testing.T) {
	m, pub, clk := setup(t)
	ch := open(t, m)

	require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))

	assert.Equal(t, domain.Connecting{Since: clk.t}, status(t, m, ch.ID(), chess))
	last := pub.last()
	assert.Equal(t, address.Address("sync.host.svc.chess"), last.to)
	assert.Equal(t, protocol.Subscribe, last.req.Type)
	assert.Equal(t, self, last.req.From)
	assert.Equal(t, chess, last.req.Service)

	f := ch.lastFrame()
	assert.Equal(t, KindStatus, f.Kind)
	assert.Equal(t, "connecting", f.Status)
}

func TestUpdatesMoveToConnectedAndRefresh(t *testing.T) {
	m, _, clk := setup(t)
	ch := open(t, m)
	require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))

	clk.t = clk.t.Add(time.Second)
	m.RouteInbound(data(chess, "snapshot"))
	assert.Equal(t, domain.Connected{LastHeard: clk.t}, status(t, m, ch.ID(), chess))

	clk.t = clk.t.Add(time.Second)
	m.RouteInbound(data(chess, "move"))
	assert.Equal(t, domain.Connected{LastHeard: clk.t}, status(t, m, ch.ID(), chess))

	f := ch.lastFrame()
	assert.Equal(t, chess, f.Service)
	assert.Equal(t, string(protocol.Data), f.Kind)
	assert.Equal(t, "connected", f.Status)
	assert.Equal(t, []byte("move"), f.Payload)
	require.NotNil(t, f.Metadata)

	views, err := m.Services(ch.ID())
	require.NoError(t, err)
	assert.True(t, views[0].Metadata.HasSubscriber(self))
}

func TestKickAndNoSuchServiceDisconnect(t *testing.T) {
	for _, kind := range []protocol.UpdateKind{protocol.Kick, protocol.NoSuchService} {
		t.Run(string(kind), func(t *testing.T) {
			m, _, _ := setup(t)
			ch := open(t, m)
			require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))
			m.RouteInbound(data(chess, "snapshot"))

			m.RouteInbound(protocol.Update{Kind: kind, From: "host", Service: chess, Reason: protocol.ReasonDeleted})
			assert.Equal(t, domain.Disconnected{}, status(t, m, ch.ID(), chess))
			f := ch.lastFrame()
			assert.Equal(t, string(kind), f.Kind)
			assert.Equal(t, "disconnected", f.Status)

			// No way out of Disconnected without a new join.
			frames := len(ch.Frames())
			m.RouteInbound(data(chess, "late"))
			assert.Equal(t, domain.Disconnected{}, status(t, m, ch.ID(), chess))
			assert.Len(t, ch.Frames(), frames)

			require.ErrorIs(t, m.Request(context.Background(), ch.ID(), chess, []byte("x")), domain.ErrUnreachable)

			require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))
			assert.IsType(t, domain.Connecting{}, status(t, m, ch.ID(), chess))
			m.RouteInbound(data(chess, "again"))
			assert.IsType(t, domain.Connected{}, status(t, m, ch.ID(), chess))
		})
	}
}

func TestUnreachableHostStaysConnecting(t *testing.T) {
	m, pub, clk := setup(t)
	ch := open(t, m)
	pub.setFail(true)

	require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))
	since := clk.t
	for i := 0; i < 5; i++ {
		clk.t = clk.t.Add(time.Minute)
		assert.Zero(t, m.Heartbeat(context.Background()))
	}
	assert.Equal(t, domain.Connecting{Since: since}, status(t, m, ch.ID(), chess))

	// The host comes back: Heartbeat resends Subscribe and the late reply connects.
	pub.setFail(false)
	assert.Equal(t, 1, m.Heartbeat(context.Background()))
	assert.Equal(t, protocol.Subscribe, pub.last().req.Type)
	m.RouteInbound(data(chess, "snapshot"))
	assert.IsType(t, domain.Connected{}, status(t, m, ch.ID(), chess))

	assert.Equal(t, 1, m.Heartbeat(context.Background()))
	assert.Equal(t, protocol.Heartbeat, pub.last().req.Type)
}

func TestExitWhileConnectingRemovesService(t *testing.T) {
	m, pub, _ := setup(t)
	ch := open(t, m)
	pub.setFail(true)
	require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))
	pub.setFail(false)

	require.NoError(t, m.ExitService(context.Background(), ch.ID(), chess))
	views, err := m.Services(ch.ID())
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Equal(t, []protocol.RequestType{protocol.Unsubscribe}, pub.types())

	require.ErrorIs(t, m.ExitService(context.Background(), ch.ID(), chess), domain.ErrNotFound)

	// A late snapshot for an exited service is dropped.
	frames := len(ch.Frames())
	m.RouteInbound(data(chess, "late"))
	assert.Len(t, ch.Frames(), frames)
}

func TestSharedSubscriptionIsReferenceCounted(t *testing.T) {
	m, pub, _ := setup(t)
	ctx := context.Background()
	a, b := open(t, m), open(t, m)

	require.NoError(t, m.JoinService(ctx, a.ID(), chess))
	require.NoError(t, m.JoinService(ctx, b.ID(), chess))
	m.RouteInbound(data(chess, "move"))
	assert.Equal(t, []byte("move"), a.lastFrame().Payload)
	assert.Equal(t, []byte("move"), b.lastFrame().Payload)

	require.NoError(t, m.ExitService(ctx, a.ID(), chess))
	assert.Equal(t, []protocol.RequestType{protocol.Subscribe, protocol.Subscribe}, pub.types())

	m.RouteInbound(data(chess, "only-b"))
	assert.Equal(t, []byte("only-b"), b.lastFrame().Payload)
	assert.Equal(t, "disconnected", a.lastFrame().Status)

	m.DropChannel(ctx, b.ID())
	assert.Equal(t, protocol.Unsubscribe, pub.last().req.Type)
	assert.Equal(t, 1, m.Channels())
}

func snapshot(id domain.ServiceID, payload string) protocol.Update {
	u := data(id, payload)
	u.Snapshot = true
	return u
}

func TestSnapshotReachesOnlyTheJoiningChannel(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	a, b := open(t, m), open(t, m)

	require.NoError(t, m.JoinService(ctx, a.ID(), chess))
	m.RouteInbound(snapshot(chess, "board-a"))
	m.RouteInbound(data(chess, "move-1"))
	seen := len(a.Frames())

	require.NoError(t, m.JoinService(ctx, b.ID(), chess))
	m.RouteInbound(snapshot(chess, "board-b"))

	assert.Len(t, a.Frames(), seen)
	assert.Equal(t, []byte("move-1"), a.lastFrame().Payload)
	assert.Equal(t, []byte("board-b"), b.lastFrame().Payload)
	assert.IsType(t, domain.Connected{}, status(t, m, b.ID(), chess))

	// Both see live updates again, and a repeated snapshot goes nowhere.
	m.RouteInbound(data(chess, "move-2"))
	m.RouteInbound(snapshot(chess, "board-again"))
	assert.Equal(t, []byte("move-2"), a.lastFrame().Payload)
	assert.Equal(t, []byte("move-2"), b.lastFrame().Payload)
}

// A live update can overtake the snapshot; the snapshot still arrives.
func TestSnapshotAfterEarlierUpdateStillDelivered(t *testing.T) {
	m, _, _ := setup(t)
	ch := open(t, m)
	require.NoError(t, m.JoinService(context.Background(), ch.ID(), chess))

	m.RouteInbound(data(chess, "move"))
	m.RouteInbound(snapshot(chess, "board"))
	assert.Equal(t, []byte("board"), ch.lastFrame().Payload)

	m.RouteInbound(snapshot(chess, "board-again"))
	assert.Equal(t, []byte("board"), ch.lastFrame().Payload)
}

func TestServicesDoNotInterfere(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	ch := open(t, m)
	radio := domain.NewServiceID("studio", "radio")

	require.NoError(t, m.JoinService(ctx, ch.ID(), chess))
	require.NoError(t, m.JoinService(ctx, ch.ID(), radio))

	m.RouteInbound(protocol.Update{Kind: protocol.Kick, From: "host", Service: chess})
	m.RouteInbound(data(radio, "song"))

	assert.Equal(t, domain.Disconnected{}, status(t, m, ch.ID(), chess))
	assert.IsType(t, domain.Connected{}, status(t, m, ch.ID(), radio))
	assert.Equal(t, radio, ch.lastFrame().Service)
}

func TestConcurrentArrivalsKeepPerServiceOrder(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	ch := open(t, m)
	ids := []domain.ServiceID{
		domain.NewServiceID("h1", "s"),
		domain.NewServiceID("h2", "s"),
		domain.NewServiceID("h3", "s"),
	}
	for _, id := range ids {
		require.NoError(t, m.JoinService(ctx, ch.ID(), id))
	}

	const n = 200
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.ServiceID) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				m.RouteInbound(data(id, string(rune('a'+i%26))+string(rune('0'+i/26))))
			}
		}(id)
	}
	wg.Wait()

	seen := map[domain.ServiceID][]string{}
	for _, f := range ch.Frames() {
		if f.Kind == string(protocol.Data) {
			seen[f.Service] = append(seen[f.Service], string(f.Payload))
		}
	}
	for _, id := range ids {
		require.Len(t, seen[id], n)
		for i, p := range seen[id] {
			assert.Equal(t, string(rune('a'+i%26))+string(rune('0'+i/26)), p)
		}
	}
}

func TestListServicesAnswersAskers(t *testing.T) {
	m, pub, _ := setup(t)
	ctx := context.Background()
	a, b := open(t, m), open(t, m)

	require.NoError(t, m.ListServices(ctx, a.ID(), "host"))
	last := pub.last()
	assert.Equal(t, address.Address("sync.host.host"), last.to)
	assert.Equal(t, protocol.RequestServiceList, last.req.Type)

	m.RouteInbound(protocol.Update{Kind: protocol.ServiceList, From: "host", Services: []domain.ServiceID{chess}})
	f := a.lastFrame()
	assert.Equal(t, string(protocol.ServiceList), f.Kind)
	assert.Equal(t, domain.NodeID("host"), f.Node)
	assert.Equal(t, []domain.ServiceID{chess}, f.Services)
	assert.Empty(t, b.Frames())

	// Unsolicited lists go nowhere.
	m.RouteInbound(protocol.Update{Kind: protocol.ServiceList, From: "host"})
	assert.Len(t, a.Frames(), 1)
}

func TestUnknownChannelAndBadIDs(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	require.ErrorIs(t, m.JoinService(ctx, "nope", chess), domain.ErrNotFound)
	require.ErrorIs(t, m.Request(ctx, "nope", chess, nil), domain.ErrNotFound)
	require.ErrorIs(t, m.ListServices(ctx, "nope", "host"), domain.ErrNotFound)

	ch := open(t, m)
	require.ErrorIs(t, m.Open(ch), domain.ErrAlreadyExists)
	require.ErrorIs(t, m.JoinService(ctx, ch.ID(), domain.NewServiceID("host", "bad.name")), domain.ErrInvalidAddress)
	require.ErrorIs(t, m.Request(ctx, ch.ID(), chess, nil), domain.ErrNotFound)

	m.DropChannel(ctx, "nope")
}

func TestRequestForwardsPayloadVerbatim(t *testing.T) {
	m, pub, _ := setup(t)
	ctx := context.Background()
	ch := open(t, m)
	require.NoError(t, m.JoinService(ctx, ch.ID(), chess))

	payload := []byte{0, 1, 2, 0xfe}
	require.NoError(t, m.Request(ctx, ch.ID(), chess, payload))
	last := pub.last()
	assert.Equal(t, protocol.ClientRequest, last.req.Type)
	assert.Equal(t, payload, last.req.Payload)

	pub.setFail(true)
	err := m.Request(ctx, ch.ID(), chess, payload)
	assert.True(t, errors.Is(err, domain.ErrUnreachable))
}

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"join", `{"type":"join","service":{"node":"host","name":"chess"}}`, true},
		{"request", `{"type":"request","service":{"node":"host","name":"chess"},"payload":"AAE="}`, true},
		{"list", `{"type":"list","node":"host"}`, true},
		{"unknown type", `{"type":"dance"}`, false},
		{"not json", `hello`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tc.in))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	c, err := DecodeCommand([]byte(`{"type":"request","service":{"node":"host","name":"chess"},"payload":"AAE="}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, c.Payload)
	assert.Equal(t, chess, c.Service)
}
