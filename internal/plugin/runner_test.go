package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

const hostNode domain.NodeID = "host"

type echo struct {
	mu     sync.Mutex
	out    *Outbox
	meta   domain.PluginMetadata
	joined []domain.NodeID
	killed bool
}

func (e *echo) ClientJoined(_ context.Context, node domain.NodeID) {
	e.mu.Lock()
	e.joined = append(e.joined, node)
	e.mu.Unlock()
}

func (e *echo) ClientExited(context.Context, domain.NodeID) {}

func (e *echo) ClientRequest(ctx context.Context, node domain.NodeID, payload []byte) {
	switch string(payload) {
	case "dm":
		_ = e.out.UpdateClient(ctx, node, []byte("just you"))
	case "bye":
		_ = e.out.ShutDown(ctx)
	default:
		_ = e.out.UpdateSubscribers(ctx, payload)
	}
}

func (e *echo) Kill(context.Context) {
	e.mu.Lock()
	e.killed = true
	e.mu.Unlock()
}

func (e *echo) isKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

type fixture struct {
	b         *bus.MemoryBus
	runner    *Runner
	delegate  *Delegate
	svc       *domain.Service
	mu        sync.Mutex
	instances []*echo
	outputs   []protocol.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{b: bus.NewMemoryBus(0, logger.Nop())}
	f.runner = NewRunner("echo", hostNode, f.b, func(_ context.Context, meta domain.PluginMetadata, out *Outbox) (Instance, error) {
		e := &echo{out: out, meta: meta}
		f.mu.Lock()
		f.instances = append(f.instances, e)
		f.mu.Unlock()
		return e, nil
	}, logger.Nop())
	require.NoError(t, f.runner.Start(context.Background()))
	t.Cleanup(func() { f.runner.Stop(context.Background()) })

	hostAddr, err := address.HostAddress(hostNode)
	require.NoError(t, err)
	_, err = f.b.Subscribe(context.Background(), hostAddr, func(_ context.Context, _ address.Address, data []byte) {
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.outputs = append(f.outputs, req)
		f.mu.Unlock()
	})
	require.NoError(t, err)

	f.delegate = NewDelegate(f.b, "/var/lib/servicesync", logger.Nop())
	f.svc = &domain.Service{
		ID:       domain.NewServiceID(hostNode, "room"),
		Kind:     "relay",
		Metadata: domain.NewServiceMetadata(),
	}
	f.svc.Metadata.Plugins["echo"] = struct{}{}
	return f
}

func (f *fixture) Outputs() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.outputs...)
}

func (f *fixture) Instances() []*echo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*echo(nil), f.instances...)
}

func waitFor[T any](t *testing.T, get func() []T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(get()) >= n }, 2*time.Second, 2*time.Millisecond)
	return get()
}

func TestPersistencePath(t *testing.T) {
	id := domain.NewServiceID("node-1", "chat")
	assert.Equal(t, "/data/node-1/chat/log", PersistencePath("/data", id, "log"))
}

func TestInputBeforeInitIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "a", []byte("early"))
	f.delegate.Init(ctx, "echo", f.svc)
	waitFor(t, f.Instances, 1)
	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "a", []byte("late"))

	got := waitFor(t, f.Outputs, 1)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("late"), got[0].Output.Payload)
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := []byte{0x00, 0xff, '{', '"', 0x7f, '\n'}

	f.delegate.Init(ctx, "echo", f.svc)
	inst := waitFor(t, f.Instances, 1)[0]
	assert.Equal(t, "echo", inst.meta.PluginName)
	assert.Equal(t, "/var/lib/servicesync/host/room/echo", inst.meta.PersistencePath)
	assert.Equal(t, f.svc.ID, inst.meta.Service.ID)
	assert.Equal(t, []domain.ServiceID{f.svc.ID}, f.runner.Live())

	f.delegate.ClientJoined(ctx, []string{"echo"}, f.svc.ID, "a")
	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "a", payload)

	got := waitFor(t, f.Outputs, 1)
	req := got[0]
	assert.Equal(t, protocol.PluginOutputMsg, req.Type)
	assert.Equal(t, hostNode, req.From)
	require.NotNil(t, req.Output)
	assert.Equal(t, protocol.PluginUpdateSubscribers, req.Output.Kind)
	assert.Equal(t, "echo", req.Output.Plugin)
	assert.Equal(t, f.svc.ID, req.Output.Service)
	assert.Equal(t, payload, req.Output.Payload)

	inst.mu.Lock()
	assert.Equal(t, []domain.NodeID{"a"}, inst.joined)
	inst.mu.Unlock()
}

func TestUpdateClientTargetsOneNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate.Init(ctx, "echo", f.svc)
	waitFor(t, f.Instances, 1)

	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "x", []byte("dm"))
	got := waitFor(t, f.Outputs, 1)
	assert.Equal(t, protocol.PluginUpdateClient, got[0].Output.Kind)
	assert.Equal(t, domain.NodeID("x"), got[0].Output.Node)
}

func TestKillStopsInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate.Init(ctx, "echo", f.svc)
	inst := waitFor(t, f.Instances, 1)[0]

	f.delegate.Kill(ctx, "echo", f.svc.ID)
	require.Eventually(t, inst.isKilled, 2*time.Second, 2*time.Millisecond)
	assert.Empty(t, f.runner.Live())

	require.ErrorIs(t, inst.out.UpdateSubscribers(ctx, []byte("zombie")), ErrKilled)

	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "a", []byte("after kill"))
	f.delegate.Init(ctx, "echo", f.svc)
	waitFor(t, f.Instances, 2)
	assert.Empty(t, f.Outputs())
}

func TestRepeatedInitReplacesInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate.Init(ctx, "echo", f.svc)
	f.delegate.Init(ctx, "echo", f.svc)

	got := waitFor(t, f.Instances, 2)
	require.Eventually(t, got[0].isKilled, 2*time.Second, 2*time.Millisecond)
	assert.False(t, got[1].isKilled())
	assert.Len(t, f.runner.Live(), 1)
}

func TestShutDownBlocksLaterOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate.Init(ctx, "echo", f.svc)
	inst := waitFor(t, f.Instances, 1)[0]

	f.delegate.ClientRequest(ctx, []string{"echo"}, f.svc.ID, "a", []byte("bye"))
	got := waitFor(t, f.Outputs, 1)
	assert.Equal(t, protocol.PluginShuttingDown, got[0].Output.Kind)
	require.ErrorIs(t, inst.out.UpdateSubscribers(ctx, []byte("x")), ErrKilled)
}

func TestMisaddressedInputIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	to, err := address.ResolvePluginAddress("echo", hostNode, "room")
	require.NoError(t, err)
	data, err := protocol.Encode(protocol.PluginInput{
		Kind:     protocol.PluginInit,
		Service:  domain.NewServiceID("elsewhere", "room"),
		Plugin:   "echo",
		Metadata: &domain.PluginMetadata{PluginName: "echo"},
	})
	require.NoError(t, err)
	require.NoError(t, f.b.Publish(ctx, to, data))
	require.NoError(t, f.b.Publish(ctx, to, []byte("garbage")))

	f.delegate.Init(ctx, "echo", f.svc)
	got := waitFor(t, f.Instances, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, f.svc.ID, got[0].meta.Service.ID)
}

func TestStopKillsLiveInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate.Init(ctx, "echo", f.svc)
	inst := waitFor(t, f.Instances, 1)[0]

	f.runner.Stop(ctx)
	assert.True(t, inst.isKilled())
	assert.Empty(t, f.runner.Live())
}
