package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/fanout"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/plugin"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
	"github.com/MrSnakeDoc/servicesync/internal/store/memory"
)

const host domain.NodeID = "host"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// journalApp keeps an append-only log, snapshots it on subscribe and
// broadcasts every request.
type journalApp struct {
	Log []string `json:"log"`
}

func (a *journalApp) OnSubscribe(ctx context.Context, sc *ServiceContext, node domain.NodeID) {
	log := a.Log
	if log == nil {
		log = []string{}
	}
	raw, _ := json.Marshal(log)
	_ = sc.UpdateSubscriber(ctx, node, append([]byte("snapshot:"), raw...))
}

func (a *journalApp) OnUnsubscribe(context.Context, *ServiceContext, domain.NodeID) {}

func (a *journalApp) HandleRequest(ctx context.Context, sc *ServiceContext, from domain.NodeID, payload []byte) error {
	switch string(payload) {
	case "panic":
		panic("journal asked to panic")
	case "reject":
		return errors.New("rejected")
	case "whisper":
		return sc.UpdateClient(ctx, from, []byte("psst"))
	}
	a.Log = append(a.Log, string(payload))
	sc.UpdateSubscribers(ctx, payload)
	return nil
}

func (a *journalApp) Save() ([]byte, error) { return json.Marshal(a) }

func journalFactory(_ domain.ServiceID, saved []byte) (Application, error) {
	a := &journalApp{}
	if saved != nil {
		if err := json.Unmarshal(saved, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// inbox collects what one node receives on an address.
type inbox struct {
	mu      sync.Mutex
	updates []protocol.Update
	inputs  []protocol.PluginInput
}

func (in *inbox) handleUpdate(_ context.Context, _ address.Address, data []byte) {
	u, err := protocol.DecodeUpdate(data)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.updates = append(in.updates, u)
	in.mu.Unlock()
}

func (in *inbox) handleInput(_ context.Context, _ address.Address, data []byte) {
	pi, err := protocol.DecodePluginInput(data)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.inputs = append(in.inputs, pi)
	in.mu.Unlock()
}

func (in *inbox) Updates() []protocol.Update {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]protocol.Update(nil), in.updates...)
}

func (in *inbox) Inputs() []protocol.PluginInput {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]protocol.PluginInput(nil), in.inputs...)
}

func (in *inbox) payloads() []string {
	out := make([]string, 0)
	for _, u := range in.Updates() {
		out = append(out, string(u.Payload))
	}
	return out
}

type harness struct {
	t     *testing.T
	bus   *bus.MemoryBus
	store *memory.Store
	clock *fakeClock
	reg   *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, bus.NewMemoryBus(0, logger.Nop()), memory.NewStore(), newClock())
}

func newHarnessWith(t *testing.T, b *bus.MemoryBus, st *memory.Store, clock *fakeClock) *harness {
	t.Helper()
	log := logger.Nop()
	reg, err := New(Options{
		Self:            host,
		Store:           st,
		Catalog:         Catalog{"journal": journalFactory},
		Fanout:          fanout.New(host, b, log, nil),
		Plugins:         plugin.NewDelegate(b, "/data/plugins", log),
		Log:             log,
		Now:             clock.Now,
		PresenceTimeout: 10 * time.Minute,
		SweepInterval:   time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Stop)
	return &harness{t: t, bus: b, store: st, clock: clock, reg: reg}
}

func (h *harness) listen(node domain.NodeID) *inbox {
	h.t.Helper()
	to, err := address.ClientAddress(node)
	require.NoError(h.t, err)
	in := &inbox{}
	sub, err := h.bus.Subscribe(context.Background(), to, in.handleUpdate)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return in
}

func (h *harness) listenPlugin(name string) *inbox {
	h.t.Helper()
	pattern, err := address.PluginWildcard(name, host)
	require.NoError(h.t, err)
	in := &inbox{}
	sub, err := h.bus.Subscribe(context.Background(), pattern, in.handleInput)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return in
}

func (h *harness) create(name string, opts ...func(*CreateSpec)) domain.ServiceID {
	h.t.Helper()
	spec := CreateSpec{Name: name, Kind: "journal"}
	for _, o := range opts {
		o(&spec)
	}
	id, err := h.reg.CreateService(context.Background(), spec)
	require.NoError(h.t, err)
	return id
}

func (h *harness) send(t protocol.RequestType, id domain.ServiceID, from domain.NodeID, payload string) error {
	req := protocol.Request{Type: t, Service: id, From: from}
	if payload != "" {
		req.Payload = []byte(payload)
	}
	return h.reg.Dispatch(context.Background(), req)
}

// barrier waits until every job queued on id so far has run.
func (h *harness) barrier(id domain.ServiceID) {
	h.t.Helper()
	w, err := h.reg.lookup(id)
	require.NoError(h.t, err)
	require.NoError(h.t, w.submitWait(context.Background(), func(context.Context) error { return nil }))
}

func (h *harness) subscribers(id domain.ServiceID) []domain.NodeID {
	h.t.Helper()
	h.barrier(id)
	snap, err := h.reg.Service(id)
	require.NoError(h.t, err)
	return snap.Metadata.SubscriberList()
}

func eventuallyLen[T any](t *testing.T, get func() []T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(get()) >= n }, 2*time.Second, 2*time.Millisecond,
		"expected at least %d items", n)
	return get()
}
