// Package consumer tracks, for every local transport channel, the remote
// services it joined and their connection state.
//
// The node keeps one host subscription per remote service, shared by every
// local channel that joined it. Subscribe goes out on every join so each new
// channel gets a snapshot, which only the channels still waiting for one
// receive. Unsubscribe goes out when the last channel leaves.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/metrics"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// Channel is one local transport connection. Send must not block.
type Channel interface {
	ID() string
	Send(data []byte) error
}

// Publisher is the subset of bus.Bus the multiplexer needs.
type Publisher interface {
	Publish(ctx context.Context, to address.Address, data []byte) error
}

// NewChannelID returns a fresh random channel id.
func NewChannelID() string { return uuid.NewString() }

// consumer is the per-channel aggregate.
type consumer struct {
	channel    Channel
	services   map[domain.ServiceID]*domain.SyncService
	awaiting   map[domain.ServiceID]struct{} // joined, snapshot not seen yet
	lastActive time.Time
}

// Multiplexer fans inbound updates out to the local channels that joined the
// originating service. All state sits behind one mutex so updates for the
// same service reach channels in bus arrival order.
type Multiplexer struct {
	self    domain.NodeID
	pub     Publisher
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	consumers map[string]*consumer
	holders   map[domain.ServiceID]map[string]struct{}
	listing   map[domain.NodeID]map[string]struct{}
}

// New returns an empty multiplexer for node self.
func New(self domain.NodeID, pub Publisher, log logger.Logger, m *metrics.Metrics) *Multiplexer {
	if log == nil {
		log = logger.Nop()
	}
	return &Multiplexer{
		self:      self,
		pub:       pub,
		log:       log,
		metrics:   m,
		now:       time.Now,
		consumers: make(map[string]*consumer),
		holders:   make(map[domain.ServiceID]map[string]struct{}),
		listing:   make(map[domain.NodeID]map[string]struct{}),
	}
}

// WithClock replaces the time source.
func (m *Multiplexer) WithClock(now func() time.Time) *Multiplexer {
	m.now = now
	return m
}

// Open registers a channel with no joined services.
func (m *Multiplexer) Open(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.consumers[ch.ID()]; ok {
		return fmt.Errorf("channel %s: %w", ch.ID(), domain.ErrAlreadyExists)
	}
	m.consumers[ch.ID()] = &consumer{
		channel:    ch,
		services:   make(map[domain.ServiceID]*domain.SyncService),
		awaiting:   make(map[domain.ServiceID]struct{}),
		lastActive: m.now(),
	}
	m.metrics.ChannelOpened()
	m.log.Debug("channel opened", logger.String("channel", ch.ID()))
	return nil
}

// JoinService starts tracking id for the channel in Connecting and sends
// Subscribe to the host. A send failure is logged and the service stays
// Connecting until Heartbeat resends it or a late response arrives. Joining
// again restarts the state machine.
func (m *Multiplexer) JoinService(ctx context.Context, channelID string, id domain.ServiceID) error {
	to, err := address.ResolveServiceAddress(id.Node, id.Name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.consumer(channelID)
	if err != nil {
		return err
	}
	now := m.now()
	ss := domain.NewSyncService(id, now)
	c.services[id] = ss
	c.awaiting[id] = struct{}{}
	c.lastActive = now
	m.hold(id, channelID)

	m.deliver(c, Frame{Service: id, Kind: KindStatus, Status: ss.Connection.String()})
	m.request(ctx, to, protocol.Request{Type: protocol.Subscribe, Service: id})
	return nil
}

// ExitService forgets id for the channel. Unsubscribe is sent once no local
// channel holds the service any more.
func (m *Multiplexer) ExitService(ctx context.Context, channelID string, id domain.ServiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.consumer(channelID)
	if err != nil {
		return err
	}
	if _, ok := c.services[id]; !ok {
		return fmt.Errorf("channel %s service %s: %w", channelID, id, domain.ErrNotFound)
	}
	delete(c.services, id)
	delete(c.awaiting, id)
	c.lastActive = m.now()
	m.release(ctx, id, channelID)

	m.deliver(c, Frame{Service: id, Kind: KindStatus, Status: domain.Disconnected{}.String()})
	return nil
}

// Request forwards payload to a service the channel joined.
func (m *Multiplexer) Request(ctx context.Context, channelID string, id domain.ServiceID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.consumer(channelID)
	if err != nil {
		return err
	}
	ss, ok := c.services[id]
	if !ok {
		return fmt.Errorf("channel %s service %s: %w", channelID, id, domain.ErrNotFound)
	}
	if _, gone := ss.Connection.(domain.Disconnected); gone {
		return fmt.Errorf("service %s is disconnected: %w", id, domain.ErrUnreachable)
	}
	c.lastActive = m.now()

	to, err := address.ResolveServiceAddress(id.Node, id.Name)
	if err != nil {
		return err
	}
	return m.request(ctx, to, protocol.Request{Type: protocol.ClientRequest, Service: id, Payload: payload})
}

// ListServices asks node for the services it discloses. The answer reaches
// every channel that asked that node since the last answer.
func (m *Multiplexer) ListServices(ctx context.Context, channelID string, node domain.NodeID) error {
	to, err := address.HostAddress(node)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.consumer(channelID)
	if err != nil {
		return err
	}
	c.lastActive = m.now()
	if m.listing[node] == nil {
		m.listing[node] = make(map[string]struct{})
	}
	m.listing[node][channelID] = struct{}{}
	return m.request(ctx, to, protocol.Request{Type: protocol.RequestServiceList})
}

// RouteInbound applies one update received on this node's client address.
// Updates for services no channel holds, or held only in Disconnected, are
// dropped. A snapshot reaches only the channels that have not had one since
// they joined.
func (m *Multiplexer) RouteInbound(u protocol.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Kind == protocol.ServiceList {
		m.routeList(u)
		return
	}

	var ev domain.StatusEvent
	switch u.Kind {
	case protocol.Data:
		ev = domain.EventUpdate
	case protocol.Kick:
		ev = domain.EventKick
	case protocol.NoSuchService:
		ev = domain.EventNoSuchService
	default:
		m.metrics.ConsumerUpdate("unknown_kind")
		m.log.Warn("dropping update of unknown kind", logger.String("kind", string(u.Kind)))
		return
	}

	holders := m.holders[u.Service]
	if len(holders) == 0 {
		m.metrics.ConsumerUpdate("unknown_service")
		m.log.Debug("dropping update for unjoined service", logger.Stringer("service", u.Service))
		return
	}

	now := m.now()
	for _, chID := range sortedKeys(holders) {
		c := m.consumers[chID]
		if _, waiting := c.awaiting[u.Service]; u.Snapshot && !waiting {
			m.metrics.ConsumerUpdate("snapshot_skipped")
			continue
		}
		ss := c.services[u.Service]
		next, ok := domain.Advance(ss.Connection, ev, now)
		if !ok {
			m.metrics.ConsumerUpdate("disconnected")
			continue
		}
		ss.Connection = next
		if u.Snapshot {
			delete(c.awaiting, u.Service)
		}
		if u.Metadata != nil {
			ss.Metadata = u.Metadata.Clone()
		}
		m.metrics.ConsumerUpdate("delivered")
		m.deliver(c, updateFrame(u, next))
	}
}

func (m *Multiplexer) routeList(u protocol.Update) {
	waiting := m.listing[u.From]
	delete(m.listing, u.From)
	if len(waiting) == 0 {
		m.metrics.ConsumerUpdate("unsolicited_list")
		return
	}
	for _, chID := range sortedKeys(waiting) {
		c, ok := m.consumers[chID]
		if !ok {
			continue
		}
		m.metrics.ConsumerUpdate("delivered")
		m.deliver(c, Frame{Kind: string(protocol.ServiceList), Node: u.From, Services: u.Services})
	}
}

// DropChannel removes the channel and everything it joined. Services no
// other channel holds are unsubscribed.
func (m *Multiplexer) DropChannel(ctx context.Context, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.consumers[channelID]
	if !ok {
		return
	}
	delete(m.consumers, channelID)
	for _, id := range sortedServiceIDs(c.services) {
		m.release(ctx, id, channelID)
	}
	for node, waiting := range m.listing {
		delete(waiting, channelID)
		if len(waiting) == 0 {
			delete(m.listing, node)
		}
	}
	m.metrics.ChannelClosed()
	m.log.Debug("channel dropped",
		logger.String("channel", channelID),
		logger.Int("services", len(c.services)))
}

// Heartbeat refreshes presence on every host. Services some channel sees as
// Connected get a Heartbeat; services still Connecting everywhere get their
// Subscribe resent. It returns the number of requests sent.
func (m *Multiplexer) Heartbeat(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for _, id := range sortedServiceIDs(m.holders) {
		connected, connecting := false, false
		for chID := range m.holders[id] {
			switch m.consumers[chID].services[id].Connection.(type) {
			case domain.Connected:
				connected = true
			case domain.Connecting:
				connecting = true
			}
		}

		var t protocol.RequestType
		switch {
		case connected:
			t = protocol.Heartbeat
		case connecting:
			t = protocol.Subscribe
		default:
			continue
		}
		to, err := address.ResolveServiceAddress(id.Node, id.Name)
		if err != nil {
			continue
		}
		if m.request(ctx, to, protocol.Request{Type: t, Service: id}) == nil {
			sent++
		}
	}
	return sent
}

// ServiceView is a read-only copy of one SyncService.
type ServiceView struct {
	ID         domain.ServiceID
	Metadata   domain.ServiceMetadata
	Connection domain.ConnectionStatus
}

// Services returns the channel's SyncServices sorted by id.
func (m *Multiplexer) Services(channelID string) ([]ServiceView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.consumer(channelID)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceView, 0, len(c.services))
	for _, id := range sortedServiceIDs(c.services) {
		ss := c.services[id]
		out = append(out, ServiceView{ID: ss.ID, Metadata: ss.Metadata.Clone(), Connection: ss.Connection})
	}
	return out, nil
}

// Channels returns the number of open channels.
func (m *Multiplexer) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}

func (m *Multiplexer) consumer(channelID string) (*consumer, error) {
	c, ok := m.consumers[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound)
	}
	return c, nil
}

func (m *Multiplexer) hold(id domain.ServiceID, channelID string) {
	if m.holders[id] == nil {
		m.holders[id] = make(map[string]struct{})
	}
	m.holders[id][channelID] = struct{}{}
}

func (m *Multiplexer) release(ctx context.Context, id domain.ServiceID, channelID string) {
	set := m.holders[id]
	delete(set, channelID)
	if len(set) > 0 {
		return
	}
	delete(m.holders, id)
	to, err := address.ResolveServiceAddress(id.Node, id.Name)
	if err != nil {
		return
	}
	_ = m.request(ctx, to, protocol.Request{Type: protocol.Unsubscribe, Service: id})
}

// request stamps From and publishes. Failures are logged and returned.
func (m *Multiplexer) request(ctx context.Context, to address.Address, req protocol.Request) error {
	req.From = m.self
	data, err := protocol.Encode(req)
	if err == nil {
		err = m.pub.Publish(ctx, to, data)
	}
	if err != nil {
		m.log.Debug("request not sent",
			logger.String("type", string(req.Type)),
			logger.String("to", string(to)),
			logger.Error(err))
	}
	return err
}

func (m *Multiplexer) deliver(c *consumer, f Frame) {
	data, err := EncodeFrame(f)
	if err == nil {
		err = c.channel.Send(data)
	}
	if err != nil {
		m.log.Warn("channel send failed",
			logger.String("channel", c.channel.ID()),
			logger.Stringer("service", f.Service),
			logger.Error(err))
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedServiceIDs[V any](m map[domain.ServiceID]V) []domain.ServiceID {
	out := make([]domain.ServiceID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return domain.SortServiceIDs(out)
}
