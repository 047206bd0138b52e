package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// ErrKilled is returned by an Outbox after Kill or ShutDown.
var ErrKilled = errors.New("plugin instance stopped")

// Instance is one plugin attached to one service.
type Instance interface {
	ClientJoined(ctx context.Context, node domain.NodeID)
	ClientExited(ctx context.Context, node domain.NodeID)
	ClientRequest(ctx context.Context, node domain.NodeID, payload []byte)
	// Kill is the last call. The instance must not use its Outbox afterwards.
	Kill(ctx context.Context)
}

// Factory builds an Instance from its Init handshake.
type Factory func(ctx context.Context, meta domain.PluginMetadata, out *Outbox) (Instance, error)

// Outbox sends plugin outputs to the hosting node.
type Outbox struct {
	pub     Publisher
	host    address.Address
	service domain.ServiceID
	plugin  string

	mu      sync.Mutex
	stopped bool
}

// UpdateSubscribers asks the host to relay payload to every subscriber.
func (o *Outbox) UpdateSubscribers(ctx context.Context, payload []byte) error {
	return o.emit(ctx, protocol.PluginUpdateSubscribers, "", payload)
}

// UpdateClient asks the host to relay payload to node only.
func (o *Outbox) UpdateClient(ctx context.Context, node domain.NodeID, payload []byte) error {
	return o.emit(ctx, protocol.PluginUpdateClient, node, payload)
}

// ShutDown tells the host this plugin is leaving. Later sends fail.
func (o *Outbox) ShutDown(ctx context.Context) error {
	if err := o.emit(ctx, protocol.PluginShuttingDown, "", nil); err != nil {
		return err
	}
	o.stop()
	return nil
}

func (o *Outbox) stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
}

func (o *Outbox) emit(ctx context.Context, kind protocol.PluginOutputKind, node domain.NodeID, payload []byte) error {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return fmt.Errorf("%s on %s: %w", o.plugin, o.service, ErrKilled)
	}

	data, err := protocol.Encode(protocol.Request{
		Type:    protocol.PluginOutputMsg,
		From:    o.service.Node,
		Service: o.service,
		Output: &protocol.PluginOutput{
			Kind:    kind,
			Service: o.service,
			Plugin:  o.plugin,
			Node:    node,
			Payload: payload,
		},
	})
	if err != nil {
		return err
	}
	return o.pub.Publish(ctx, o.host, data)
}

// Runner hosts every instance of one plugin for the services of one node.
// Inputs are handled sequentially in arrival order.
type Runner struct {
	name    string
	node    domain.NodeID
	b       bus.Bus
	factory Factory
	log     logger.Logger

	mu        sync.Mutex
	instances map[domain.ServiceID]*running
	sub       bus.Subscription
}

type running struct {
	inst Instance
	out  *Outbox
}

// NewRunner creates a runner for plugin name serving services hosted on node.
func NewRunner(name string, node domain.NodeID, b bus.Bus, factory Factory, log logger.Logger) *Runner {
	return &Runner{
		name:      name,
		node:      node,
		b:         b,
		factory:   factory,
		log:       log.With(logger.String("plugin", name)),
		instances: make(map[domain.ServiceID]*running),
	}
}

// Start subscribes to the plugin's wildcard address.
func (r *Runner) Start(ctx context.Context) error {
	pattern, err := address.PluginWildcard(r.name, r.node)
	if err != nil {
		return err
	}
	sub, err := r.b.Subscribe(ctx, pattern, r.handle)
	if err != nil {
		return fmt.Errorf("plugin %s subscribe: %w", r.name, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	r.log.Info("plugin runner started", logger.String("address", string(pattern)))
	return nil
}

// Stop kills every live instance and unsubscribes.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	sub := r.sub
	live := r.instances
	r.instances = make(map[domain.ServiceID]*running)
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, rn := range live {
		rn.out.stop()
		rn.inst.Kill(ctx)
	}
}

// Live returns the ids of services with a running instance.
func (r *Runner) Live() []domain.ServiceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.ServiceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return domain.SortServiceIDs(ids)
}

func (r *Runner) handle(ctx context.Context, subject address.Address, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("plugin handler panic", logger.String("subject", string(subject)), logger.Any("panic", rec))
		}
	}()

	in, err := protocol.DecodePluginInput(data)
	if err != nil {
		r.log.Warn("dropping undecodable plugin input", logger.String("subject", string(subject)), logger.Error(err))
		return
	}
	if in.Plugin != r.name || in.Service.Node != r.node {
		r.log.Warn("dropping misaddressed plugin input", logger.Stringer("service", in.Service))
		return
	}

	if in.Kind == protocol.PluginInit {
		r.init(ctx, in)
		return
	}

	r.mu.Lock()
	rn, ok := r.instances[in.Service]
	if ok && in.Kind == protocol.PluginKill {
		delete(r.instances, in.Service)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warn("plugin input before init or after kill",
			logger.Stringer("service", in.Service),
			logger.String("kind", string(in.Kind)))
		return
	}

	switch in.Kind {
	case protocol.PluginClientJoined:
		rn.inst.ClientJoined(ctx, in.Node)
	case protocol.PluginClientExited:
		rn.inst.ClientExited(ctx, in.Node)
	case protocol.PluginClientRequest:
		rn.inst.ClientRequest(ctx, in.Node, in.Payload)
	case protocol.PluginKill:
		rn.out.stop()
		rn.inst.Kill(ctx)
		r.log.Info("plugin instance killed", logger.Stringer("service", in.Service))
	}
}

func (r *Runner) init(ctx context.Context, in protocol.PluginInput) {
	if in.Metadata == nil {
		r.log.Warn("init without metadata", logger.Stringer("service", in.Service))
		return
	}
	host, err := address.HostAddress(in.Service.Node)
	if err != nil {
		r.log.Warn("init for invalid host", logger.Stringer("service", in.Service), logger.Error(err))
		return
	}

	r.mu.Lock()
	prev, exists := r.instances[in.Service]
	delete(r.instances, in.Service)
	r.mu.Unlock()
	// A repeated Init (host restart) replaces the instance.
	if exists {
		prev.out.stop()
		prev.inst.Kill(ctx)
	}

	out := &Outbox{pub: r.b, host: host, service: in.Service, plugin: r.name}
	inst, err := r.factory(ctx, *in.Metadata, out)
	if err != nil {
		r.log.Error("plugin init failed", logger.Stringer("service", in.Service), logger.Error(err))
		return
	}

	r.mu.Lock()
	r.instances[in.Service] = &running{inst: inst, out: out}
	r.mu.Unlock()
	r.log.Info("plugin instance initialized",
		logger.Stringer("service", in.Service),
		logger.String("persistence_path", in.Metadata.PersistencePath))
}
