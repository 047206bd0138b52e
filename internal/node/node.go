// Package node binds a node's bus addresses to its registry and multiplexer.
//
// Three subscriptions per node:
//
//	sync.<node>.svc.*    service-scoped requests for hosted services
//	sync.<node>.host     host-scoped requests and plugin outputs
//	sync.<node>.client   updates for local consumers
//
// Every inbound message is handled under a recover guard so one bad message
// never stops the node.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/consumer"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/metrics"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
)

type Node struct {
	self    domain.NodeID
	bus     bus.Bus
	reg     *registry.Registry
	mux     *consumer.Multiplexer
	log     logger.Logger
	metrics *metrics.Metrics

	subs []bus.Subscription
}

func New(b bus.Bus, reg *registry.Registry, mux *consumer.Multiplexer, log logger.Logger, m *metrics.Metrics) *Node {
	return &Node{
		self:    reg.Self(),
		bus:     b,
		reg:     reg,
		mux:     mux,
		log:     log,
		metrics: m,
	}
}

// Start subscribes the node's three addresses.
func (n *Node) Start(ctx context.Context) error {
	svc, err := address.ServiceWildcard(n.self)
	if err != nil {
		return err
	}
	host, err := address.HostAddress(n.self)
	if err != nil {
		return err
	}
	client, err := address.ClientAddress(n.self)
	if err != nil {
		return err
	}

	routes := []struct {
		pattern address.Address
		h       bus.Handler
	}{
		{svc, n.guard("service", n.onService)},
		{host, n.guard("host", n.onHost)},
		{client, n.guard("client", n.onClient)},
	}
	for _, r := range routes {
		sub, err := n.bus.Subscribe(ctx, r.pattern, r.h)
		if err != nil {
			n.Stop()
			return fmt.Errorf("subscribe %s: %w", r.pattern, err)
		}
		n.subs = append(n.subs, sub)
	}

	n.log.Info("node listening",
		logger.String("node", string(n.self)),
		logger.String("services", string(svc)),
		logger.String("host", string(host)),
		logger.String("client", string(client)))
	return nil
}

// Stop removes the subscriptions. It does not stop the registry.
func (n *Node) Stop() {
	for _, s := range n.subs {
		if err := s.Unsubscribe(); err != nil {
			n.log.Warn("unsubscribe failed", logger.Error(err))
		}
	}
	n.subs = nil
}

func (n *Node) guard(component string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, subject address.Address, data []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				n.metrics.Panic(component)
				n.log.Error("message handler panic",
					logger.String("component", component),
					logger.String("subject", string(subject)),
					logger.Any("panic", rec),
					logger.String("stack", string(debug.Stack())))
			}
		}()
		h(ctx, subject, data)
	}
}

func (n *Node) onService(ctx context.Context, subject address.Address, data []byte) {
	id, err := address.ParseServiceAddress(subject)
	if err != nil {
		n.log.Warn("dropping message on malformed address", logger.String("subject", string(subject)), logger.Error(err))
		return
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		n.log.Warn("dropping undecodable request", logger.String("subject", string(subject)), logger.Error(err))
		return
	}
	if !req.Type.ServiceScoped() {
		n.log.Warn("dropping host request on service address",
			logger.String("subject", string(subject)),
			logger.String("type", string(req.Type)))
		return
	}
	// The subject is authoritative for the target.
	req.Service = id
	n.dispatch(ctx, req)
}

func (n *Node) onHost(ctx context.Context, subject address.Address, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		n.log.Warn("dropping undecodable request", logger.String("subject", string(subject)), logger.Error(err))
		return
	}
	if req.Type.ServiceScoped() {
		n.log.Warn("dropping service request on host address",
			logger.String("type", string(req.Type)),
			logger.String("from", string(req.From)))
		return
	}
	n.dispatch(ctx, req)
}

func (n *Node) onClient(_ context.Context, subject address.Address, data []byte) {
	u, err := protocol.DecodeUpdate(data)
	if err != nil {
		n.log.Warn("dropping undecodable update", logger.String("subject", string(subject)), logger.Error(err))
		return
	}
	n.mux.RouteInbound(u)
}

func (n *Node) dispatch(ctx context.Context, req protocol.Request) {
	err := n.reg.Dispatch(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		n.log.Debug("request rejected",
			logger.String("type", string(req.Type)),
			logger.String("from", string(req.From)),
			logger.Error(err))
	default:
		n.log.Warn("request failed",
			logger.String("type", string(req.Type)),
			logger.String("from", string(req.From)),
			logger.Error(err))
	}
}
