// Package fanout delivers host updates to subscriber nodes.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/metrics"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// ErrNotSubscriber is returned by UpdateSubscriber for a node outside the set.
var ErrNotSubscriber = errors.New("not a subscriber")

// Publisher is the part of bus.Bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, to address.Address, data []byte) error
}

// Dispatcher sends one publish per target per call, without retry. It never
// waits for the receiver.
type Dispatcher struct {
	self    domain.NodeID
	pub     Publisher
	log     logger.Logger
	metrics *metrics.Metrics
}

func New(self domain.NodeID, pub Publisher, log logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{self: self, pub: pub, log: log, metrics: m}
}

// UpdateSubscribers sends u to every node in meta.Subscribers at call time.
// It returns how many publishes succeeded.
func (d *Dispatcher) UpdateSubscribers(ctx context.Context, id domain.ServiceID, meta domain.ServiceMetadata, u protocol.Update) int {
	targets := meta.SubscriberList()
	if len(targets) == 0 {
		return 0
	}
	data, err := d.encode(id, meta, u)
	if err != nil {
		d.log.Error("fanout encode failed", logger.Stringer("service", id), logger.Error(err))
		return 0
	}

	sent := 0
	for _, node := range targets {
		if d.send(ctx, node, u.Kind, id, data) == nil {
			sent++
		}
	}
	return sent
}

// UpdateSubscriber sends u to target only, which must be a subscriber.
func (d *Dispatcher) UpdateSubscriber(ctx context.Context, id domain.ServiceID, meta domain.ServiceMetadata, target domain.NodeID, u protocol.Update) error {
	if !meta.HasSubscriber(target) {
		return fmt.Errorf("update %s for %s: %w", target, id, ErrNotSubscriber)
	}
	data, err := d.encode(id, meta, u)
	if err != nil {
		return err
	}
	return d.send(ctx, target, u.Kind, id, data)
}

// UpdateClient sends u to target whether or not it subscribes to anything.
// The update is tagged with id and meta when id is set.
func (d *Dispatcher) UpdateClient(ctx context.Context, id domain.ServiceID, meta *domain.ServiceMetadata, target domain.NodeID, u protocol.Update) error {
	u.From = d.self
	u.Service = id
	if meta != nil {
		cp := meta.Clone()
		u.Metadata = &cp
	}
	data, err := protocol.Encode(u)
	if err != nil {
		return err
	}
	return d.send(ctx, target, u.Kind, id, data)
}

func (d *Dispatcher) encode(id domain.ServiceID, meta domain.ServiceMetadata, u protocol.Update) ([]byte, error) {
	u.From = d.self
	u.Service = id
	cp := meta.Clone()
	u.Metadata = &cp
	return protocol.Encode(u)
}

func (d *Dispatcher) send(ctx context.Context, node domain.NodeID, kind protocol.UpdateKind, id domain.ServiceID, data []byte) error {
	to, err := address.ClientAddress(node)
	if err == nil {
		err = d.pub.Publish(ctx, to, data)
	}
	d.metrics.FanoutSend(string(kind), err)
	if err != nil {
		d.log.Warn("fanout send failed",
			logger.Stringer("service", id),
			logger.String("target", string(node)),
			logger.String("kind", string(kind)),
			logger.Error(err))
		if !errors.Is(err, domain.ErrUnreachable) && !errors.Is(err, domain.ErrInvalidAddress) {
			err = fmt.Errorf("%v: %w", err, domain.ErrUnreachable)
		}
	}
	return err
}
