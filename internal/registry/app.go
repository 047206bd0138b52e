package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// Application is the per-service behavior plugged into the registry.
//
// All methods run on the service's worker goroutine, one at a time, so
// implementations need no locking. Payloads are opaque to the registry.
type Application interface {
	// OnSubscribe runs on every Subscribe, including repeated ones. It
	// usually sends a snapshot with sc.UpdateSubscriber.
	OnSubscribe(ctx context.Context, sc *ServiceContext, node domain.NodeID)
	// OnUnsubscribe runs after node left the subscriber set.
	OnUnsubscribe(ctx context.Context, sc *ServiceContext, node domain.NodeID)
	// HandleRequest receives a ClientRequest payload verbatim. An error is
	// logged and the request dropped; the service keeps running.
	HandleRequest(ctx context.Context, sc *ServiceContext, from domain.NodeID, payload []byte) error
	// Save encodes the state persisted with the service record.
	Save() ([]byte, error)
}

// Factory builds an Application. saved is nil for a new service and the last
// persisted state on restore.
type Factory func(id domain.ServiceID, saved []byte) (Application, error)

// Catalog maps a service kind to its factory.
type Catalog map[string]Factory

// Kinds returns the registered kinds sorted.
func (c Catalog) Kinds() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c Catalog) build(kind string, id domain.ServiceID, saved []byte) (Application, error) {
	f, ok := c[kind]
	if !ok {
		return nil, fmt.Errorf("unknown service kind %q", kind)
	}
	app, err := f(id, saved)
	if err != nil {
		return nil, fmt.Errorf("build %s service %s: %w", kind, id, err)
	}
	return app, nil
}

// ServiceContext is the application's handle on its service. It is only
// valid inside an Application callback.
type ServiceContext struct {
	w *worker
	// snapshotFor is set while OnSubscribe runs for that node.
	snapshotFor domain.NodeID
}

// ID returns the service id.
func (sc *ServiceContext) ID() domain.ServiceID { return sc.w.svc.ID }

// Metadata returns a copy of the current metadata.
func (sc *ServiceContext) Metadata() domain.ServiceMetadata { return sc.w.svc.Metadata.Clone() }

// UpdateSubscribers broadcasts payload to every current subscriber and
// returns how many sends succeeded.
func (sc *ServiceContext) UpdateSubscribers(ctx context.Context, payload []byte) int {
	return sc.w.reg.fanout.UpdateSubscribers(ctx, sc.w.svc.ID, sc.w.svc.Metadata, protocol.Update{Kind: protocol.Data, Payload: payload})
}

// UpdateSubscriber sends payload to one subscriber only.
// Sent from OnSubscribe to the joining node, it is marked as a snapshot.
func (sc *ServiceContext) UpdateSubscriber(ctx context.Context, node domain.NodeID, payload []byte) error {
	u := protocol.Update{Kind: protocol.Data, Payload: payload, Snapshot: sc.snapshotFor != "" && node == sc.snapshotFor}
	return sc.w.reg.fanout.UpdateSubscriber(ctx, sc.w.svc.ID, sc.w.svc.Metadata, node, u)
}

// Log returns the service's logger.
func (sc *ServiceContext) Log() logger.Logger { return sc.w.log }

// UpdateClient sends payload to node whether or not it subscribes.
func (sc *ServiceContext) UpdateClient(ctx context.Context, node domain.NodeID, payload []byte) error {
	meta := sc.w.svc.Metadata
	return sc.w.reg.fanout.UpdateClient(ctx, sc.w.svc.ID, &meta, node, protocol.Update{Kind: protocol.Data, Payload: payload})
}
