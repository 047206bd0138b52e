package registry

import (
	"context"
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// Dispatch routes one inbound request.
//
// Service-scoped requests for an unknown id get a NoSuchService reply and
// ErrNotFound. Requests the access policy rejects get a forbidden Kick and
// ErrForbidden. Accepted requests are queued on the service worker and
// Dispatch returns without waiting for them.
func (r *Registry) Dispatch(ctx context.Context, req protocol.Request) error {
	r.maybeSweep()
	ctx = context.WithoutCancel(ctx)

	switch req.Type {
	case protocol.Subscribe, protocol.Unsubscribe, protocol.Heartbeat, protocol.ClientRequest:
		return r.dispatchService(ctx, req)

	case protocol.CreateService:
		if req.From != r.self {
			r.metrics.Request(string(req.Type), "forbidden", 0)
			return fmt.Errorf("create from %s: %w", req.From, domain.ErrForbidden)
		}
		if req.Create == nil {
			return fmt.Errorf("create request without service definition: %w", domain.ErrInvalidAddress)
		}
		_, err := r.CreateService(ctx, SpecFromProtocol(*req.Create))
		return err

	case protocol.DeleteService:
		if req.From != r.self {
			r.metrics.Request(string(req.Type), "forbidden", 0)
			return fmt.Errorf("delete from %s: %w", req.From, domain.ErrForbidden)
		}
		return r.DeleteService(ctx, req.Service)

	case protocol.RequestServiceList:
		ids := r.List(req.From)
		r.metrics.Request(string(req.Type), "ok", 0)
		return r.fanout.UpdateClient(ctx, domain.ServiceID{}, nil, req.From, protocol.Update{Kind: protocol.ServiceList, Services: ids})

	case protocol.PluginOutputMsg:
		if req.Output == nil {
			r.metrics.PluginOutputDropped("malformed")
			return fmt.Errorf("plugin output without body from %s", req.From)
		}
		return r.HandlePluginOutput(ctx, *req.Output)

	default:
		r.metrics.Request(string(req.Type), "unknown", 0)
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (r *Registry) dispatchService(ctx context.Context, req protocol.Request) error {
	w, err := r.lookup(req.Service)
	if err != nil {
		r.metrics.Request(string(req.Type), "not_found", 0)
		if req.Type != protocol.Unsubscribe {
			r.reply(ctx, req, protocol.Update{Kind: protocol.NoSuchService})
		}
		return err
	}

	if !w.policy.allows(req.Type, req.From) {
		r.metrics.Request(string(req.Type), "forbidden", 0)
		r.reply(ctx, req, protocol.Update{Kind: protocol.Kick, Reason: protocol.ReasonForbidden})
		return fmt.Errorf("%s %s from %s: %w", req.Type, req.Service, req.From, domain.ErrForbidden)
	}

	return w.submit(ctx, func(ctx context.Context) { w.handle(ctx, req) })
}

func (r *Registry) reply(ctx context.Context, req protocol.Request, u protocol.Update) {
	if err := r.fanout.UpdateClient(ctx, req.Service, nil, req.From, u); err != nil {
		r.log.Debug("reply not delivered",
			logger.String("to", string(req.From)),
			logger.String("kind", string(u.Kind)),
			logger.Error(err))
	}
}

// HandlePluginOutput relays a plugin's output through the service worker.
// Outputs for unknown services or from plugins no longer attached are dropped
// with a warning.
func (r *Registry) HandlePluginOutput(ctx context.Context, out protocol.PluginOutput) error {
	w, err := r.lookup(out.Service)
	if err != nil {
		r.metrics.PluginOutputDropped("unknown_service")
		r.log.Warn("dropping plugin output for unknown service",
			logger.Stringer("service", out.Service),
			logger.String("plugin", out.Plugin))
		return err
	}
	return w.submit(context.WithoutCancel(ctx), func(ctx context.Context) { w.handlePluginOutput(ctx, out) })
}
