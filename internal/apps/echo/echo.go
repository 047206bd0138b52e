// Package echo is an in-process plugin that relays every client request back
// to the subscribers of its service. A payload starting with "@<node> " is
// sent to that node only, without the prefix.
package echo

import (
	"bytes"
	"context"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/plugin"
)

// Name is the plugin name services attach.
const Name = "echo"

type instance struct {
	out *plugin.Outbox
	log logger.Logger
}

// Factory returns a plugin.Factory logging through log.
func Factory(log logger.Logger) plugin.Factory {
	return func(_ context.Context, meta domain.PluginMetadata, out *plugin.Outbox) (plugin.Instance, error) {
		return &instance{
			out: out,
			log: log.With(logger.Stringer("service", meta.Service.ID)),
		}, nil
	}
}

func (i *instance) ClientJoined(context.Context, domain.NodeID) {}
func (i *instance) ClientExited(context.Context, domain.NodeID) {}

func (i *instance) ClientRequest(ctx context.Context, _ domain.NodeID, payload []byte) {
	var err error
	if target, rest, ok := direct(payload); ok {
		err = i.out.UpdateClient(ctx, target, rest)
	} else {
		err = i.out.UpdateSubscribers(ctx, payload)
	}
	if err != nil {
		i.log.Warn("echo failed", logger.Error(err))
	}
}

func (i *instance) Kill(context.Context) {}

func direct(payload []byte) (domain.NodeID, []byte, bool) {
	if len(payload) < 2 || payload[0] != '@' {
		return "", nil, false
	}
	sp := bytes.IndexByte(payload, ' ')
	if sp < 2 {
		return "", nil, false
	}
	return domain.NodeID(payload[1:sp]), payload[sp+1:], true
}
