// Package plugin carries the delegation envelope between a service host and
// separately addressed plugin processes.
//
// The host side (Delegate) wraps lifecycle events and opaque client payloads
// into protocol.PluginInput. The plugin side (Runner) unwraps them for a Go
// Plugin implementation and wraps its replies into protocol.PluginOutput.
// Neither side decodes payloads.
package plugin

import (
	"context"
	"path/filepath"

	"github.com/MrSnakeDoc/servicesync/internal/address"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// Publisher is the part of bus.Bus the plugin envelope needs.
type Publisher interface {
	Publish(ctx context.Context, to address.Address, data []byte) error
}

// Delegate sends host-to-plugin messages. Every send is fire-and-forget:
// failures are logged and never returned to the service worker.
type Delegate struct {
	pub     Publisher
	log     logger.Logger
	dataDir string
}

// NewDelegate creates a host-side delegate. dataDir is the root of every
// plugin's persistence path.
func NewDelegate(pub Publisher, dataDir string, log logger.Logger) *Delegate {
	return &Delegate{pub: pub, log: log, dataDir: dataDir}
}

// PersistencePath is <dataDir>/<node>/<service>/<plugin>.
func PersistencePath(dataDir string, id domain.ServiceID, plugin string) string {
	return filepath.Join(dataDir, string(id.Node), id.Name, plugin)
}

// Init sends the handshake carrying a snapshot of svc. It must precede every
// other input to that plugin.
func (d *Delegate) Init(ctx context.Context, plugin string, svc *domain.Service) {
	meta := domain.PluginMetadata{
		PluginName:      plugin,
		PersistencePath: PersistencePath(d.dataDir, svc.ID, plugin),
		Service:         svc.Snapshot(),
	}
	d.send(ctx, protocol.PluginInput{
		Kind:     protocol.PluginInit,
		Service:  svc.ID,
		Plugin:   plugin,
		Metadata: &meta,
	})
}

// ClientJoined mirrors a new subscriber to every plugin.
func (d *Delegate) ClientJoined(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID) {
	for _, p := range plugins {
		d.send(ctx, protocol.PluginInput{Kind: protocol.PluginClientJoined, Service: id, Plugin: p, Node: node})
	}
}

// ClientExited mirrors a removed subscriber to every plugin.
func (d *Delegate) ClientExited(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID) {
	for _, p := range plugins {
		d.send(ctx, protocol.PluginInput{Kind: protocol.PluginClientExited, Service: id, Plugin: p, Node: node})
	}
}

// ClientRequest forwards an opaque payload verbatim to every plugin.
func (d *Delegate) ClientRequest(ctx context.Context, plugins []string, id domain.ServiceID, node domain.NodeID, payload []byte) {
	for _, p := range plugins {
		d.send(ctx, protocol.PluginInput{Kind: protocol.PluginClientRequest, Service: id, Plugin: p, Node: node, Payload: payload})
	}
}

// Kill is terminal for plugin on id.
func (d *Delegate) Kill(ctx context.Context, plugin string, id domain.ServiceID) {
	d.send(ctx, protocol.PluginInput{Kind: protocol.PluginKill, Service: id, Plugin: plugin})
}

func (d *Delegate) send(ctx context.Context, in protocol.PluginInput) {
	to, err := address.ResolvePluginAddress(in.Plugin, in.Service.Node, in.Service.Name)
	if err != nil {
		d.log.Warn("plugin address invalid", logger.String("plugin", in.Plugin), logger.Stringer("service", in.Service), logger.Error(err))
		return
	}
	data, err := protocol.Encode(in)
	if err != nil {
		d.log.Error("plugin input encode failed", logger.String("plugin", in.Plugin), logger.Error(err))
		return
	}
	if err := d.pub.Publish(ctx, to, data); err != nil {
		d.log.Warn("plugin send failed",
			logger.String("plugin", in.Plugin),
			logger.Stringer("service", in.Service),
			logger.String("kind", string(in.Kind)),
			logger.Error(err))
	}
}
