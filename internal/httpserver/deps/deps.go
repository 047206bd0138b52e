package deps

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/consumer"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
	"github.com/MrSnakeDoc/servicesync/internal/store"
)

type Deps struct {
	Logger        logger.Logger
	StartTime     time.Time
	Version       string
	Commit        string
	BuildDate     string
	GoVersion     string
	TimeNow       func() time.Time      // for testing, defaults to time.Now
	AllowedHosts  []string              // Host headers allowed to access the server
	AllowedCIDRS  []string              // IPs allowed to access admin and probe endpoints
	TrustProxy    bool                  // true if running behind a trusted reverse proxy (e.g., cloudflared)
	NodeID        string                // bus identity of this node
	BusKind       string                // "nats" | "memory", reported by /infra
	StoreKind     string                // "redis" | "memory", reported by /infra
	Bus           bus.Bus               // message bus, probed by /readyz
	Store         store.Store           // service record store, probed by /readyz
	Registry      *registry.Registry    // services hosted on this node
	Multiplexer   *consumer.Multiplexer // browser channels attached to this node
	Gatherer      prometheus.Gatherer   // collectors exposed on /metrics
	SeedFile      string                // Path to the seed file (empty = seeding disabled)
	ReloadTrigger chan struct{}         // Channel to trigger manual seed reload (nil if seeding disabled)
	WSBurst       int                   // WebSocket connection attempts allowed per IP before limiting
	WSRefillPerIP int                   // WebSocket connection attempts regained per IP per minute
	WSSendBuffer  int                   // frames buffered per WebSocket connection
}

// Now returns TimeNow() or time.Now() when unset.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
