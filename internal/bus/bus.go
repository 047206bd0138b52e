// Package bus is the point-to-point message transport between nodes.
//
// Delivery is best effort. Messages published to one subject are delivered to
// each subscription in publish order; nothing is guaranteed across subjects.
package bus

import (
	"context"
	"strings"

	"github.com/MrSnakeDoc/servicesync/internal/address"
)

// Handler receives one message. Handlers of one subscription run sequentially.
type Handler func(ctx context.Context, subject address.Address, data []byte)

// Subscription is an active interest in a subject pattern.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes opaque payloads to addresses and delivers them to subscribers.
type Bus interface {
	// Publish never waits for the receiver. A send failure is returned
	// wrapping domain.ErrUnreachable.
	Publish(ctx context.Context, to address.Address, data []byte) error
	// Subscribe accepts NATS-style patterns: '*' matches one token and
	// '>' matches one or more trailing tokens.
	Subscribe(ctx context.Context, pattern address.Address, h Handler) (Subscription, error)
	// Ready reports whether the bus can currently deliver.
	Ready() bool
	Close() error
}

// Match reports whether subject matches pattern.
func Match(pattern, subject address.Address) bool {
	pt := strings.Split(string(pattern), ".")
	st := strings.Split(string(subject), ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
