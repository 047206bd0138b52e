// Package relay is a broadcast service with a bounded history.
//
// Every request payload is relayed verbatim to all subscribers and appended
// to the history. A new subscriber receives the history as a snapshot:
//
//	{"history":["<base64>", ...]}
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
)

// Kind is the catalog name.
const Kind = "relay"

// DefaultHistoryLimit is used when the configured limit is not positive.
const DefaultHistoryLimit = 100

type state struct {
	History [][]byte `json:"history"`
}

// Relay is one relay service. It is driven by its registry worker only.
type Relay struct {
	limit int
	state state
}

// Factory returns a registry factory keeping up to limit messages.
func Factory(limit int) registry.Factory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return func(_ domain.ServiceID, saved []byte) (registry.Application, error) {
		r := &Relay{limit: limit, state: state{History: [][]byte{}}}
		if len(saved) > 0 {
			if err := json.Unmarshal(saved, &r.state); err != nil {
				return nil, fmt.Errorf("relay: decode state: %w", err)
			}
			if r.state.History == nil {
				r.state.History = [][]byte{}
			}
			r.trim()
		}
		return r, nil
	}
}

func (r *Relay) OnSubscribe(ctx context.Context, sc *registry.ServiceContext, node domain.NodeID) {
	snap, err := json.Marshal(r.state)
	if err != nil {
		sc.Log().Error("relay snapshot encode failed", logger.Error(err))
		return
	}
	if err := sc.UpdateSubscriber(ctx, node, snap); err != nil {
		sc.Log().Debug("relay snapshot not delivered", logger.String("node", string(node)), logger.Error(err))
	}
}

func (r *Relay) OnUnsubscribe(context.Context, *registry.ServiceContext, domain.NodeID) {}

func (r *Relay) HandleRequest(ctx context.Context, sc *registry.ServiceContext, _ domain.NodeID, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("relay: empty message")
	}
	r.state.History = append(r.state.History, append([]byte(nil), payload...))
	r.trim()
	sc.UpdateSubscribers(ctx, payload)
	return nil
}

func (r *Relay) Save() ([]byte, error) {
	return json.Marshal(r.state)
}

// History returns the retained messages, oldest first.
func (r *Relay) History() [][]byte {
	return r.state.History
}

func (r *Relay) trim() {
	if over := len(r.state.History) - r.limit; over > 0 {
		r.state.History = append([][]byte(nil), r.state.History[over:]...)
	}
}
