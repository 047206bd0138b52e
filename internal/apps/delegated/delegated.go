// Package delegated is a service with no local behavior: its plugins do
// everything, and requests reach them through the registry.
package delegated

import (
	"context"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
)

// Kind is the catalog name.
const Kind = "delegated"

type app struct{}

// Factory builds the stateless application.
func Factory(domain.ServiceID, []byte) (registry.Application, error) {
	return app{}, nil
}

func (app) OnSubscribe(context.Context, *registry.ServiceContext, domain.NodeID)   {}
func (app) OnUnsubscribe(context.Context, *registry.ServiceContext, domain.NodeID) {}

func (app) HandleRequest(context.Context, *registry.ServiceContext, domain.NodeID, []byte) error {
	return nil
}

func (app) Save() ([]byte, error) { return nil, nil }
