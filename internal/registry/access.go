package registry

import (
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// accessPolicy is fixed at creation and read without the worker.
type accessPolicy struct {
	host       domain.NodeID
	visibility domain.Policy
	access     domain.Policy
	whitelist  map[domain.NodeID]struct{}
}

func newAccessPolicy(svc *domain.Service) accessPolicy {
	wl := make(map[domain.NodeID]struct{}, len(svc.Whitelist))
	for n := range svc.Whitelist {
		wl[n] = struct{}{}
	}
	return accessPolicy{
		host:       svc.ID.Node,
		visibility: svc.Visibility,
		access:     svc.Access,
		whitelist:  wl,
	}
}

// allows is the one access check for every service-scoped request.
// Unsubscribe is always allowed so a node can leave after a policy change.
func (p accessPolicy) allows(t protocol.RequestType, from domain.NodeID) bool {
	switch t {
	case protocol.Unsubscribe:
		return true
	case protocol.Subscribe, protocol.Heartbeat, protocol.ClientRequest:
		return permits(p.access, p.whitelist, p.host, from)
	default:
		return false
	}
}

// visibleTo gates discovery through ServiceList.
func (p accessPolicy) visibleTo(from domain.NodeID) bool {
	return permits(p.visibility, p.whitelist, p.host, from)
}

func permits(policy domain.Policy, whitelist map[domain.NodeID]struct{}, host, from domain.NodeID) bool {
	if from == host {
		return true
	}
	switch policy {
	case domain.PolicyPublic:
		return true
	case domain.PolicyWhitelist:
		_, ok := whitelist[from]
		return ok
	case domain.PolicyHostOnly:
		return false
	default:
		return false
	}
}
