// Package address derives bus subjects from node, service and plugin identifiers.
//
// Every identifier becomes exactly one subject token, so identifiers may only
// contain ASCII letters, digits, '-' and '_'. Each address kind has a distinct
// fixed literal at a distinct position, which keeps the mapping injective.
package address

import (
	"fmt"
	"strings"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

// Address is a routable bus subject.
type Address string

func (a Address) String() string { return string(a) }

const (
	root        = "sync"
	svcToken    = "svc"
	pluginToken = "plugin"
	hostToken   = "host"
	clientToken = "client"

	// MaxTokenLen bounds a single identifier.
	MaxTokenLen = 128
)

// ValidateToken checks that s can be used as one subject token.
func ValidateToken(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s is empty: %w", kind, domain.ErrInvalidAddress)
	}
	if len(s) > MaxTokenLen {
		return fmt.Errorf("%s longer than %d bytes: %w", kind, MaxTokenLen, domain.ErrInvalidAddress)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%s %q has illegal character %q: %w", kind, s, c, domain.ErrInvalidAddress)
		}
	}
	return nil
}

// ValidateServiceID checks both halves of id.
func ValidateServiceID(id domain.ServiceID) error {
	if err := ValidateToken("node", string(id.Node)); err != nil {
		return err
	}
	return ValidateToken("service", id.Name)
}

// ResolveServiceAddress returns sync.<node>.svc.<service>.
func ResolveServiceAddress(node domain.NodeID, service string) (Address, error) {
	if err := ValidateServiceID(domain.NewServiceID(node, service)); err != nil {
		return "", err
	}
	return join(root, string(node), svcToken, service), nil
}

// ResolvePluginAddress returns sync.<node>.plugin.<plugin>.<service>.
func ResolvePluginAddress(plugin string, node domain.NodeID, service string) (Address, error) {
	if err := ValidateToken("plugin", plugin); err != nil {
		return "", err
	}
	if err := ValidateServiceID(domain.NewServiceID(node, service)); err != nil {
		return "", err
	}
	return join(root, string(node), pluginToken, plugin, service), nil
}

// HostAddress receives host-scoped requests and plugin outputs for node.
func HostAddress(node domain.NodeID) (Address, error) {
	if err := ValidateToken("node", string(node)); err != nil {
		return "", err
	}
	return join(root, string(node), hostToken), nil
}

// ClientAddress receives updates destined to consumers on node.
func ClientAddress(node domain.NodeID) (Address, error) {
	if err := ValidateToken("node", string(node)); err != nil {
		return "", err
	}
	return join(root, string(node), clientToken), nil
}

// ServiceWildcard matches every service address of node.
func ServiceWildcard(node domain.NodeID) (Address, error) {
	if err := ValidateToken("node", string(node)); err != nil {
		return "", err
	}
	return join(root, string(node), svcToken, "*"), nil
}

// PluginWildcard matches every service address of plugin on node.
func PluginWildcard(plugin string, node domain.NodeID) (Address, error) {
	if err := ValidateToken("plugin", plugin); err != nil {
		return "", err
	}
	if err := ValidateToken("node", string(node)); err != nil {
		return "", err
	}
	return join(root, string(node), pluginToken, plugin, "*"), nil
}

// ParseServiceAddress is the inverse of ResolveServiceAddress.
func ParseServiceAddress(a Address) (domain.ServiceID, error) {
	parts := strings.Split(string(a), ".")
	if len(parts) != 4 || parts[0] != root || parts[2] != svcToken {
		return domain.ServiceID{}, fmt.Errorf("not a service address %q: %w", a, domain.ErrInvalidAddress)
	}
	id := domain.NewServiceID(domain.NodeID(parts[1]), parts[3])
	if err := ValidateServiceID(id); err != nil {
		return domain.ServiceID{}, err
	}
	return id, nil
}

func join(tokens ...string) Address {
	return Address(strings.Join(tokens, "."))
}
