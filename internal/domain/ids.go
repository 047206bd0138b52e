package domain

import (
	"fmt"
	"sort"
	"strings"
)

// NodeID identifies a peer node on the bus.
type NodeID string

// ServiceID identifies a service globally: a name unique within its hosting node.
//
// It is a comparable value type and can be used directly as a map key.
type ServiceID struct {
	Node NodeID `json:"node"`
	Name string `json:"name"`
}

// NewServiceID builds a ServiceID.
func NewServiceID(node NodeID, name string) ServiceID {
	return ServiceID{Node: node, Name: name}
}

// String renders the id as "name@node".
func (id ServiceID) String() string {
	return id.Name + "@" + string(id.Node)
}

// IsZero reports whether both fields are empty.
func (id ServiceID) IsZero() bool {
	return id.Node == "" && id.Name == ""
}

// ParseServiceID parses the "name@node" form produced by String.
func ParseServiceID(s string) (ServiceID, error) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return ServiceID{}, fmt.Errorf("parse service id %q: %w", s, ErrInvalidAddress)
	}
	return ServiceID{Name: s[:i], Node: NodeID(s[i+1:])}, nil
}

// SortNodes sorts a node slice in place and returns it.
func SortNodes(nodes []NodeID) []NodeID {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// SortServiceIDs sorts ids by node then name.
func SortServiceIDs(ids []ServiceID) []ServiceID {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Node != ids[j].Node {
			return ids[i].Node < ids[j].Node
		}
		return ids[i].Name < ids[j].Name
	})
	return ids
}
