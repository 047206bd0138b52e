package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Policy gates who may discover (visibility) or use (access) a service.
type Policy string

const (
	// PolicyPublic allows every node.
	PolicyPublic Policy = "public"
	// PolicyWhitelist allows the host and the whitelisted nodes.
	PolicyWhitelist Policy = "whitelist"
	// PolicyHostOnly allows only the hosting node.
	PolicyHostOnly Policy = "host_only"
)

// ParsePolicy validates a policy string. Empty means public.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyPublic, nil
	case PolicyPublic, PolicyWhitelist, PolicyHostOnly:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown policy %q", s)
	}
}

// PresenceRecord is the last observed liveness of one subscriber.
type PresenceRecord struct {
	LastSeen time.Time `json:"last_seen"`
}

// ServiceMetadata is the fan-out state of a service.
//
// Subscribers is the authoritative fan-out target list. UserPresence is
// advisory: it drives eviction and UI display, never delivery.
type ServiceMetadata struct {
	Subscribers  map[NodeID]struct{}
	UserPresence map[NodeID]PresenceRecord
	Plugins      map[string]struct{}
}

// NewServiceMetadata returns empty metadata with allocated maps.
func NewServiceMetadata() ServiceMetadata {
	return ServiceMetadata{
		Subscribers:  make(map[NodeID]struct{}),
		UserPresence: make(map[NodeID]PresenceRecord),
		Plugins:      make(map[string]struct{}),
	}
}

// HasSubscriber reports whether node is in the subscriber set.
func (m ServiceMetadata) HasSubscriber(node NodeID) bool {
	_, ok := m.Subscribers[node]
	return ok
}

// SubscriberList returns the subscribers sorted.
func (m ServiceMetadata) SubscriberList() []NodeID {
	out := make([]NodeID, 0, len(m.Subscribers))
	for n := range m.Subscribers {
		out = append(out, n)
	}
	return SortNodes(out)
}

// PluginList returns the plugin names sorted.
func (m ServiceMetadata) PluginList() []string {
	out := make([]string, 0, len(m.Plugins))
	for p := range m.Plugins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the metadata.
func (m ServiceMetadata) Clone() ServiceMetadata {
	cp := NewServiceMetadata()
	for n := range m.Subscribers {
		cp.Subscribers[n] = struct{}{}
	}
	for n, p := range m.UserPresence {
		cp.UserPresence[n] = p
	}
	for p := range m.Plugins {
		cp.Plugins[p] = struct{}{}
	}
	return cp
}

type metadataJSON struct {
	Subscribers  []NodeID                  `json:"subscribers"`
	UserPresence map[NodeID]PresenceRecord `json:"user_presence"`
	Plugins      []string                  `json:"plugins"`
}

// MarshalJSON encodes the sets as sorted arrays.
func (m ServiceMetadata) MarshalJSON() ([]byte, error) {
	presence := m.UserPresence
	if presence == nil {
		presence = map[NodeID]PresenceRecord{}
	}
	return json.Marshal(metadataJSON{
		Subscribers:  m.SubscriberList(),
		UserPresence: presence,
		Plugins:      m.PluginList(),
	})
}

// UnmarshalJSON decodes the array form back into sets.
func (m *ServiceMetadata) UnmarshalJSON(data []byte) error {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = NewServiceMetadata()
	for _, n := range raw.Subscribers {
		m.Subscribers[n] = struct{}{}
	}
	for n, p := range raw.UserPresence {
		m.UserPresence[n] = p
	}
	for _, p := range raw.Plugins {
		m.Plugins[p] = struct{}{}
	}
	return nil
}

// Service is the host-side record of one collaborative unit.
//
// It is owned by exactly one registry worker. The application state lives
// next to it in the worker and is opaque to the core.
type Service struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	ID ServiceID

	// Kind selects the application factory.
	Kind string

	// ─────────────────────────────
	// Access control (immutable)
	// ─────────────────────────────

	// Visibility gates discovery through ServiceList.
	Visibility Policy

	// Access gates Subscribe, Heartbeat and ClientRequest.
	Access Policy

	// Whitelist is consulted when a policy is PolicyWhitelist.
	Whitelist map[NodeID]struct{}

	// ─────────────────────────────
	// Fan-out state
	// ─────────────────────────────

	Metadata ServiceMetadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PluginNames returns the delegated plugins, sorted.
func (s *Service) PluginNames() []string {
	return s.Metadata.PluginList()
}

// WhitelistList returns the whitelist sorted.
func (s *Service) WhitelistList() []NodeID {
	out := make([]NodeID, 0, len(s.Whitelist))
	for n := range s.Whitelist {
		out = append(out, n)
	}
	return SortNodes(out)
}

// Clone deep-copies the service.
func (s *Service) Clone() Service {
	cp := *s
	cp.Metadata = s.Metadata.Clone()
	cp.Whitelist = make(map[NodeID]struct{}, len(s.Whitelist))
	for n := range s.Whitelist {
		cp.Whitelist[n] = struct{}{}
	}
	return cp
}

// ServiceRecord is the persisted form of a Service, keyed by ID.
//
// User presence is not persisted; it is restamped on restore.
type ServiceRecord struct {
	ID          ServiceID `json:"id"`
	Kind        string    `json:"kind"`
	Visibility  Policy    `json:"visibility"`
	Access      Policy    `json:"access"`
	Whitelist   []NodeID  `json:"whitelist,omitempty"`
	Subscribers []NodeID  `json:"subscribers,omitempty"`
	Plugins     []string  `json:"plugins,omitempty"`
	State       []byte    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record converts the service plus its encoded application state.
func (s *Service) Record(state []byte) ServiceRecord {
	return ServiceRecord{
		ID:          s.ID,
		Kind:        s.Kind,
		Visibility:  s.Visibility,
		Access:      s.Access,
		Whitelist:   s.WhitelistList(),
		Subscribers: s.Metadata.SubscriberList(),
		Plugins:     s.Metadata.PluginList(),
		State:       state,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// ServiceFromRecord rebuilds a Service, stamping every subscriber's presence
// with now so restored subscribers get a full timeout window.
func ServiceFromRecord(rec ServiceRecord, now time.Time) *Service {
	svc := &Service{
		ID:         rec.ID,
		Kind:       rec.Kind,
		Visibility: rec.Visibility,
		Access:     rec.Access,
		Whitelist:  make(map[NodeID]struct{}, len(rec.Whitelist)),
		Metadata:   NewServiceMetadata(),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	for _, n := range rec.Whitelist {
		svc.Whitelist[n] = struct{}{}
	}
	for _, n := range rec.Subscribers {
		svc.Metadata.Subscribers[n] = struct{}{}
		svc.Metadata.UserPresence[n] = PresenceRecord{LastSeen: now}
	}
	for _, p := range rec.Plugins {
		svc.Metadata.Plugins[p] = struct{}{}
	}
	return svc
}

// PluginMetadata is the snapshot handed to a plugin at init time.
type PluginMetadata struct {
	PluginName      string          `json:"plugin_name"`
	PersistencePath string          `json:"persistence_path"`
	Service         ServiceSnapshot `json:"service"`
}

// ServiceSnapshot is the wire view of a Service.
type ServiceSnapshot struct {
	ID         ServiceID       `json:"id"`
	Kind       string          `json:"kind"`
	Visibility Policy          `json:"visibility"`
	Access     Policy          `json:"access"`
	Whitelist  []NodeID        `json:"whitelist,omitempty"`
	Metadata   ServiceMetadata `json:"metadata"`
}

// Snapshot copies the service into its wire view.
func (s *Service) Snapshot() ServiceSnapshot {
	return ServiceSnapshot{
		ID:         s.ID,
		Kind:       s.Kind,
		Visibility: s.Visibility,
		Access:     s.Access,
		Whitelist:  s.WhitelistList(),
		Metadata:   s.Metadata.Clone(),
	}
}
