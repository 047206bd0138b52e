// Package protocol defines the envelopes exchanged between nodes and plugins.
//
// Application payloads are carried as opaque byte strings. Nothing in this
// package or its callers decodes them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

// RequestType discriminates Request.
type RequestType string

const (
	// Service-scoped, sent to the service address.
	Subscribe     RequestType = "subscribe"
	Unsubscribe   RequestType = "unsubscribe"
	Heartbeat     RequestType = "heartbeat"
	ClientRequest RequestType = "client_request"

	// Host-scoped, sent to the host address.
	CreateService      RequestType = "create_service"
	DeleteService      RequestType = "delete_service"
	RequestServiceList RequestType = "request_service_list"
	PluginOutputMsg    RequestType = "plugin_output"
)

// ServiceScoped reports whether t targets one service.
func (t RequestType) ServiceScoped() bool {
	switch t {
	case Subscribe, Unsubscribe, Heartbeat, ClientRequest:
		return true
	default:
		return false
	}
}

// CreateSpec carries the arguments of CreateService.
type CreateSpec struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Plugins    []string        `json:"plugins,omitempty"`
	Visibility domain.Policy   `json:"visibility,omitempty"`
	Access     domain.Policy   `json:"access,omitempty"`
	Whitelist  []domain.NodeID `json:"whitelist,omitempty"`
}

// Request is everything a node can send to a host.
type Request struct {
	Type    RequestType      `json:"type"`
	From    domain.NodeID    `json:"from"`
	Service domain.ServiceID `json:"service"`
	Payload []byte           `json:"payload,omitempty"`
	Create  *CreateSpec      `json:"create,omitempty"`
	Output  *PluginOutput    `json:"output,omitempty"`
}

// UpdateKind discriminates Update.
type UpdateKind string

const (
	// Data is an application update or snapshot.
	Data UpdateKind = "update"
	// Kick is terminal for the receiving consumer.
	Kick UpdateKind = "kick"
	// NoSuchService answers a request for an unknown id.
	NoSuchService UpdateKind = "no_such_service"
	// ServiceList answers RequestServiceList.
	ServiceList UpdateKind = "service_list"
)

// Update is everything a host can send to a subscriber node.
type Update struct {
	Kind     UpdateKind              `json:"kind"`
	From     domain.NodeID           `json:"from"`
	Service  domain.ServiceID        `json:"service"`
	Metadata *domain.ServiceMetadata `json:"metadata,omitempty"`
	Payload  []byte                  `json:"payload,omitempty"`
	Services []domain.ServiceID      `json:"services,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	// Snapshot marks the data update sent to a joining node from
	// OnSubscribe. Only tabs still waiting for their join see it.
	Snapshot bool `json:"snapshot,omitempty"`
}

// Kick reasons.
const (
	ReasonDeleted   = "deleted"
	ReasonForbidden = "forbidden"
	ReasonEvicted   = "evicted"
)

// PluginInputKind discriminates PluginInput.
type PluginInputKind string

const (
	PluginInit          PluginInputKind = "init"
	PluginClientJoined  PluginInputKind = "client_joined"
	PluginClientExited  PluginInputKind = "client_exited"
	PluginClientRequest PluginInputKind = "client_request"
	PluginKill          PluginInputKind = "kill"
)

// PluginInput is sent host to plugin.
type PluginInput struct {
	Kind     PluginInputKind        `json:"kind"`
	Service  domain.ServiceID       `json:"service"`
	Plugin   string                 `json:"plugin"`
	Node     domain.NodeID          `json:"node,omitempty"`
	Payload  []byte                 `json:"payload,omitempty"`
	Metadata *domain.PluginMetadata `json:"metadata,omitempty"`
}

// PluginOutputKind discriminates PluginOutput.
type PluginOutputKind string

const (
	PluginUpdateSubscribers PluginOutputKind = "update_subscribers"
	PluginUpdateClient      PluginOutputKind = "update_client"
	PluginShuttingDown      PluginOutputKind = "shutting_down"
)

// PluginOutput is sent plugin to host, wrapped in a Request.
type PluginOutput struct {
	Kind    PluginOutputKind `json:"kind"`
	Service domain.ServiceID `json:"service"`
	Plugin  string           `json:"plugin"`
	Node    domain.NodeID    `json:"node,omitempty"`
	Payload []byte           `json:"payload,omitempty"`
}

// Encode marshals any envelope.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// DecodeRequest unmarshals and sanity-checks a Request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if r.Type == "" {
		return Request{}, fmt.Errorf("decode request: missing type")
	}
	if r.Type == PluginOutputMsg && r.Output == nil {
		return Request{}, fmt.Errorf("decode request: plugin_output without output")
	}
	return r, nil
}

// DecodeUpdate unmarshals and sanity-checks an Update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	switch u.Kind {
	case Data, Kick, NoSuchService, ServiceList:
	default:
		return Update{}, fmt.Errorf("decode update: unknown kind %q", u.Kind)
	}
	return u, nil
}

// DecodePluginInput unmarshals a PluginInput.
func DecodePluginInput(data []byte) (PluginInput, error) {
	var in PluginInput
	if err := json.Unmarshal(data, &in); err != nil {
		return PluginInput{}, fmt.Errorf("decode plugin input: %w", err)
	}
	switch in.Kind {
	case PluginInit, PluginClientJoined, PluginClientExited, PluginClientRequest, PluginKill:
	default:
		return PluginInput{}, fmt.Errorf("decode plugin input: unknown kind %q", in.Kind)
	}
	return in, nil
}
