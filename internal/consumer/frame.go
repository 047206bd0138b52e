package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/protocol"
)

// KindStatus marks a frame produced locally by a state transition rather
// than by an inbound update.
const KindStatus = "status"

// KindError reports a command the node could not apply.
const KindError = "error"

// Frame is what a channel receives, tagged with its originating service.
type Frame struct {
	Service  domain.ServiceID        `json:"service"`
	Kind     string                  `json:"kind"`
	Status   string                  `json:"status,omitempty"`
	Metadata *domain.ServiceMetadata `json:"metadata,omitempty"`
	Payload  []byte                  `json:"payload,omitempty"`
	Services []domain.ServiceID      `json:"services,omitempty"`
	Node     domain.NodeID           `json:"node,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
}

// EncodeFrame marshals f for the transport.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func updateFrame(u protocol.Update, status domain.ConnectionStatus) Frame {
	return Frame{
		Service:  u.Service,
		Kind:     string(u.Kind),
		Status:   status.String(),
		Metadata: u.Metadata,
		Payload:  u.Payload,
		Reason:   u.Reason,
	}
}

// Command is a client-to-server frame.
type Command struct {
	Type    CommandType      `json:"type"`
	Service domain.ServiceID `json:"service"`
	Node    domain.NodeID    `json:"node,omitempty"`
	Payload []byte           `json:"payload,omitempty"`
}

// CommandType discriminates Command.
type CommandType string

const (
	CommandJoin    CommandType = "join"
	CommandExit    CommandType = "exit"
	CommandRequest CommandType = "request"
	CommandList    CommandType = "list"
)

// DecodeCommand parses a client frame. Unknown types are rejected.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch c.Type {
	case CommandJoin, CommandExit, CommandRequest, CommandList:
		return c, nil
	default:
		return Command{}, fmt.Errorf("decode command: unknown type %q", c.Type)
	}
}
