package domain

import (
	"fmt"
	"time"
)

// ConnectionStatus is the consumer-side view of one remote service.
// It is one of Connecting, Connected or Disconnected.
type ConnectionStatus interface {
	isConnectionStatus()
	fmt.Stringer
}

// Connecting means Subscribe was sent and nothing has been heard yet.
type Connecting struct{ Since time.Time }

// Connected means at least one update arrived; LastHeard is the latest.
type Connected struct{ LastHeard time.Time }

// Disconnected is terminal until the consumer joins again.
type Disconnected struct{}

func (Connecting) isConnectionStatus()   {}
func (Connected) isConnectionStatus()    {}
func (Disconnected) isConnectionStatus() {}

func (Connecting) String() string   { return "connecting" }
func (Connected) String() string    { return "connected" }
func (Disconnected) String() string { return "disconnected" }

// StatusEvent is an input of the per-service connection state machine.
type StatusEvent int

const (
	// EventUpdate is any update or snapshot received for the service.
	EventUpdate StatusEvent = iota
	// EventKick is a host-sent terminal kick.
	EventKick
	// EventNoSuchService is the host reporting an unknown id.
	EventNoSuchService
	// EventExit is the local consumer leaving the service.
	EventExit
)

func (e StatusEvent) String() string {
	switch e {
	case EventUpdate:
		return "update"
	case EventKick:
		return "kick"
	case EventNoSuchService:
		return "no_such_service"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Advance applies ev to s at time now. The boolean reports whether the
// event was accepted; an update reaching a Disconnected service is not.
func Advance(s ConnectionStatus, ev StatusEvent, now time.Time) (ConnectionStatus, bool) {
	switch ev {
	case EventKick, EventNoSuchService, EventExit:
		return Disconnected{}, true
	case EventUpdate:
		switch s.(type) {
		case Connecting, Connected:
			return Connected{LastHeard: now}, true
		case Disconnected:
			return s, false
		default:
			panic(fmt.Sprintf("unhandled connection status %T", s))
		}
	default:
		panic(fmt.Sprintf("unhandled status event %d", ev))
	}
}

// SyncService mirrors one remote service for one local consumer.
// Metadata is the last known copy and may be stale.
type SyncService struct {
	ID         ServiceID
	Metadata   ServiceMetadata
	Connection ConnectionStatus
}

// NewSyncService starts in Connecting.
func NewSyncService(id ServiceID, now time.Time) *SyncService {
	return &SyncService{
		ID:         id,
		Metadata:   NewServiceMetadata(),
		Connection: Connecting{Since: now},
	}
}
