package domain

import (
	"testing"
	"time"
)

func TestAdvance(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name     string
		from     ConnectionStatus
		event    StatusEvent
		want     ConnectionStatus
		accepted bool
	}{
		{"connecting gets update", Connecting{Since: t0}, EventUpdate, Connected{LastHeard: t1}, true},
		{"connected refresh", Connected{LastHeard: t0}, EventUpdate, Connected{LastHeard: t1}, true},
		{"disconnected ignores update", Disconnected{}, EventUpdate, Disconnected{}, false},
		{"connecting kicked", Connecting{Since: t0}, EventKick, Disconnected{}, true},
		{"connected kicked", Connected{LastHeard: t0}, EventKick, Disconnected{}, true},
		{"connected no such service", Connected{LastHeard: t0}, EventNoSuchService, Disconnected{}, true},
		{"connecting no such service", Connecting{Since: t0}, EventNoSuchService, Disconnected{}, true},
		{"connected exit", Connected{LastHeard: t0}, EventExit, Disconnected{}, true},
		{"disconnected stays disconnected on kick", Disconnected{}, EventKick, Disconnected{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Advance(tt.from, tt.event, t1)
			if got != tt.want {
				t.Errorf("Advance() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
			if ok != tt.accepted {
				t.Errorf("Advance() accepted = %v, want %v", ok, tt.accepted)
			}
		})
	}
}

func TestNoTransitionOutOfDisconnected(t *testing.T) {
	var s ConnectionStatus = Disconnected{}
	now := time.Unix(2000, 0)
	for _, ev := range []StatusEvent{EventUpdate, EventKick, EventNoSuchService, EventExit, EventUpdate} {
		s, _ = Advance(s, ev, now)
		if _, ok := s.(Disconnected); !ok {
			t.Fatalf("left Disconnected on %v: %v", ev, s)
		}
	}
}

func TestNewSyncServiceStartsConnecting(t *testing.T) {
	now := time.Unix(3000, 0)
	ss := NewSyncService(NewServiceID("host", "chat"), now)
	c, ok := ss.Connection.(Connecting)
	if !ok {
		t.Fatalf("initial status = %T, want Connecting", ss.Connection)
	}
	if !c.Since.Equal(now) {
		t.Errorf("Since = %v, want %v", c.Since, now)
	}
}
