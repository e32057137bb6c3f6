// Package relay owns the authoritative state of the relay actuators.
// The Coordinator is the only component that writes relay state; every read
// and write returns a full Snapshot covering all known channels.
package relay

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidChannel is returned for a relay id outside the configured set.
	ErrInvalidChannel = errors.New("invalid relay channel")

	// ErrStoreUnavailable is returned when the relay state store cannot be
	// reached or fails. The operation's effect must be treated as unknown.
	ErrStoreUnavailable = errors.New("relay store unavailable")

	// ErrPartialSnapshot is returned alongside a degraded Snapshot when a
	// write was applied but the follow-up read could not cover every channel.
	ErrPartialSnapshot = errors.New("relay snapshot incomplete")
)

// Channel is a physical actuator. IDs are fixed by configuration.
type Channel struct {
	ID    int    `yaml:"id"`
	Label string `yaml:"label"`
	Pin   int    `yaml:"pin"` // BCM output line, 0 = not wired to GPIO
}

// ChannelState is one (id, state) pair of a Snapshot.
type ChannelState struct {
	ID int
	On bool
}

// Snapshot is a point-in-time view of every relay, ordered by id.
// It is a value type; callers may keep it after the coordinator moves on.
type Snapshot struct {
	States  []ChannelState
	Partial bool
	Taken   time.Time
}

// State returns the state for id and whether the snapshot covers it.
func (s Snapshot) State(id int) (on bool, ok bool) {
	for _, cs := range s.States {
		if cs.ID == id {
			return cs.On, true
		}
	}
	return false, false
}

// Equal compares relay states only; Taken is ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Partial != o.Partial || len(s.States) != len(o.States) {
		return false
	}
	for i := range s.States {
		if s.States[i] != o.States[i] {
			return false
		}
	}
	return true
}

// Event describes a write applied by the Coordinator.
type Event struct {
	CommandID string
	Timestamp time.Time
	Channel   Channel
	On        bool
	Snapshot  Snapshot
}

// Store is the durable record of each relay's last commanded state.
type Store interface {
	SaveRelayState(ctx context.Context, id int, on bool) error
	LoadRelayStates(ctx context.Context) (map[int]bool, error)
}

// Observer is notified after each applied write, outside the coordinator lock.
type Observer interface {
	RelayApplied(event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// RelayApplied calls f(event).
func (f ObserverFunc) RelayApplied(event Event) { f(event) }

// Recorder receives operation outcomes for instrumentation.
type Recorder interface {
	RelayCommand(result string)
	SnapshotRead(result string)
	RelayState(id int, on bool)
}

// StateString renders a relay state the way logs and MQTT payloads show it.
func StateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
