// Package mqtt fans relay, water-quality and lifecycle events out to a
// broker, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"log"
	"time"

	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
)

// Topics.
const (
	TopicRelays  = "water/sensor/relays"
	TopicQuality = "water/sensor/quality"
	TopicSystem  = "water/sensor/system"
)

// Publisher publishes events to MQTT. Publish failures are returned to the
// caller and must never crash the process.
type Publisher interface {
	PublishRelay(event relay.Event) error
	PublishQuality(event QualityEvent) error
	PublishSystem(event SystemEvent) error
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// QualityEvent carries a freshly evaluated reading.
type QualityEvent struct {
	Timestamp time.Time
	Reading   quality.Reading
	Verdict   quality.Verdict
}

// SystemEvent represents a lifecycle event (STARTUP, HEARTBEAT, SHUTDOWN,
// RECONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted payload; returned as-is when set
	Retained   bool
}

// RelayPayload is the message on TopicRelays.
type RelayPayload struct {
	Relays RelayPayloadInner `json:"relays"`
}

// RelayPayloadInner describes the applied write and the full snapshot.
type RelayPayloadInner struct {
	Timestamp string           `json:"timestamp"`
	CommandID string           `json:"command_id"`
	Relay     int              `json:"relay"`
	Label     string           `json:"label"`
	State     string           `json:"state"`
	States    []RelayStateJSON `json:"states"`
	Partial   bool             `json:"partial,omitempty"`
}

// RelayStateJSON is one snapshot entry.
type RelayStateJSON struct {
	Relay int    `json:"relay_number"`
	State string `json:"state"`
}

// FormatRelayPayload creates the JSON payload for an applied relay write.
func FormatRelayPayload(event relay.Event) ([]byte, error) {
	states := make([]RelayStateJSON, 0, len(event.Snapshot.States))
	for _, cs := range event.Snapshot.States {
		states = append(states, RelayStateJSON{Relay: cs.ID, State: relay.StateString(cs.On)})
	}
	return json.Marshal(RelayPayload{
		Relays: RelayPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			CommandID: event.CommandID,
			Relay:     event.Channel.ID,
			Label:     event.Channel.Label,
			State:     relay.StateString(event.On),
			States:    states,
			Partial:   event.Snapshot.Partial,
		},
	})
}

// QualityPayload is the message on TopicQuality.
type QualityPayload struct {
	Quality QualityPayloadInner `json:"quality"`
}

// QualityPayloadInner carries the per-metric tiers and the aggregate.
type QualityPayloadInner struct {
	Timestamp    string                `json:"timestamp"`
	ReadingID    int64                 `json:"reading_id"`
	ReadingTime  string                `json:"reading_time"`
	Status       quality.Status        `json:"status"`
	ScorePercent float64               `json:"score_percent"`
	Metrics      map[string]MetricJSON `json:"metrics"`
	Danger       []quality.Metric      `json:"danger,omitempty"`
}

// MetricJSON is one metric's value and tier.
type MetricJSON struct {
	Value float64      `json:"value"`
	Tier  quality.Tier `json:"tier"`
}

// FormatQualityPayload creates the JSON payload for an evaluated reading.
func FormatQualityPayload(event QualityEvent) ([]byte, error) {
	metrics := make(map[string]MetricJSON, len(quality.Metrics))
	for _, m := range quality.Metrics {
		v, _ := event.Reading.Value(m)
		metrics[string(m)] = MetricJSON{Value: v, Tier: event.Verdict.Tier(m)}
	}
	return json.Marshal(QualityPayload{
		Quality: QualityPayloadInner{
			Timestamp:    event.Timestamp.UTC().Format(time.RFC3339),
			ReadingID:    event.Reading.ID,
			ReadingTime:  event.Reading.Timestamp.UTC().Format(time.RFC3339),
			Status:       event.Verdict.Status,
			ScorePercent: event.Verdict.Score,
			Metrics:      metrics,
			Danger:       event.Verdict.Danger,
		},
	})
}

// SystemPayload is the message on TopicSystem for simple events (LWT,
// RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// RelayObserver publishes every applied relay write.
type RelayObserver struct {
	Publisher Publisher
}

// RelayApplied implements relay.Observer.
func (o RelayObserver) RelayApplied(event relay.Event) {
	if err := o.Publisher.PublishRelay(event); err != nil {
		log.Printf("mqtt: publish relay %d: %v", event.Channel.ID, err)
	}
}
