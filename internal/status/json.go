package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Relays        []RelayJSON      `json:"relays"`
	Ready         bool             `json:"ready"`
	Sync          SyncJSON         `json:"sync"`
	Quality       *QualityJSON     `json:"quality,omitempty"`
	LatestReading *quality.Reading `json:"latest_reading,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Counts        CountsJSON       `json:"counts"`
	Config        ConfigJSON       `json:"config"`
}

// RelayJSON is one relay as shown on the status page.
type RelayJSON struct {
	Relay int    `json:"relay_number"`
	Label string `json:"label"`
	State string `json:"state"` // ON, OFF or UNKNOWN
}

// SyncJSON reports the hardware reconcile loop.
type SyncJSON struct {
	Stale     bool   `json:"stale"`
	Failures  int    `json:"failures"`
	LastSync  string `json:"last_sync,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// QualityJSON is the latest verdict.
type QualityJSON struct {
	ReadingID    int64                   `json:"reading_id"`
	EvaluatedAt  string                  `json:"evaluated_at"`
	Status       quality.Status          `json:"status"`
	ScorePercent float64                 `json:"score_percent"`
	Tiers        map[string]quality.Tier `json:"tiers"`
	Danger       []quality.Metric        `json:"danger,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of Counts.
type CountsJSON struct {
	Commands int `json:"relay_commands"`
	Readings int `json:"readings"`
	Alerts   int `json:"alerts"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Store       string `json:"store"`
	Schedule    string `json:"evaluate_schedule"`
}

// RelayRows pairs each configured channel with its last known state.
func RelayRows(snap Snapshot) []RelayJSON {
	rows := make([]RelayJSON, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		state := string(poller.StateUnknown)
		if on, ok := snap.Relays.State(ch.ID); ok {
			state = relay.StateString(on)
		}
		rows = append(rows, RelayJSON{Relay: ch.ID, Label: ch.Label, State: state})
	}
	return rows
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Relays:        RelayRows(snap),
		Ready:         snap.Ready(),
		Sync:          SyncJSON{Stale: snap.Sync.Stale, Failures: snap.Sync.Failures, LastError: snap.Sync.LastError},
		LatestReading: snap.LastReading,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Commands: snap.Counts.Commands,
			Readings: snap.Counts.Readings,
			Alerts:   snap.Counts.Alerts,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Store:       snap.Config.Store,
			Schedule:    snap.Config.Schedule,
		},
	}
	if !snap.Sync.LastSync.IsZero() {
		inner.Sync.LastSync = snap.Sync.LastSync.UTC().Format(time.RFC3339)
	}

	if snap.Verdict != nil {
		q := &QualityJSON{
			EvaluatedAt:  snap.EvaluatedAt.UTC().Format(time.RFC3339),
			Status:       snap.Verdict.Status,
			ScorePercent: snap.Verdict.Score,
			Tiers:        make(map[string]quality.Tier, len(quality.Metrics)),
			Danger:       snap.Verdict.Danger,
		}
		if snap.LastReading != nil {
			q.ReadingID = snap.LastReading.ID
		}
		for _, m := range quality.Metrics {
			q.Tiers[string(m)] = snap.Verdict.Tier(m)
		}
		inner.Quality = q
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
