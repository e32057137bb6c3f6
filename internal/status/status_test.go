package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
)

var testChannels = []relay.Channel{
	{ID: 1, Label: "Filter", Pin: 17},
	{ID: 2, Label: "Dispenser", Pin: 27},
}

func f(v float64) *float64 { return &v }

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{PollMs: 2000, Broker: "tcp://localhost:1883", HTTPAddr: ":8080", Store: "sqlite"}
	tr := NewTracker(start, testChannels, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.HTTPAddr != ":8080" || snap.Config.PollMs != 2000 {
		t.Errorf("Config: got %+v", snap.Config)
	}
	if snap.Ready() {
		t.Error("expected Ready=false before the first snapshot")
	}
	if snap.MQTTConnected || snap.Verdict != nil || snap.LastReading != nil {
		t.Errorf("unexpected initial state: %+v", snap)
	}
}

func TestRelayAppliedCountsCommands(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	s := relay.Snapshot{States: []relay.ChannelState{{ID: 1, On: true}, {ID: 2, On: false}}}

	tr.RelayApplied(relay.Event{Channel: testChannels[0], On: true, Snapshot: s})
	tr.RelayApplied(relay.Event{Channel: testChannels[0], On: true, Snapshot: s})

	snap := tr.Snapshot()
	if snap.Counts.Commands != 2 {
		t.Errorf("Commands: got %d, want 2", snap.Counts.Commands)
	}
	if !snap.Ready() {
		t.Error("expected Ready after a relay event")
	}
	if on, _ := snap.Relays.State(1); !on {
		t.Error("relay 1 should be on")
	}
}

func TestReadingsAndVerdict(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	r := quality.Reading{ID: 4, Turbidity: f(3), TDS: f(250), PH: f(7), Temperature: f(20)}

	tr.ReadingAccepted(r)
	tr.ReadingAccepted(r)
	if snap := tr.Snapshot(); snap.Counts.Readings != 2 || snap.LastReading.ID != 4 {
		t.Errorf("readings: %+v", snap.Counts)
	}

	v, _ := quality.Evaluate(r)
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	tr.SetVerdict(r, v, at)
	snap := tr.Snapshot()
	if snap.Verdict == nil || snap.Verdict.Status != quality.StatusExcellent || !snap.EvaluatedAt.Equal(at) {
		t.Errorf("verdict: %+v", snap.Verdict)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, testChannels, Config{})
	tr.now = func() time.Time { return start.Add(90 * time.Second) }

	if got := tr.Snapshot().Uptime(); got != 90*time.Second {
		t.Errorf("Uptime: got %v, want 90s", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	tr.SetMQTTConnected(true)

	snap := tr.Snapshot()
	tr.SetMQTTConnected(false)
	if !snap.MQTTConnected {
		t.Error("snapshot should not change after later updates")
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	tr := NewTracker(start, testChannels, Config{PollMs: 2000, HeartbeatMs: 900000, Broker: "tcp://broker:1883", HTTPAddr: ":8080", Store: "sqlite", Schedule: "@every 1m"})
	tr.now = func() time.Time { return start.Add(time.Hour) }
	tr.SetRelays(relay.Snapshot{States: []relay.ChannelState{{ID: 1, On: true}}, Partial: true})
	tr.SetSync(poller.View{Stale: true, Failures: 4, LastError: "store unavailable"})

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status

	if s.Event != "" || s.Reason != "" {
		t.Error("web status should not carry event/reason")
	}
	if len(s.Relays) != 2 {
		t.Fatalf("expected a row per channel, got %+v", s.Relays)
	}
	if s.Relays[0] != (RelayJSON{Relay: 1, Label: "Filter", State: "ON"}) {
		t.Errorf("relay 1: %+v", s.Relays[0])
	}
	if s.Relays[1].State != "UNKNOWN" {
		t.Errorf("relay 2 should be UNKNOWN, got %s", s.Relays[1].State)
	}
	if !s.Sync.Stale || s.Sync.Failures != 4 || s.Sync.LastSync != "" {
		t.Errorf("sync: %+v", s.Sync)
	}
	if s.UptimeSeconds != 3600 || s.StartTime != "2026-04-01T06:00:00Z" || s.Timestamp != "2026-04-01T07:00:00Z" {
		t.Errorf("times: %d %s %s", s.UptimeSeconds, s.StartTime, s.Timestamp)
	}
	if s.Quality != nil {
		t.Error("quality should be omitted before the first evaluation")
	}
	if s.Config.Schedule != "@every 1m" || s.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("config: %+v", s.Config)
	}
}

func TestFormatJSONQuality(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	r := quality.Reading{ID: 9, Turbidity: f(3), TDS: f(250), PH: f(7), Temperature: f(50)}
	v, _ := quality.Evaluate(r)
	tr.SetVerdict(r, v, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	q := parsed.Status.Quality
	if q == nil {
		t.Fatal("expected quality block")
	}
	if q.ReadingID != 9 || q.Status != quality.StatusExcellent || q.ScorePercent != 75 {
		t.Errorf("quality: %+v", q)
	}
	if q.Tiers["temperature"] != quality.TierDanger || q.Tiers["ph"] != quality.TierGood {
		t.Errorf("tiers: %v", q.Tiers)
	}
	if parsed.Status.LatestReading == nil || parsed.Status.LatestReading.ID != 9 {
		t.Error("latest reading missing")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	payload := FormatStatusEvent(tr.Snapshot(), "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("event/reason: %+v", parsed.Status)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	payload := FormatStatusEvent(tr.Snapshot(), "HEARTBEAT", "")

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["status"]["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
	if raw["status"]["event"] != "HEARTBEAT" {
		t.Errorf("event: %v", raw["status"]["event"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), testChannels, Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.RelayApplied(relay.Event{Snapshot: relay.Snapshot{States: []relay.ChannelState{{ID: 1, On: i%2 == 0}}}})
			tr.SetMQTTConnected(i%2 == 0)
			tr.ReadingAccepted(quality.Reading{ID: int64(i)})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = FormatJSON(tr.Snapshot())
		}
	}()

	wg.Wait()
}
