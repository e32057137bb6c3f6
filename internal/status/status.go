// Package status provides a thread-safe status tracker for the water-sensor
// daemon. It is read by HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
)

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Store       string
	Schedule    string
}

// Counts are totals since startup.
type Counts struct {
	Commands int // applied relay writes
	Readings int // accepted sensor readings
	Alerts   int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type: safe to use after the lock is released.
type Snapshot struct {
	Channels      []relay.Channel
	Relays        relay.Snapshot
	Sync          poller.View
	LastReading   *quality.Reading
	Verdict       *quality.Verdict
	EvaluatedAt   time.Time
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether relay state has been loaded at least once.
func (s Snapshot) Ready() bool {
	return len(s.Relays.States) > 0
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time, channels and config.
func NewTracker(startTime time.Time, channels []relay.Channel, cfg Config) *Tracker {
	chs := make([]relay.Channel, len(channels))
	copy(chs, channels)
	return &Tracker{
		snap: Snapshot{
			Channels:  chs,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetRelays records the latest relay snapshot.
func (t *Tracker) SetRelays(s relay.Snapshot) {
	t.mu.Lock()
	t.snap.Relays = s
	t.mu.Unlock()
}

// RelayApplied implements relay.Observer.
func (t *Tracker) RelayApplied(e relay.Event) {
	t.mu.Lock()
	t.snap.Relays = e.Snapshot
	t.snap.Counts.Commands++
	t.mu.Unlock()
}

// SetSync records the reconcile poller's view.
func (t *Tracker) SetSync(v poller.View) {
	t.mu.Lock()
	t.snap.Sync = v
	t.mu.Unlock()
}

// ReadingAccepted records a freshly ingested reading.
func (t *Tracker) ReadingAccepted(r quality.Reading) {
	t.mu.Lock()
	t.snap.LastReading = &r
	t.snap.Counts.Readings++
	t.mu.Unlock()
}

// SetVerdict records the latest evaluation.
func (t *Tracker) SetVerdict(r quality.Reading, v quality.Verdict, at time.Time) {
	t.mu.Lock()
	t.snap.LastReading = &r
	t.snap.Verdict = &v
	t.snap.EvaluatedAt = at
	t.mu.Unlock()
}

// AlertSent counts a delivered alert.
func (t *Tracker) AlertSent() {
	t.mu.Lock()
	t.snap.Counts.Alerts++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
