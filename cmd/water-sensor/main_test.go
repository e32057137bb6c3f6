package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/water-sensor/internal/alert"
	"github.com/sweeney/water-sensor/internal/config"
	"github.com/sweeney/water-sensor/internal/gpio"
	"github.com/sweeney/water-sensor/internal/ingest"
	"github.com/sweeney/water-sensor/internal/mqtt"
	"github.com/sweeney/water-sensor/internal/poller"
	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/relay"
	"github.com/sweeney/water-sensor/internal/status"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTracker() *status.Tracker {
	return status.NewTracker(testStart, config.DefaultChannels(), status.Config{Broker: "tcp://test:1883"})
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// runRunLoop drives runLoop with nTicks ticks followed by signal.
func runRunLoop(t *testing.T, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(pub, pub, tracker, heartbeat, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(testStart, time.Second)

	if err := runRunLoop(t, pub, newTracker(), 0, clock, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" || !ev.Retained {
		t.Errorf("unexpected shutdown event: %+v", ev)
	}
	if !strings.Contains(string(ev.RawPayload), `"reason":"SIGTERM"`) {
		t.Errorf("payload missing reason: %s", ev.RawPayload)
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()

	if err := runRunLoop(t, pub, newTracker(), 0, fakeClock(testStart, time.Second), 2, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := pub.SystemEvents[len(pub.SystemEvents)-1].Reason; got != "SIGINT" {
		t.Errorf("Reason: got %q, want SIGINT", got)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Clock calls: t0 at start, then one per tick at 5-min steps.
	// With a 15-min heartbeat, beats fire on ticks 3 (15m) and 6 (30m).
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(testStart, 5*time.Minute)

	if err := runRunLoop(t, pub, newTracker(), 15*time.Minute, clock, 6, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var names []string
	for _, ev := range pub.SystemEvents {
		names = append(names, ev.Event)
	}
	want := []string{"HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("system events: got %v, want %v", names, want)
	}
	if ts := pub.SystemEvents[0].Timestamp; !ts.Equal(testStart.Add(15 * time.Minute)) {
		t.Errorf("first heartbeat at %s, want +15m", ts)
	}
	if !strings.Contains(string(pub.SystemEvents[0].RawPayload), `"event":"HEARTBEAT"`) {
		t.Errorf("heartbeat payload: %s", pub.SystemEvents[0].RawPayload)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()

	if err := runRunLoop(t, pub, newTracker(), 0, fakeClock(testStart, time.Hour), 5, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 {
		t.Errorf("expected only SHUTDOWN, got %d events", len(pub.SystemEvents))
	}
}

func TestRunLoopPublishError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker down")

	err := runRunLoop(t, pub, newTracker(), time.Minute, fakeClock(testStart, time.Minute), 3, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("publish failures must not stop the loop: %v", err)
	}
}

func TestRunLoopTracksMQTTConnection(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := newTracker()

	if err := runRunLoop(t, pub, tracker, 0, fakeClock(testStart, time.Second), 1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if !tracker.Snapshot().MQTTConnected {
		t.Error("expected tracker to show MQTT connected")
	}
	if !strings.Contains(string(pub.SystemEvents[0].RawPayload), `"connected":true`) {
		t.Errorf("shutdown payload should report MQTT connected: %s", pub.SystemEvents[0].RawPayload)
	}
}

// --- evaluator tests ---

type fakeSender struct {
	texts []string
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func fv(v float64) *float64 { return &v }

type evalEnv struct {
	eval     *evaluator
	readings *ingest.MemoryStore
	gate     *ingest.Gate
	tracker  *status.Tracker
	pub      *mqtt.FakePublisher
	sender   *fakeSender
}

func newEvalEnv() *evalEnv {
	env := &evalEnv{
		readings: ingest.NewMemoryStore(),
		tracker:  newTracker(),
		pub:      mqtt.NewFakePublisher(),
		sender:   &fakeSender{},
	}
	env.gate = ingest.NewGate(env.readings, ingest.WithClock(func() time.Time { return testStart }))
	env.eval = &evaluator{
		gate:      env.gate,
		tracker:   env.tracker,
		publisher: env.pub,
		alerter:   alert.New(env.sender, 0, alert.WithRecorder(alertCounters{env.tracker})),
		now:       func() time.Time { return testStart.Add(time.Minute) },
	}
	return env
}

func (e *evalEnv) push(t *testing.T, s ingest.Sample) {
	t.Helper()
	if _, err := e.gate.Accept(context.Background(), s); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	env := newEvalEnv()

	result, err := env.eval.run(context.Background())
	if err != nil || result != evalEmpty {
		t.Fatalf("got (%q, %v), want empty", result, err)
	}
	if _, q, _ := env.pub.Counts(); q != 0 {
		t.Errorf("published %d quality events, want 0", q)
	}
}

func TestEvaluatePublishesOncePerReading(t *testing.T) {
	env := newEvalEnv()
	env.push(t, ingest.Sample{Turbidity: fv(1), TDS: fv(150), PH: fv(7.2), Temperature: fv(22)})
	ctx := context.Background()

	result, err := env.eval.run(ctx)
	if err != nil || result != evalOK {
		t.Fatalf("first run: got (%q, %v), want ok", result, err)
	}
	result, err = env.eval.run(ctx)
	if err != nil || result != evalUnchanged {
		t.Fatalf("second run: got (%q, %v), want unchanged", result, err)
	}

	if _, q, _ := env.pub.Counts(); q != 1 {
		t.Fatalf("published %d quality events, want 1", q)
	}
	ev := env.pub.QualityEvents[0]
	if ev.Verdict.Status != quality.StatusExcellent || ev.Reading.ID != 1 {
		t.Errorf("unexpected quality event: %+v", ev)
	}

	snap := env.tracker.Snapshot()
	if snap.Verdict == nil || snap.Verdict.Status != quality.StatusExcellent {
		t.Errorf("tracker verdict: %+v", snap.Verdict)
	}
	if !snap.EvaluatedAt.Equal(testStart.Add(time.Minute)) {
		t.Errorf("EvaluatedAt: got %s", snap.EvaluatedAt)
	}
	if len(env.sender.texts) != 0 {
		t.Errorf("good water must not alert: %v", env.sender.texts)
	}
}

func TestEvaluateSkipsIncompleteReading(t *testing.T) {
	env := newEvalEnv()
	env.push(t, ingest.Sample{Turbidity: fv(1), TDS: fv(150)})

	result, err := env.eval.run(context.Background())
	if err != nil || result != evalIncomplete {
		t.Fatalf("got (%q, %v), want incomplete", result, err)
	}
	if _, q, _ := env.pub.Counts(); q != 0 {
		t.Errorf("published %d quality events, want 0", q)
	}
	if env.tracker.Snapshot().Verdict != nil {
		t.Error("incomplete reading must not produce a verdict")
	}
}

func TestEvaluateAlertsOnDanger(t *testing.T) {
	env := newEvalEnv()
	env.push(t, ingest.Sample{Turbidity: fv(30), TDS: fv(150), PH: fv(7), Temperature: fv(22)})

	if _, err := env.eval.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.sender.texts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(env.sender.texts))
	}
	if got := env.tracker.Snapshot().Counts.Alerts; got != 1 {
		t.Errorf("Counts.Alerts: got %d, want 1", got)
	}

	// Same reading again: alert state unchanged, no repeat.
	if _, err := env.eval.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.sender.texts) != 1 {
		t.Errorf("alert repeated: %d sends", len(env.sender.texts))
	}
}

func TestEvaluateEveryReadingBetweenRuns(t *testing.T) {
	env := newEvalEnv()
	env.push(t, ingest.Sample{Turbidity: fv(30), TDS: fv(150), PH: fv(7), Temperature: fv(22)})
	env.push(t, ingest.Sample{Turbidity: fv(1), TDS: fv(150), PH: fv(7), Temperature: fv(22)})

	result, err := env.eval.run(context.Background())
	if err != nil || result != evalOK {
		t.Fatalf("got (%q, %v), want ok", result, err)
	}
	if _, q, _ := env.pub.Counts(); q != 2 {
		t.Fatalf("published %d quality events, want 2", q)
	}
	if env.pub.QualityEvents[0].Reading.ID != 1 || env.pub.QualityEvents[1].Reading.ID != 2 {
		t.Errorf("quality events out of order: %d, %d",
			env.pub.QualityEvents[0].Reading.ID, env.pub.QualityEvents[1].Reading.ID)
	}
	if len(env.sender.texts) != 2 {
		t.Fatalf("expected alert and recovery, got %d sends: %v", len(env.sender.texts), env.sender.texts)
	}
	if snap := env.tracker.Snapshot(); snap.Verdict == nil || snap.Verdict.Status != quality.StatusExcellent {
		t.Errorf("tracker should hold the newest verdict: %+v", snap.Verdict)
	}
}

func TestEvaluateLoopRunsOnAccept(t *testing.T) {
	env := newEvalEnv()
	env.eval.kick = make(chan struct{}, 1)
	env.gate = ingest.NewGate(env.readings,
		ingest.WithClock(func() time.Time { return testStart }),
		ingest.WithOnAccept(func(quality.Reading) { env.eval.notify() }),
	)
	env.eval.gate = env.gate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.eval.loop(ctx)

	env.push(t, ingest.Sample{Turbidity: fv(1), TDS: fv(150), PH: fv(7.2), Temperature: fv(22)})
	env.push(t, ingest.Sample{Turbidity: fv(2), TDS: fv(160), PH: fv(7.1), Temperature: fv(21)})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, q, _ := env.pub.Counts(); q == 2 {
			break
		}
		if time.Now().After(deadline) {
			_, q, _ := env.pub.Counts()
			t.Fatalf("published %d quality events, want 2", q)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEvaluateStoreError(t *testing.T) {
	env := newEvalEnv()
	env.readings.Fail = errors.New("db down")

	result, err := env.eval.run(context.Background())
	if err == nil || result != evalError {
		t.Fatalf("got (%q, %v), want error", result, err)
	}
}

// --- wiring tests ---

func TestParseFlagsOverrides(t *testing.T) {
	base := config.Defaults()
	cfg, printState, err := parseFlags([]string{
		"-http", ":9090",
		"-store", "memory",
		"-poll", "500ms",
		"-broker", "",
		"-print-state",
	}, base)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.Store != config.StoreMemory || cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MQTTBroker != "" {
		t.Errorf("broker: got %q, want empty", cfg.MQTTBroker)
	}
	if !printState {
		t.Error("expected printState")
	}
	if cfg.RequestTimeout != base.RequestTimeout {
		t.Errorf("unset flag changed RequestTimeout: %s", cfg.RequestTimeout)
	}
}

func TestParseFlagsChannelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	body := "channels:\n  - id: 3\n    label: Pump\n    pin: 22\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := parseFlags([]string{"-channels", path}, config.Defaults())
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Label != "Pump" || cfg.Channels[0].Pin != 22 {
		t.Errorf("channels: %+v", cfg.Channels)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	tests := [][]string{
		{"-store", "redis"},
		{"-store", "postgres"},
		{"-evaluate", "not a schedule"},
		{"-poll", "0s"},
	}
	for _, args := range tests {
		if _, _, err := parseFlags(args, config.Defaults()); err == nil {
			t.Errorf("parseFlags(%v): expected error", args)
		}
	}
}

func TestOpenMemoryStores(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store = config.StoreMemory

	st, err := openStores(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer st.Close()

	states, err := st.relays.LoadRelayStates(context.Background())
	if err != nil {
		t.Fatalf("LoadRelayStates: %v", err)
	}
	if len(states) != 2 || states[1] || states[2] {
		t.Errorf("seeded states: %v", states)
	}
}

func TestOpenSQLiteStores(t *testing.T) {
	cfg := config.Defaults()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "water.db")
	ctx := context.Background()

	st, err := openStores(ctx, cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	if err := st.relays.SaveRelayState(ctx, 2, true); err != nil {
		t.Fatalf("SaveRelayState: %v", err)
	}
	st.Close()

	// Reopening must not reset existing rows.
	st, err = openStores(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	states, err := st.relays.LoadRelayStates(ctx)
	if err != nil {
		t.Fatalf("LoadRelayStates: %v", err)
	}
	if !states[2] || states[1] {
		t.Errorf("states after reopen: %v", states)
	}
}

func TestSyncListenerDrivesOutputs(t *testing.T) {
	tracker := newTracker()
	w := gpio.NewFakeWriter()
	driver := gpio.NewDriver(w, config.DefaultChannels())
	listen := syncListener(tracker, driver)

	listen(poller.View{
		Channels: []poller.ChannelView{
			{ID: 1, State: poller.StateOn},
			{ID: 2, State: poller.StateOff},
		},
		LastSync: testStart,
	})

	if on, ok := w.Level(gpio.PinFilter); !ok || !on {
		t.Errorf("filter pin: got (%v, %v), want on", on, ok)
	}
	if on, ok := w.Level(gpio.PinDispenser); !ok || on {
		t.Errorf("dispenser pin: got (%v, %v), want off", on, ok)
	}
	snap := tracker.Snapshot()
	if on, _ := snap.Relays.State(1); !on {
		t.Error("tracker should show relay 1 on")
	}

	// An all-unknown view (first fetch failed) leaves outputs alone.
	listen(poller.View{
		Channels: []poller.ChannelView{{ID: 1, State: poller.StateUnknown}, {ID: 2, State: poller.StateUnknown}},
		Stale:    true,
		Failures: 3,
	})
	if w.WriteCount() != 2 {
		t.Errorf("writes: got %d, want 2", w.WriteCount())
	}
	if !tracker.Snapshot().Sync.Stale {
		t.Error("tracker should show stale sync")
	}
}

func TestSyncListenerWithoutHardware(t *testing.T) {
	tracker := newTracker()
	syncListener(tracker, nil)(poller.View{
		Channels: []poller.ChannelView{{ID: 1, State: poller.StateOff}, {ID: 2, State: poller.StateOn}},
	})
	if on, _ := tracker.Snapshot().Relays.State(2); !on {
		t.Error("tracker should show relay 2 on")
	}
}

var _ relay.Observer = (*status.Tracker)(nil)
