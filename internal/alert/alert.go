// Package alert notifies operators when water quality degrades.
//
// Alerts are edge-triggered: one message when the aggregate drops to Poor
// or a metric enters Danger, another if the set of dangerous metrics
// changes, and one when the water recovers. Nothing repeats while the
// verdict is unchanged.
package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/water-sensor/internal/quality"
)

// Sender delivers a text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Recorder counts delivered alerts.
type Recorder interface {
	AlertSent()
}

// Alerter tracks the alert state across evaluations.
type Alerter struct {
	sender      Sender
	minInterval time.Duration
	recorder    Recorder
	now         func() time.Time

	mu       sync.Mutex
	alerting bool
	key      string
	lastSent time.Time
}

// Option configures an Alerter.
type Option func(*Alerter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Alerter) { a.now = now }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(a *Alerter) { a.recorder = r }
}

// New creates an Alerter. Sends closer together than minInterval are
// deferred to a later evaluation. A nil sender disables alerting.
func New(sender Sender, minInterval time.Duration, opts ...Option) *Alerter {
	a := &Alerter{sender: sender, minInterval: minInterval, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe feeds an evaluated reading and sends a message if the alert
// state changed. A failed send leaves the state unchanged so the next
// evaluation retries.
func (a *Alerter) Observe(ctx context.Context, r quality.Reading, v quality.Verdict) (bool, error) {
	if a == nil || a.sender == nil {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bad := v.Status == quality.StatusPoor || len(v.Danger) > 0
	key := alertKey(v)

	var text string
	switch {
	case bad && (!a.alerting || key != a.key):
		text = formatAlert(r, v)
	case !bad && a.alerting:
		text = formatRecovery(r, v)
	default:
		return false, nil
	}

	now := a.now()
	if a.minInterval > 0 && !a.lastSent.IsZero() && now.Sub(a.lastSent) < a.minInterval {
		return false, nil
	}

	if err := a.sender.Send(ctx, text); err != nil {
		return false, fmt.Errorf("send alert: %w", err)
	}
	a.alerting = bad
	a.key = key
	a.lastSent = now
	if a.recorder != nil {
		a.recorder.AlertSent()
	}
	log.Printf("alert: sent (%s)", firstLine(text))
	return true, nil
}

// Alerting reports whether the last delivered message was an alert.
func (a *Alerter) Alerting() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting
}

func alertKey(v quality.Verdict) string {
	parts := make([]string, 0, len(v.Danger)+1)
	parts = append(parts, string(v.Status))
	for _, m := range v.Danger {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ",")
}

func formatAlert(r quality.Reading, v quality.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Water quality %s (score %.1f%%)\n", strings.ToUpper(string(v.Status)), v.Score)
	if len(v.Danger) > 0 {
		names := make([]string, 0, len(v.Danger))
		for _, m := range v.Danger {
			val, _ := r.Value(m)
			names = append(names, fmt.Sprintf("%s=%g", m, val))
		}
		fmt.Fprintf(&b, "Danger: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "Reading #%d at %s", r.ID, r.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

func formatRecovery(r quality.Reading, v quality.Verdict) string {
	return fmt.Sprintf("Water quality recovered: %s (score %.1f%%)\nReading #%d at %s",
		strings.ToUpper(string(v.Status)), v.Score, r.ID, r.Timestamp.UTC().Format(time.RFC3339))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
