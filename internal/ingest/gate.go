// Package ingest accepts sensor pushes and serves the readings window.
// Rows are appended once and never updated or deleted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sweeney/water-sensor/internal/quality"
)

// Store persists readings. Query results are ordered newest first.
type Store interface {
	AppendReading(ctx context.Context, r quality.Reading) (quality.Reading, error)
	RecentReadings(ctx context.Context, limit int) ([]quality.Reading, error)
	ReadingsSince(ctx context.Context, since time.Time, limit int) ([]quality.Reading, error)
}

// ErrInvalidSample is returned for a push that cannot be stored.
var ErrInvalidSample = errors.New("invalid sample")

// Sample is a raw sensor push. Turbidity and TDS are required.
type Sample struct {
	Turbidity   *float64
	TDS         *float64
	PH          *float64
	Temperature *float64
}

// Windows sizes the readings query.
type Windows struct {
	Recent          int
	Historical      int
	HistoricalRange time.Duration
}

// DefaultWindows returns the fixed query window sizes.
func DefaultWindows() Windows {
	return Windows{Recent: 10, Historical: 100, HistoricalRange: 24 * time.Hour}
}

// Window is the readings query result.
type Window struct {
	Latest     *quality.Reading  `json:"latest"`
	Recent     []quality.Reading `json:"recent"`
	Historical []quality.Reading `json:"historical"`
	Verdict    *quality.Verdict  `json:"verdict,omitempty"`
}

// Gate validates and stores sensor pushes.
type Gate struct {
	store   Store
	windows Windows
	now     func() time.Time
	onRead  func(quality.Reading)
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the server timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithWindows overrides the query window sizes.
func WithWindows(w Windows) Option {
	return func(g *Gate) { g.windows = w }
}

// WithOnAccept registers a callback for every stored reading.
func WithOnAccept(fn func(quality.Reading)) Option {
	return func(g *Gate) { g.onRead = fn }
}

// NewGate creates a Gate over store.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{store: store, windows: DefaultWindows(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Accept validates s, stamps it with the server time and appends it.
func (g *Gate) Accept(ctx context.Context, s Sample) (quality.Reading, error) {
	if s.Turbidity == nil || s.TDS == nil {
		return quality.Reading{}, fmt.Errorf("%w: turbidity and tds are required", ErrInvalidSample)
	}
	for name, v := range map[string]*float64{
		"turbidity":   s.Turbidity,
		"tds":         s.TDS,
		"ph":          s.PH,
		"temperature": s.Temperature,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return quality.Reading{}, fmt.Errorf("%w: %s is not a finite number", ErrInvalidSample, name)
		}
	}

	stored, err := g.store.AppendReading(ctx, quality.Reading{
		Timestamp:   g.now().UTC(),
		Turbidity:   s.Turbidity,
		TDS:         s.TDS,
		PH:          s.PH,
		Temperature: s.Temperature,
	})
	if err != nil {
		return quality.Reading{}, fmt.Errorf("append reading: %w", err)
	}
	if g.onRead != nil {
		g.onRead(stored)
	}
	return stored, nil
}

// Recent returns up to limit readings, newest first.
func (g *Gate) Recent(ctx context.Context, limit int) ([]quality.Reading, error) {
	rows, err := g.store.RecentReadings(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent readings: %w", err)
	}
	return rows, nil
}

// Latest returns the newest reading, or nil when none exist.
func (g *Gate) Latest(ctx context.Context) (*quality.Reading, error) {
	rows, err := g.store.RecentReadings(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Window returns latest, recent and historical readings. The verdict is
// attached when the latest reading carries all four metrics.
func (g *Gate) Window(ctx context.Context) (Window, error) {
	recent, err := g.store.RecentReadings(ctx, g.windows.Recent)
	if err != nil {
		return Window{}, fmt.Errorf("recent readings: %w", err)
	}
	since := g.now().UTC().Add(-g.windows.HistoricalRange)
	historical, err := g.store.ReadingsSince(ctx, since, g.windows.Historical)
	if err != nil {
		return Window{}, fmt.Errorf("historical readings: %w", err)
	}

	w := Window{Recent: recent, Historical: historical}
	if w.Recent == nil {
		w.Recent = []quality.Reading{}
	}
	if w.Historical == nil {
		w.Historical = []quality.Reading{}
	}
	if len(recent) > 0 {
		latest := recent[0]
		w.Latest = &latest
		if v, err := quality.Evaluate(latest); err == nil {
			w.Verdict = &v
		}
	}
	return w, nil
}
