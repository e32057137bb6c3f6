// Package poller keeps a local view of relay state eventually consistent
// with the coordinator by periodic fetch, plus a confirm-on-write toggle.
//
// The view never goes blank on failure: the last fetched states are kept
// and the view is flagged stale after repeated failures.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/water-sensor/internal/relay"
)

// Source is the authoritative relay state. Satisfied by *relay.Coordinator
// and by the HTTP client.
type Source interface {
	GetSnapshot(ctx context.Context) (relay.Snapshot, error)
	SetState(ctx context.Context, id int, on bool) (relay.Snapshot, error)
}

// State is a channel's locally displayed state.
type State string

const (
	StateOn      State = "ON"
	StateOff     State = "OFF"
	StateUnknown State = "UNKNOWN"
)

func stateOf(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// ChannelView is one channel of a View.
type ChannelView struct {
	ID      int
	Label   string
	State   State
	Pending bool // toggle issued, not yet confirmed
}

// View is a point-in-time copy of the poller's state.
type View struct {
	Channels  []ChannelView
	Stale     bool
	Failures  int // consecutive fetch failures
	LastSync  time.Time
	LastError string
}

// Channel returns the view for id.
func (v View) Channel(id int) (ChannelView, bool) {
	for _, c := range v.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return ChannelView{}, false
}

// Snapshot converts the known channel states back to a relay.Snapshot.
// Unknown channels are left out and mark it Partial.
func (v View) Snapshot() relay.Snapshot {
	snap := relay.Snapshot{Taken: v.LastSync}
	for _, c := range v.Channels {
		if c.State == StateUnknown {
			snap.Partial = true
			continue
		}
		snap.States = append(snap.States, relay.ChannelState{ID: c.ID, On: c.State == StateOn})
	}
	return snap
}

func (v View) clone() View {
	out := v
	out.Channels = make([]ChannelView, len(v.Channels))
	copy(out.Channels, v.Channels)
	return out
}

// Config controls polling cadence and failure handling.
type Config struct {
	Interval   time.Duration // normal poll interval
	Timeout    time.Duration // per-request timeout; 0 = caller's context only
	StaleAfter int           // consecutive failures before the view is stale
	MaxBackoff time.Duration // cap on the retry delay
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		Timeout:    5 * time.Second,
		StaleAfter: 3,
		MaxBackoff: 30 * time.Second,
	}
}

// backoff is the delay before the next attempt after n consecutive
// failures: Interval * 2^(n-1), capped at MaxBackoff.
func (c Config) backoff(n int) time.Duration {
	d := c.Interval
	for i := 1; i < n; i++ {
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			break
		}
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Recorder receives poll failures for instrumentation.
type Recorder interface {
	PollFailed()
}

// Poller reconciles a local View against a Source.
type Poller struct {
	src       Source
	cfg       Config
	index     map[int]int
	listeners []func(View)
	recorder  Recorder
	now       func() time.Time

	mu      sync.Mutex
	view    View
	pending map[int]int
	next    time.Time
	gen     uint64 // bumped whenever the view is replaced from the source
}

// Option configures a Poller.
type Option func(*Poller)

// WithListener registers fn to receive every view change.
// fn is called outside the poller lock.
func WithListener(fn func(View)) Option {
	return func(p *Poller) { p.listeners = append(p.listeners, fn) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// New creates a Poller for channels. Every channel starts Unknown.
func New(src Source, channels []relay.Channel, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 1
	}
	p := &Poller{
		src:     src,
		cfg:     cfg,
		index:   make(map[int]int, len(channels)),
		now:     time.Now,
		pending: make(map[int]int),
	}
	for i, ch := range channels {
		p.index[ch.ID] = i
		p.view.Channels = append(p.view.Channels, ChannelView{ID: ch.ID, Label: ch.Label, State: StateUnknown})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// View returns the current view.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view.clone()
}

// Run polls immediately, then on every tick once any backoff has elapsed.
// It returns when ctx is cancelled or tick is closed.
func (p *Poller) Run(ctx context.Context, tick <-chan time.Time) error {
	p.poll(ctx, p.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-tick:
			if !ok {
				return nil
			}
			if !p.due(t) {
				continue
			}
			p.poll(ctx, t)
		}
	}
}

func (p *Poller) due(t time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !t.Before(p.next)
}

// PollOnce fetches the snapshot and reconciles the view.
// A failure keeps the last known states.
func (p *Poller) PollOnce(ctx context.Context) error {
	return p.poll(ctx, p.now())
}

func (p *Poller) poll(ctx context.Context, at time.Time) error {
	p.mu.Lock()
	start := p.gen
	p.mu.Unlock()

	snap, err := p.fetch(ctx)

	p.mu.Lock()
	if err != nil {
		p.view.Failures++
		p.view.LastError = err.Error()
		if p.view.Failures >= p.cfg.StaleAfter {
			p.view.Stale = true
		}
		delay := p.cfg.backoff(p.view.Failures)
		p.next = at.Add(delay)
		failures := p.view.Failures
		v := p.view.clone()
		p.mu.Unlock()

		if p.recorder != nil {
			p.recorder.PollFailed()
		}
		log.Printf("poller: fetch failed (%d in a row, retry in %s): %v", failures, delay, err)
		p.notify(v)
		return fmt.Errorf("poll: %w", err)
	}

	if p.gen != start {
		// A toggle or another poll replaced the view while this fetch was
		// in flight; its result may predate that write.
		p.mu.Unlock()
		log.Printf("poller: discarding snapshot superseded during fetch")
		return nil
	}
	p.replace(snap)
	p.view.Failures = 0
	p.view.Stale = snap.Partial
	p.view.LastError = ""
	p.view.LastSync = p.now()
	p.next = time.Time{}
	v := p.view.clone()
	p.mu.Unlock()

	p.notify(v)
	return nil
}

func (p *Poller) fetch(ctx context.Context) (relay.Snapshot, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return p.src.GetSnapshot(ctx)
}

// replace overwrites every channel from snap; channels it lacks become
// Unknown. Channels with a toggle in flight keep their optimistic value.
// Caller holds p.mu.
func (p *Poller) replace(snap relay.Snapshot) {
	p.gen++
	for i := range p.view.Channels {
		c := &p.view.Channels[i]
		if p.pending[c.ID] > 0 {
			continue
		}
		if on, ok := snap.State(c.ID); ok {
			c.State = stateOf(on)
		} else {
			c.State = StateUnknown
		}
	}
}

// Toggle commands relay id and reconciles the view from the result.
//
// The control shows the desired value as pending until the source answers.
// On success the returned snapshot replaces the view. On a partial result
// the view is replaced, marked stale and resynced. On failure the control
// reverts to its pre-toggle value and the view is resynced, since the
// write's effect is unknown.
func (p *Poller) Toggle(ctx context.Context, id int, on bool) error {
	p.mu.Lock()
	i, ok := p.index[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", relay.ErrInvalidChannel, id)
	}
	prev := p.view.Channels[i].State
	p.pending[id]++
	p.view.Channels[i].State = stateOf(on)
	p.view.Channels[i].Pending = true
	v := p.view.clone()
	p.mu.Unlock()
	p.notify(v)

	tctx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	snap, err := p.src.SetState(tctx, id, on)

	p.mu.Lock()
	p.pending[id]--
	if p.pending[id] <= 0 {
		delete(p.pending, id)
		p.view.Channels[i].Pending = false
	}

	switch {
	case err == nil:
		p.replace(snap)
		p.view.Stale = false
		p.view.Failures = 0
		p.view.LastError = ""
		p.view.LastSync = p.now()
		v = p.view.clone()
		p.mu.Unlock()
		p.notify(v)
		return nil

	case errors.Is(err, relay.ErrPartialSnapshot):
		p.replace(snap)
		p.view.Stale = true
		p.view.LastError = err.Error()
		v = p.view.clone()
		p.mu.Unlock()
		p.notify(v)
		log.Printf("poller: relay %d -> %s applied with partial snapshot, resyncing", id, relay.StateString(on))
		if rerr := p.PollOnce(ctx); rerr != nil {
			log.Printf("poller: resync after relay %d toggle failed: %v", id, rerr)
		}
		return err

	default:
		if p.pending[id] == 0 {
			p.view.Channels[i].State = prev
		}
		p.view.LastError = err.Error()
		v = p.view.clone()
		p.mu.Unlock()
		p.notify(v)
		log.Printf("poller: relay %d -> %s failed, reverted: %v", id, relay.StateString(on), err)
		if !errors.Is(err, relay.ErrInvalidChannel) {
			if rerr := p.PollOnce(ctx); rerr != nil {
				log.Printf("poller: resync after relay %d toggle failed: %v", id, rerr)
			}
		}
		return fmt.Errorf("toggle relay %d: %w", id, err)
	}
}

func (p *Poller) notify(v View) {
	for _, fn := range p.listeners {
		fn(v)
	}
}
