package relay

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result labels passed to Recorder.
const (
	ResultOK          = "ok"
	ResultInvalid     = "invalid_channel"
	ResultUnavailable = "store_unavailable"
	ResultPartial     = "partial"
)

// Coordinator serializes relay commands against the Store.
//
// Writes hold the lock exclusively across the store write and the snapshot
// read that follows, so every snapshot a writer receives includes its own
// write. Reads share the lock and never observe a write half-applied.
type Coordinator struct {
	mu        sync.RWMutex
	channels  []Channel
	byID      map[int]Channel
	store     Store
	observers []Observer
	recorder  Recorder
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers an observer for applied writes.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock overrides time.Now for snapshot and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator for a fixed channel set.
func NewCoordinator(channels []Channel, store Store, opts ...Option) (*Coordinator, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no relay channels configured")
	}
	if store == nil {
		return nil, fmt.Errorf("relay store is required")
	}

	c := &Coordinator{
		byID:  make(map[int]Channel, len(channels)),
		store: store,
		now:   time.Now,
	}
	for _, ch := range channels {
		if ch.ID <= 0 {
			return nil, fmt.Errorf("relay id must be positive, got %d", ch.ID)
		}
		if _, dup := c.byID[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate relay id %d", ch.ID)
		}
		c.byID[ch.ID] = ch
		c.channels = append(c.channels, ch)
	}
	sort.Slice(c.channels, func(i, j int) bool { return c.channels[i].ID < c.channels[j].ID })

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Channels returns the configured channels ordered by id.
func (c *Coordinator) Channels() []Channel {
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Channel looks up a channel by id.
func (c *Coordinator) Channel(id int) (Channel, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// SetState commands relay id to on and returns the snapshot as of the write.
//
// On ErrStoreUnavailable the caller must not assume anything changed. On
// ErrPartialSnapshot the write was applied and the returned snapshot is
// marked Partial.
func (c *Coordinator) SetState(ctx context.Context, id int, on bool) (Snapshot, error) {
	ch, ok := c.byID[id]
	if !ok {
		c.recordCommand(ResultInvalid)
		return Snapshot{}, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}

	c.mu.Lock()
	if err := c.store.SaveRelayState(ctx, id, on); err != nil {
		c.mu.Unlock()
		c.recordCommand(ResultUnavailable)
		return Snapshot{}, fmt.Errorf("%w: save relay %d: %w", ErrStoreUnavailable, id, err)
	}

	states, loadErr := c.store.LoadRelayStates(ctx)
	snap := c.build(states, map[int]bool{id: on})
	c.mu.Unlock()

	var err error
	result := ResultOK
	if loadErr != nil || snap.Partial {
		result = ResultPartial
		if loadErr != nil {
			err = fmt.Errorf("%w: after relay %d write: %w", ErrPartialSnapshot, id, loadErr)
		} else {
			err = fmt.Errorf("%w: after relay %d write", ErrPartialSnapshot, id)
		}
		log.Printf("relay: %v", err)
	}
	c.recordCommand(result)
	c.recordStates(snap)

	log.Printf("relay: %s (%d) -> %s", ch.Label, id, StateString(on))
	event := Event{
		CommandID: uuid.NewString(),
		Timestamp: snap.Taken,
		Channel:   ch,
		On:        on,
		Snapshot:  snap,
	}
	for _, o := range c.observers {
		o.RelayApplied(event)
	}
	return snap, err
}

// GetSnapshot returns the current state of every channel. A store result
// missing any channel is reported as ErrStoreUnavailable, never as a subset.
func (c *Coordinator) GetSnapshot(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	states, err := c.store.LoadRelayStates(ctx)
	c.mu.RUnlock()
	if err != nil {
		c.recordRead(ResultUnavailable)
		return Snapshot{}, fmt.Errorf("%w: load relay states: %w", ErrStoreUnavailable, err)
	}

	snap := c.build(states, nil)
	if snap.Partial {
		c.recordRead(ResultUnavailable)
		return Snapshot{}, fmt.Errorf("%w: store is missing relay rows", ErrStoreUnavailable)
	}
	c.recordRead(ResultOK)
	c.recordStates(snap)
	return snap, nil
}

// build assembles a snapshot in channel order. Values in known override the
// store result; channels found in neither are left out and mark it Partial.
func (c *Coordinator) build(states map[int]bool, known map[int]bool) Snapshot {
	snap := Snapshot{
		States: make([]ChannelState, 0, len(c.channels)),
		Taken:  c.now(),
	}
	for _, ch := range c.channels {
		on, ok := known[ch.ID]
		if !ok {
			on, ok = states[ch.ID]
		}
		if !ok {
			snap.Partial = true
			continue
		}
		snap.States = append(snap.States, ChannelState{ID: ch.ID, On: on})
	}
	return snap
}

func (c *Coordinator) recordCommand(result string) {
	if c.recorder != nil {
		c.recorder.RelayCommand(result)
	}
}

func (c *Coordinator) recordRead(result string) {
	if c.recorder != nil {
		c.recorder.SnapshotRead(result)
	}
}

func (c *Coordinator) recordStates(snap Snapshot) {
	if c.recorder == nil {
		return
	}
	for _, cs := range snap.States {
		c.recorder.RelayState(cs.ID, cs.On)
	}
}
