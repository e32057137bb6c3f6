package gpio

import (
	"fmt"
	"log"
	"sync"

	"github.com/sweeney/water-sensor/internal/relay"
)

// Driver mirrors relay snapshots onto output lines.
//
// It is registered as a relay.Observer for immediate application of each
// write, and fed the poller view for periodic reconciliation. Only lines
// whose value changed since the last successful write are touched.
type Driver struct {
	writer Writer
	pins   map[int]int // relay id -> pin

	mu   sync.Mutex
	last map[int]bool // pin -> last level written
}

// NewDriver creates a driver for channels. Channels without a pin are
// ignored.
func NewDriver(w Writer, channels []relay.Channel) *Driver {
	d := &Driver{
		writer: w,
		pins:   make(map[int]int),
		last:   make(map[int]bool),
	}
	for _, ch := range channels {
		if ch.Pin > 0 {
			d.pins[ch.ID] = ch.Pin
		}
	}
	return d
}

// Apply drives every wired channel covered by snap. Channels missing from
// a partial snapshot keep their current level.
func (d *Driver) Apply(snap relay.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, cs := range snap.States {
		pin, ok := d.pins[cs.ID]
		if !ok {
			continue
		}
		if prev, seen := d.last[pin]; seen && prev == cs.On {
			continue
		}
		if err := d.writer.Set(pin, cs.On); err != nil {
			errs = append(errs, fmt.Errorf("relay %d (pin %d): %w", cs.ID, pin, err))
			delete(d.last, pin)
			continue
		}
		d.last[pin] = cs.On
		log.Printf("gpio: relay %d (pin %d) -> %s", cs.ID, pin, relay.StateString(cs.On))
	}

	if len(errs) > 0 {
		return fmt.Errorf("apply snapshot: %v", errs)
	}
	return nil
}

// RelayApplied implements relay.Observer.
func (d *Driver) RelayApplied(e relay.Event) {
	if err := d.Apply(e.Snapshot); err != nil {
		log.Printf("gpio: %v", err)
	}
}

// Close releases the writer.
func (d *Driver) Close() error {
	return d.writer.Close()
}
