//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealWriter drives relay lines on actual hardware.
// Lines are requested lazily on first Set and held until Close.
type RealWriter struct {
	mu        sync.Mutex
	chip      *gpiocdev.Chip
	lines     map[int]*gpiocdev.Line
	activeLow bool
}

// NewRealWriter opens the named chip (e.g. "gpiochip0").
// With activeLow, a logical ON drives the line low, as most relay
// boards expect.
func NewRealWriter(chip string, activeLow bool) (*RealWriter, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealWriter{
		chip:      c,
		lines:     make(map[int]*gpiocdev.Line),
		activeLow: activeLow,
	}, nil
}

// Set drives pin to on.
func (w *RealWriter) Set(pin int, on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	value := 0
	if on {
		value = 1
	}

	line, ok := w.lines[pin]
	if !ok {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(value)}
		if w.activeLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		l, err := w.chip.RequestLine(pin, opts...)
		if err != nil {
			return fmt.Errorf("request pin %d: %w", pin, err)
		}
		w.lines[pin] = l
		return nil
	}

	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close switches every line off, then releases it.
func (w *RealWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for pin, line := range w.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("reset pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	w.lines = nil
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
