package gpio

import "sync"

// FakeWriter records line writes for tests.
type FakeWriter struct {
	mu sync.Mutex

	// Levels holds the last value written per pin.
	Levels map[int]bool

	// Writes counts Set calls that reached the fake.
	Writes int

	// SetError, if set, is returned by Set without recording.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeWriter creates a FakeWriter with no lines driven.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{Levels: make(map[int]bool)}
}

// Set records on for pin.
func (f *FakeWriter) Set(pin int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.Levels[pin] = on
	f.Writes++
	return nil
}

// Level returns the last value written to pin and whether it was written.
func (f *FakeWriter) Level(pin int) (on, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok = f.Levels[pin]
	return on, ok
}

// WriteCount returns the number of recorded writes.
func (f *FakeWriter) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Writes
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
