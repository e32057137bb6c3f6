package relay

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-process Store. The Fail* fields inject failures for
// tests; it is also the backing store when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	states map[int]bool

	// FailSave, if set, is returned by SaveRelayState without writing.
	FailSave error
	// FailLoad, if set, is returned by LoadRelayStates.
	FailLoad error
	// DropOnLoad lists ids omitted from LoadRelayStates results.
	DropOnLoad []int

	saves int
}

// NewMemoryStore creates a store with every id seeded to off.
func NewMemoryStore(ids ...int) *MemoryStore {
	m := &MemoryStore{states: make(map[int]bool, len(ids))}
	for _, id := range ids {
		m.states[id] = false
	}
	return m
}

// SaveRelayState records on for id.
func (m *MemoryStore) SaveRelayState(ctx context.Context, id int, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.states[id] = on
	m.saves++
	return nil
}

// LoadRelayStates returns a copy of every stored state.
func (m *MemoryStore) LoadRelayStates(ctx context.Context) (map[int]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLoad != nil {
		return nil, m.FailLoad
	}
	out := make(map[int]bool, len(m.states))
	for id, on := range m.states {
		out[id] = on
	}
	for _, id := range m.DropOnLoad {
		delete(out, id)
	}
	return out, nil
}

// Saves returns the number of successful writes.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetFailures replaces the injected failures under the store lock.
func (m *MemoryStore) SetFailures(save, load error) {
	m.mu.Lock()
	m.FailSave = save
	m.FailLoad = load
	m.mu.Unlock()
}

// ErrSimulated is a convenience failure for tests and demos.
var ErrSimulated = errors.New("simulated store failure")
