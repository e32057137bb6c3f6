package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/water-sensor/internal/quality"
)

// MemoryStore keeps readings in insertion order.
type MemoryStore struct {
	mu     sync.Mutex
	rows   []quality.Reading
	nextID int64

	// Fail, if set, is returned by every method.
	Fail error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// AppendReading stores r and assigns its id.
func (m *MemoryStore) AppendReading(ctx context.Context, r quality.Reading) (quality.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return quality.Reading{}, m.Fail
	}
	r.ID = m.nextID
	m.nextID++
	m.rows = append(m.rows, r)
	return r, nil
}

// RecentReadings returns up to limit readings, newest first.
func (m *MemoryStore) RecentReadings(ctx context.Context, limit int) ([]quality.Reading, error) {
	return m.ReadingsSince(ctx, time.Time{}, limit)
}

// ReadingsSince returns up to limit readings at or after since, newest first.
func (m *MemoryStore) ReadingsSince(ctx context.Context, since time.Time, limit int) ([]quality.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := make([]quality.Reading, 0)
	for i := len(m.rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.rows[i].Timestamp.Before(since) {
			continue
		}
		out = append(out, m.rows[i])
	}
	return out, nil
}
