// Package store persists relay state and sensor readings.
// Handles are created once at startup and injected; nothing here is global.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/water-sensor/internal/quality"
)

// SQL implements relay.Store and ingest.Store over database/sql.
// Queries use ? placeholders (SQLite).
type SQL struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	s := NewSQL(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// Close releases the handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS relay_state (
	relay_number INTEGER PRIMARY KEY,
	state INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sensor_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME NOT NULL,
	turbidity REAL NOT NULL,
	tds REAL NOT NULL,
	ph REAL,
	temperature REAL
);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_ts ON sensor_readings(ts);`

// Migrate creates the tables if they don't exist.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const (
	seedRelaySQL  = `INSERT INTO relay_state (relay_number, state, updated_at) VALUES (?, 0, ?) ON CONFLICT(relay_number) DO NOTHING`
	saveRelaySQL  = `INSERT INTO relay_state (relay_number, state, updated_at) VALUES (?, ?, ?) ON CONFLICT(relay_number) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`
	loadRelaysSQL = `SELECT relay_number, state FROM relay_state ORDER BY relay_number`
	insertReadSQL = `INSERT INTO sensor_readings (ts, turbidity, tds, ph, temperature) VALUES (?, ?, ?, ?, ?)`
	recentReadSQL = `SELECT id, ts, turbidity, tds, ph, temperature FROM sensor_readings ORDER BY ts DESC, id DESC LIMIT ?`
	sinceReadSQL  = `SELECT id, ts, turbidity, tds, ph, temperature FROM sensor_readings WHERE ts >= ? ORDER BY ts DESC, id DESC LIMIT ?`
)

// SeedRelays makes sure a row exists for every id, defaulting to off.
// Existing rows are left untouched.
func (s *SQL) SeedRelays(ctx context.Context, ids []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, seedRelaySQL, id, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("seed relay %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// SaveRelayState upserts the state for id.
func (s *SQL) SaveRelayState(ctx context.Context, id int, on bool) error {
	_, err := s.db.ExecContext(ctx, saveRelaySQL, id, boolToInt(on), time.Now().UTC())
	return err
}

// LoadRelayStates returns every stored relay state.
func (s *SQL) LoadRelayStates(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, loadRelaysSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[int]bool)
	for rows.Next() {
		var id, state int
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		states[id] = state != 0
	}
	return states, rows.Err()
}

// AppendReading inserts r and returns it with its id.
func (s *SQL) AppendReading(ctx context.Context, r quality.Reading) (quality.Reading, error) {
	res, err := s.db.ExecContext(ctx, insertReadSQL, r.Timestamp, deref(r.Turbidity), deref(r.TDS), r.PH, r.Temperature)
	if err != nil {
		return quality.Reading{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return quality.Reading{}, err
	}
	r.ID = id
	return r, nil
}

// RecentReadings returns up to limit readings, newest first.
func (s *SQL) RecentReadings(ctx context.Context, limit int) ([]quality.Reading, error) {
	rows, err := s.db.QueryContext(ctx, recentReadSQL, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// ReadingsSince returns up to limit readings at or after since, newest first.
func (s *SQL) ReadingsSince(ctx context.Context, since time.Time, limit int) ([]quality.Reading, error) {
	rows, err := s.db.QueryContext(ctx, sinceReadSQL, since, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]quality.Reading, error) {
	defer rows.Close()

	out := make([]quality.Reading, 0)
	for rows.Next() {
		var (
			r              quality.Reading
			turbidity, tds float64
			ph, temp       sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &turbidity, &tds, &ph, &temp); err != nil {
			return nil, err
		}
		r.Turbidity = &turbidity
		r.TDS = &tds
		r.PH = nullable(ph)
		r.Temperature = nullable(temp)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
