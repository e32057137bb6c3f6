package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sweeney/water-sensor/internal/quality"
)

// Postgres implements relay.Store and ingest.Store over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pool for databaseURL and migrates the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the pool resources.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_state (
    relay_number INTEGER PRIMARY KEY,
    state SMALLINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS sensor_readings (
    id BIGSERIAL PRIMARY KEY,
    ts TIMESTAMPTZ NOT NULL,
    turbidity DOUBLE PRECISION NOT NULL,
    tds DOUBLE PRECISION NOT NULL,
    ph DOUBLE PRECISION,
    temperature DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_ts ON sensor_readings (ts DESC);
`

// Migrate creates the tables if they don't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const seedRelayPG = `
INSERT INTO relay_state (relay_number, state, updated_at)
VALUES ($1, 0, NOW())
ON CONFLICT (relay_number) DO NOTHING`

// SeedRelays makes sure a row exists for every id, defaulting to off.
func (p *Postgres) SeedRelays(ctx context.Context, ids []int) error {
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(seedRelayPG, id)
	}

	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()

	for _, id := range ids {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("seed relay %d: %w", id, err)
		}
	}
	return nil
}

const saveRelayPG = `
INSERT INTO relay_state (relay_number, state, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (relay_number) DO UPDATE
SET state = EXCLUDED.state,
    updated_at = NOW()`

// SaveRelayState upserts the state for id.
func (p *Postgres) SaveRelayState(ctx context.Context, id int, on bool) error {
	_, err := p.pool.Exec(ctx, saveRelayPG, id, boolToInt(on))
	return err
}

const loadRelaysPG = `
    SELECT relay_number, state
    FROM relay_state
    ORDER BY relay_number
`

// LoadRelayStates returns every stored relay state.
func (p *Postgres) LoadRelayStates(ctx context.Context) (map[int]bool, error) {
	rows, err := p.pool.Query(ctx, loadRelaysPG)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[int]bool)
	for rows.Next() {
		var id int
		var state int16
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		states[id] = state != 0
	}
	return states, rows.Err()
}

const insertReadingPG = `
INSERT INTO sensor_readings (ts, turbidity, tds, ph, temperature)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

// AppendReading inserts r and returns it with its id.
func (p *Postgres) AppendReading(ctx context.Context, r quality.Reading) (quality.Reading, error) {
	row := p.pool.QueryRow(ctx, insertReadingPG, r.Timestamp, deref(r.Turbidity), deref(r.TDS), r.PH, r.Temperature)
	if err := row.Scan(&r.ID); err != nil {
		return quality.Reading{}, err
	}
	return r, nil
}

const recentReadingsPG = `
    SELECT id, ts, turbidity, tds, ph, temperature
    FROM sensor_readings
    ORDER BY ts DESC, id DESC
    LIMIT $1
`

// RecentReadings returns up to limit readings, newest first.
func (p *Postgres) RecentReadings(ctx context.Context, limit int) ([]quality.Reading, error) {
	rows, err := p.pool.Query(ctx, recentReadingsPG, limit)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

const readingsSincePG = `
    SELECT id, ts, turbidity, tds, ph, temperature
    FROM sensor_readings
    WHERE ts >= $1
    ORDER BY ts DESC, id DESC
    LIMIT $2
`

// ReadingsSince returns up to limit readings at or after since, newest first.
func (p *Postgres) ReadingsSince(ctx context.Context, since time.Time, limit int) ([]quality.Reading, error) {
	rows, err := p.pool.Query(ctx, readingsSincePG, since, limit)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

func collectReadings(rows pgx.Rows) ([]quality.Reading, error) {
	defer rows.Close()

	out := make([]quality.Reading, 0)
	for rows.Next() {
		var r quality.Reading
		var turbidity, tds float64
		if err := rows.Scan(&r.ID, &r.Timestamp, &turbidity, &tds, &r.PH, &r.Temperature); err != nil {
			return nil, err
		}
		r.Turbidity = &turbidity
		r.TDS = &tds
		out = append(out, r)
	}
	return out, rows.Err()
}
