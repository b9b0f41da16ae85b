// Package db owns the PostGIS side of the pipeline: schema migration,
// idempotent appends of normalized records and the queries the scorer,
// renderer and REST API read from.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps database access helpers.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS satellite_measurements (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		parameter TEXT NOT NULL,
		measurement_value DOUBLE PRECISION NOT NULL,
		geom geometry(Polygon, 4326) NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// Natural key: repeated runs of the loader must not grow the table.
	`CREATE UNIQUE INDEX IF NOT EXISTS satellite_measurements_natural_key
		ON satellite_measurements (parameter, ts, geom)`,

	`CREATE INDEX IF NOT EXISTS satellite_measurements_geom_idx
		ON satellite_measurements USING GIST (geom)`,

	`CREATE TABLE IF NOT EXISTS ground_measurements (
		id BIGSERIAL PRIMARY KEY,
		sensor_name TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		parameter TEXT NOT NULL,
		measurement_value DOUBLE PRECISION NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		geom geometry(Point, 4326) NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS ground_measurements_natural_key
		ON ground_measurements (sensor_name, parameter, ts, geom)`,

	`CREATE INDEX IF NOT EXISTS ground_measurements_geom_idx
		ON ground_measurements USING GIST (geom)`,

	// Anomaly flags attach to measurements by natural key and are
	// rebuilt on every training run, never treated as ground truth.
	`CREATE TABLE IF NOT EXISTS anomaly_flags (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		parameter TEXT NOT NULL,
		measurement_value DOUBLE PRECISION NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		is_anomaly BOOLEAN NOT NULL,
		model TEXT NOT NULL,
		scored_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (ts, parameter, measurement_value, model)
	)`,

	// The scorer input: ground readings paired with the satellite
	// footprint that covers them, same parameter, within the pass
	// window.
	`CREATE OR REPLACE VIEW pollutant_comparison AS
	SELECT g.id AS ground_id,
	       g.sensor_name,
	       g.parameter AS sensor_parameter,
	       g.ts AS sensor_ts,
	       g.measurement_value AS sensor_value,
	       g.unit AS sensor_unit,
	       s.measurement_value AS satellite_value,
	       ABS(s.measurement_value - g.measurement_value) AS variance,
	       ST_X(g.geom) AS lon,
	       ST_Y(g.geom) AS lat
	FROM ground_measurements g
	JOIN satellite_measurements s
	  ON ST_Contains(s.geom, g.geom)
	 AND s.parameter = g.parameter
	 AND g.ts BETWEEN s.ts - INTERVAL '3 days' AND s.ts + INTERVAL '3 days'`,
}

// Migrate creates or updates the spatial tables, indexes and the
// comparison view.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
