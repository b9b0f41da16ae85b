package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/montreal-gis/airwatch/internal/normalize"
	"github.com/montreal-gis/airwatch/internal/source"
)

const appendSatelliteSQL = `INSERT INTO satellite_measurements (ts, parameter, measurement_value, geom)
VALUES ($1, $2, $3, ST_GeomFromText($4, 4326))
ON CONFLICT (parameter, ts, geom) DO NOTHING`

const appendGroundSQL = `INSERT INTO ground_measurements (sensor_name, ts, parameter, measurement_value, unit, geom)
VALUES ($1, $2, $3, $4, $5, ST_GeomFromText($6, 4326))
ON CONFLICT (sensor_name, parameter, ts, geom) DO NOTHING`

// AppendSatellite loads satellite footprint records. The natural-key
// conflict target makes repeated runs append-only-safe: loading the
// same record twice yields one row. Returns rows actually written.
func (s *Store) AppendSatellite(ctx context.Context, records []normalize.Record) (int64, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		if r.Source != source.KindSatellite {
			return 0, fmt.Errorf("record source %q does not belong in the satellite table", r.Source)
		}
		batch.Queue(appendSatelliteSQL, r.Time, r.Parameter, r.Value, r.Geom.WKT())
	}
	return s.sendAppendBatch(ctx, batch, len(records))
}

// AppendGround loads ground sensor point records with the same
// skip-on-conflict semantics.
func (s *Store) AppendGround(ctx context.Context, records []normalize.Record) (int64, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		if r.Source != source.KindGround {
			return 0, fmt.Errorf("record source %q does not belong in the ground table", r.Source)
		}
		name := ""
		if r.SensorName != nil {
			name = *r.SensorName
		}
		batch.Queue(appendGroundSQL, name, r.Time, r.Parameter, r.Value, r.Unit, r.Geom.WKT())
	}
	return s.sendAppendBatch(ctx, batch, len(records))
}

func (s *Store) sendAppendBatch(ctx context.Context, batch *pgx.Batch, n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()

	var written int64
	for i := 0; i < n; i++ {
		tag, err := res.Exec()
		if err != nil {
			return written, fmt.Errorf("append batch item %d: %w", i, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}
