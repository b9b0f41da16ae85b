package db

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ComparisonRow is one paired satellite/ground observation from the
// pollutant_comparison view.
type ComparisonRow struct {
	SensorName     string    `json:"sensor_name"`
	Parameter      string    `json:"sensor_parameter"`
	Timestamp      time.Time `json:"sensor_ts"`
	SensorValue    float64   `json:"sensor_value"`
	SensorUnit     string    `json:"sensor_unit"`
	SatelliteValue float64   `json:"satellite_value"`
	Variance       float64   `json:"variance"`
	Lon            float64   `json:"lon"`
	Lat            float64   `json:"lat"`
}

const comparisonSQL = `
	SELECT sensor_name, sensor_parameter, sensor_ts, sensor_value, sensor_unit,
	       satellite_value, variance, lon, lat
	FROM pollutant_comparison
	ORDER BY sensor_parameter, sensor_ts
`

// FetchComparison returns the full comparison view, the anomaly-scorer
// input contract.
func (s *Store) FetchComparison(ctx context.Context) ([]ComparisonRow, error) {
	rows, err := s.pool.Query(ctx, comparisonSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanComparison(rows)
}

func scanComparison(rows pgx.Rows) ([]ComparisonRow, error) {
	out := make([]ComparisonRow, 0)
	for rows.Next() {
		var r ComparisonRow
		if err := rows.Scan(
			&r.SensorName,
			&r.Parameter,
			&r.Timestamp,
			&r.SensorValue,
			&r.SensorUnit,
			&r.SatelliteValue,
			&r.Variance,
			&r.Lon,
			&r.Lat,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnomalyFlag is one scored observation, keyed by the natural key
// (timestamp, parameter, value).
type AnomalyFlag struct {
	Timestamp time.Time `json:"ts"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"measurement_value"`
	Score     float64   `json:"score"`
	Anomalous bool      `json:"is_anomaly"`
	Model     string    `json:"model"`
}

const insertFlagSQL = `INSERT INTO anomaly_flags (ts, parameter, measurement_value, score, is_anomaly, model)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (ts, parameter, measurement_value, model) DO UPDATE
SET score = EXCLUDED.score,
    is_anomaly = EXCLUDED.is_anomaly,
    scored_at = NOW()`

// ReplaceAnomalyFlags rebuilds the flag table from this run's scores.
// Flags are derived data, recomputed every training run.
func (s *Store) ReplaceAnomalyFlags(ctx context.Context, flags []AnomalyFlag) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE anomaly_flags`); err != nil {
		return fmt.Errorf("truncate anomaly_flags: %w", err)
	}
	if len(flags) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range flags {
		batch.Queue(insertFlagSQL, f.Timestamp, f.Parameter, f.Value, f.Score, f.Anomalous, f.Model)
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range flags {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("insert anomaly flag: %w", err)
		}
	}
	return nil
}

// ScoredRow is a comparison row joined with its anomaly flag, the
// dashboard renderer input.
type ScoredRow struct {
	ComparisonRow
	Score     *float64 `json:"score,omitempty"`
	Anomalous bool     `json:"is_anomaly"`
}

const scoredComparisonSQL = `
	SELECT c.sensor_name, c.sensor_parameter, c.sensor_ts, c.sensor_value, c.sensor_unit,
	       c.satellite_value, c.variance, c.lon, c.lat,
	       f.score, COALESCE(f.is_anomaly, FALSE)
	FROM pollutant_comparison c
	LEFT JOIN anomaly_flags f
	  ON f.ts = c.sensor_ts
	 AND f.parameter = c.sensor_parameter
	 AND f.measurement_value = c.sensor_value
	ORDER BY c.sensor_parameter, c.sensor_ts
`

// FetchScoredComparison returns comparison rows with anomaly flags
// attached where a flag exists for the natural key.
func (s *Store) FetchScoredComparison(ctx context.Context) ([]ScoredRow, error) {
	rows, err := s.pool.Query(ctx, scoredComparisonSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ScoredRow, 0)
	for rows.Next() {
		var r ScoredRow
		if err := rows.Scan(
			&r.SensorName,
			&r.Parameter,
			&r.Timestamp,
			&r.SensorValue,
			&r.SensorUnit,
			&r.SatelliteValue,
			&r.Variance,
			&r.Lon,
			&r.Lat,
			&r.Score,
			&r.Anomalous,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SensorInfo describes one ground sensor present in the loaded data.
type SensorInfo struct {
	Name      string     `json:"name"`
	Parameter string     `json:"parameter"`
	Unit      string     `json:"unit"`
	Lon       float64    `json:"lon"`
	Lat       float64    `json:"lat"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

const listSensorsSQL = `
	SELECT sensor_name, parameter, MAX(unit), ST_X(geom), ST_Y(geom), MAX(ts)
	FROM ground_measurements
	GROUP BY sensor_name, parameter, geom
	ORDER BY sensor_name, parameter
`

// ListSensors returns the distinct sensors and parameters loaded so far.
func (s *Store) ListSensors(ctx context.Context) ([]SensorInfo, error) {
	rows, err := s.pool.Query(ctx, listSensorsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sensors := make([]SensorInfo, 0)
	for rows.Next() {
		var si SensorInfo
		if err := rows.Scan(&si.Name, &si.Parameter, &si.Unit, &si.Lon, &si.Lat, &si.LastSeen); err != nil {
			return nil, err
		}
		sensors = append(sensors, si)
	}
	return sensors, rows.Err()
}

// Measurement is one ground reading returned by the REST API.
type Measurement struct {
	SensorName string    `json:"sensor_name"`
	Timestamp  time.Time `json:"ts"`
	Parameter  string    `json:"parameter"`
	Value      float64   `json:"measurement_value"`
	Unit       string    `json:"unit"`
}

// MeasurementQuery holds filters for retrieving measurements.
type MeasurementQuery struct {
	SensorName string
	Parameter  string
	Limit      int
	Since      *time.Time
	Until      *time.Time
}

const measurementsBase = `
	SELECT sensor_name, ts, parameter, measurement_value, unit
	FROM ground_measurements
	WHERE sensor_name = $1
`

// FetchMeasurements returns measurements for one sensor based on the
// query.
func (s *Store) FetchMeasurements(ctx context.Context, q MeasurementQuery) ([]Measurement, error) {
	args := []any{q.SensorName}
	clause := ""
	argPos := 2
	if q.Parameter != "" {
		clause += " AND parameter = $" + strconv.Itoa(argPos)
		args = append(args, q.Parameter)
		argPos++
	}
	if q.Since != nil {
		clause += " AND ts >= $" + strconv.Itoa(argPos)
		args = append(args, *q.Since)
		argPos++
	}
	if q.Until != nil {
		clause += " AND ts <= $" + strconv.Itoa(argPos)
		args = append(args, *q.Until)
		argPos++
	}
	order := " ORDER BY ts"
	limit := ""
	if q.Limit > 0 {
		limit = " LIMIT $" + strconv.Itoa(argPos)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, measurementsBase+clause+order+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	measurements := make([]Measurement, 0)
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.SensorName, &m.Timestamp, &m.Parameter, &m.Value, &m.Unit); err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

// CountGround returns the total number of loaded ground rows; the
// train stage refuses to run against an entirely empty table.
func (s *Store) CountGround(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ground_measurements`).Scan(&n)
	return n, err
}

// WriteComparisonCSV renders comparison rows as CSV. Geometry columns
// are flattened to lon/lat; binary geometry does not belong in a CSV.
func WriteComparisonCSV(w io.Writer, rows []ComparisonRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"sensor_name", "sensor_parameter", "sensor_ts", "sensor_value", "sensor_unit",
		"satellite_value", "variance", "lon", "lat",
	}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.SensorName,
			r.Parameter,
			r.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.SensorValue, 'f', -1, 64),
			r.SensorUnit,
			strconv.FormatFloat(r.SatelliteValue, 'f', -1, 64),
			strconv.FormatFloat(r.Variance, 'f', -1, 64),
			strconv.FormatFloat(r.Lon, 'f', -1, 64),
			strconv.FormatFloat(r.Lat, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
