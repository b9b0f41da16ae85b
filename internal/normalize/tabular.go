package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/montreal-gis/airwatch/internal/geo"
	"github.com/montreal-gis/airwatch/internal/source"
)

type tabularRow struct {
	Location    string          `json:"location"`
	Parameter   string          `json:"parameter"`
	Value       *float64        `json:"value"`
	Unit        string          `json:"unit"`
	Coordinates *struct {
		Longitude *float64 `json:"longitude"`
		Latitude  *float64 `json:"latitude"`
	} `json:"coordinates"`
	Date json.RawMessage `json:"date"`
}

type tabularDocument struct {
	Results []tabularRow `json:"results"`
}

// Tabular converts a staged ground-sensor artifact into normalized
// point records. The document is either {"results":[...]} or a bare
// row array. Rows lacking value, coordinates or a parseable timestamp
// are dropped. Returns ErrNoData when nothing survives.
func Tabular(raw []byte) ([]Record, error) {
	var doc tabularDocument
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Results == nil {
		var rows []tabularRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode tabular payload: %w", err)
		}
		doc.Results = rows
	}

	records := make([]Record, 0, len(doc.Results))
	for _, row := range doc.Results {
		if row.Value == nil {
			continue
		}
		if row.Coordinates == nil || row.Coordinates.Longitude == nil || row.Coordinates.Latitude == nil {
			continue
		}
		ts, err := flattenInstant(row.Date)
		if err != nil {
			continue
		}

		name := row.Location
		records = append(records, Record{
			Geom:       geo.Point{Lon: *row.Coordinates.Longitude, Lat: *row.Coordinates.Latitude},
			Time:       ts,
			Parameter:  strings.ToLower(row.Parameter),
			Value:      *row.Value,
			Unit:       row.Unit,
			Source:     source.KindGround,
			SensorName: &name,
		})
	}

	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}

// flattenInstant accepts the two timestamp shapes the upstream emits —
// a raw RFC3339 string or a nested object carrying a "utc" field — and
// normalizes both to the same UTC instant.
func flattenInstant(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var nested struct {
			UTC string `json:"utc"`
		}
		if err := json.Unmarshal(raw, &nested); err != nil || nested.UTC == "" {
			return time.Time{}, fmt.Errorf("unrecognized timestamp shape: %s", raw)
		}
		s = nested.UTC
	}

	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}
