package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/montreal-gis/airwatch/internal/geo"
	"github.com/montreal-gis/airwatch/internal/source"
)

var montrealBox = geo.BoundingBox{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71}

func f(v float64) *float64 { return &v }

func TestGridFiltersToBoundingBox(t *testing.T) {
	// 100 synthetic grid points; 10 placed outside the box.
	doc := GridDocument{
		Variable: "methane_mixing_ratio",
		Time:     time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC),
	}
	for i := 0; i < 90; i++ {
		lon := -73.96 + float64(i)*0.005
		lat := 45.42 + float64(i%10)*0.02
		doc.Cells = append(doc.Cells, GridCell{Lon: f(lon), Lat: f(lat), Value: f(1850 + float64(i))})
	}
	for i := 0; i < 10; i++ {
		doc.Cells = append(doc.Cells, GridCell{Lon: f(-75.0 - float64(i)), Lat: f(45.5), Value: f(1900)})
	}

	records, err := Grid(doc, GridOptions{
		Parameter:     "ch4",
		Unit:          "ppb",
		Bounds:        montrealBox,
		BufferRadiusM: 2500,
	})
	if err != nil {
		t.Fatalf("Grid() error: %v", err)
	}
	if len(records) != 90 {
		t.Fatalf("got %d records, want exactly 90", len(records))
	}
	for _, r := range records {
		if r.Parameter != "ch4" {
			t.Fatalf("record parameter = %q, want the explicit override", r.Parameter)
		}
		if r.Source != source.KindSatellite {
			t.Fatalf("record source = %q", r.Source)
		}
		if _, ok := r.Geom.(geo.Polygon); !ok {
			t.Fatalf("grid record geometry should be a footprint polygon, got %T", r.Geom)
		}
	}
}

func TestGridDropsMissingValuesAndCoordinates(t *testing.T) {
	doc := GridDocument{
		Variable: "methane_mixing_ratio",
		Time:     time.Now().UTC(),
		Cells: []GridCell{
			{Lon: f(-73.6), Lat: f(45.5), Value: f(1850)},
			{Lon: f(-73.6), Lat: f(45.5), Value: nil},
			{Lon: nil, Lat: f(45.5), Value: f(1870)},
			{Lon: f(-73.6), Lat: nil, Value: f(1880)},
		},
	}

	records, err := Grid(doc, GridOptions{Parameter: "ch4", Bounds: montrealBox, BufferRadiusM: 2500})
	if err != nil {
		t.Fatalf("Grid() error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1 (nulls excluded)", len(records))
	}
}

func TestGridEmptyResultIsExplicit(t *testing.T) {
	doc := GridDocument{
		Variable: "methane_mixing_ratio",
		Time:     time.Now().UTC(),
		Cells:    []GridCell{{Lon: f(-120.0), Lat: f(35.0), Value: f(1850)}},
	}
	_, err := Grid(doc, GridOptions{Parameter: "ch4", Bounds: montrealBox, BufferRadiusM: 2500})
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
}

func TestGridRequiresExplicitParameter(t *testing.T) {
	_, err := Grid(GridDocument{Variable: "x"}, GridOptions{Bounds: montrealBox})
	if err == nil || errors.Is(err, ErrNoData) {
		t.Fatalf("missing parameter override should be rejected, got %v", err)
	}
}

func TestDecodeGridJSON(t *testing.T) {
	raw := []byte(`{"variable":"methane_mixing_ratio","time":"2026-03-01T17:00:00Z","cells":[{"lon":-73.6,"lat":45.5,"value":1850.5}]}`)
	doc, err := DecodeGridJSON(raw)
	if err != nil {
		t.Fatalf("DecodeGridJSON() error: %v", err)
	}
	if doc.Variable != "methane_mixing_ratio" || len(doc.Cells) != 1 {
		t.Errorf("decoded document = %+v", doc)
	}

	if _, err := DecodeGridJSON([]byte(`{"cells":[]}`)); err == nil {
		t.Error("document without a variable name should be rejected")
	}
}

func TestTabularFlattensBothTimestampShapes(t *testing.T) {
	raw := []byte(`{"results":[
		{"location":"Saint-Michel","parameter":"no2","value":21.4,"unit":"ppm",
		 "coordinates":{"longitude":-73.62,"latitude":45.59},
		 "date":{"utc":"2026-03-01T10:00:00Z"}},
		{"location":"Saint-Michel","parameter":"no2","value":19.9,"unit":"ppm",
		 "coordinates":{"longitude":-73.62,"latitude":45.59},
		 "date":"2026-03-01T10:00:00Z"}
	]}`)

	records, err := Tabular(raw)
	if err != nil {
		t.Fatalf("Tabular() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if !records[0].Time.Equal(records[1].Time) {
		t.Errorf("nested and string timestamps should normalize to the same instant: %v vs %v",
			records[0].Time, records[1].Time)
	}
	if records[0].Time.Location() != time.UTC {
		t.Error("normalized instants must be UTC")
	}
	if records[0].SensorName == nil || *records[0].SensorName != "Saint-Michel" {
		t.Errorf("sensor name not carried: %+v", records[0])
	}
	if _, ok := records[0].Geom.(geo.Point); !ok {
		t.Errorf("ground record geometry should be a point, got %T", records[0].Geom)
	}
}

func TestTabularDropsRowsWithoutCoordinates(t *testing.T) {
	rows := []map[string]any{
		{
			"location": "A", "parameter": "pm25", "value": 12.0, "unit": "µg/m³",
			"coordinates": map[string]any{"longitude": -73.6, "latitude": 45.5},
			"date":        "2026-03-01T10:00:00Z",
		},
		{
			// Null coordinates: must be absent from output.
			"location": "B", "parameter": "pm25", "value": 14.0, "unit": "µg/m³",
			"coordinates": nil,
			"date":        "2026-03-01T10:00:00Z",
		},
		{
			// Null value: must be absent from output.
			"location": "C", "parameter": "pm25", "value": nil, "unit": "µg/m³",
			"coordinates": map[string]any{"longitude": -73.6, "latitude": 45.5},
			"date":        "2026-03-01T10:00:00Z",
		},
	}
	raw, err := json.Marshal(map[string]any{"results": rows})
	if err != nil {
		t.Fatal(err)
	}

	records, err := Tabular(raw)
	if err != nil {
		t.Fatalf("Tabular() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if *records[0].SensorName != "A" {
		t.Errorf("surviving record = %+v, want sensor A", records[0])
	}
}

func TestTabularAcceptsBareArray(t *testing.T) {
	raw := []byte(`[{"location":"A","parameter":"o3","value":0.03,"unit":"ppm",
		"coordinates":{"longitude":-73.6,"latitude":45.5},"date":"2026-03-01T10:00:00Z"}]`)
	records, err := Tabular(raw)
	if err != nil {
		t.Fatalf("Tabular() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
}

func TestTabularEmptyIsExplicit(t *testing.T) {
	_, err := Tabular([]byte(`{"results":[]}`))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
}

func TestFlattenInstantRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`42`, `{"local":"2026-03-01"}`, `"yesterday"`} {
		t.Run(raw, func(t *testing.T) {
			if _, err := flattenInstant(json.RawMessage(raw)); err == nil {
				t.Errorf("flattenInstant(%s) should fail", raw)
			}
		})
	}
}

func TestGridBoundsInclusive(t *testing.T) {
	// A cell exactly on the box edge survives: bounds are inclusive.
	doc := GridDocument{
		Variable: "methane_mixing_ratio",
		Time:     time.Now().UTC(),
		Cells:    []GridCell{{Lon: f(montrealBox.MinLon), Lat: f(montrealBox.MinLat), Value: f(1850)}},
	}
	records, err := Grid(doc, GridOptions{Parameter: "ch4", Bounds: montrealBox, BufferRadiusM: 2500})
	if err != nil {
		t.Fatalf("Grid() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatal("edge cell should be included")
	}
}
