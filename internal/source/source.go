// Package source defines the pluggable data-source capability and its
// two implementations: the satellite product catalogue and the ground
// sensor network. The freshness/retry logic lives in internal/fetch and
// is written once; adapters only describe how to find and retrieve
// artifacts.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/montreal-gis/airwatch/internal/geo"
)

// Kind identifies a source family.
type Kind string

const (
	KindSatellite Kind = "satellite"
	KindGround    Kind = "ground"
)

// Window is the wall-clock span a run covers. Both sources search the
// same window so their records are comparable. Start must not exceed
// End.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the window ending at end and reaching back span.
func NewWindow(end time.Time, span time.Duration) Window {
	return Window{Start: end.Add(-span), End: end}
}

// Validate enforces the start <= end invariant.
func (w Window) Validate() error {
	if w.Start.After(w.End) {
		return fmt.Errorf("window start %s after end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Filter is the spatial+temporal+category search predicate shared by
// both adapters.
type Filter struct {
	Bounds     geo.BoundingBox
	Window     Window
	Parameters []string
}

// Candidate is one retrievable artifact discovered by Search.
// Satellite candidates carry a capture time; ground candidates carry
// the sensor's location and unit.
type Candidate struct {
	ID          string
	Name        string
	Parameter   string
	Unit        string
	Lon         *float64
	Lat         *float64
	CaptureTime time.Time
}

// Payload is the raw bytes of one downloaded artifact.
type Payload struct {
	Data        []byte
	ContentType string
}

// Adapter is the source capability: search for new data matching a
// filter, retrieve one artifact.
type Adapter interface {
	Kind() Kind
	Search(ctx context.Context, f Filter) ([]Candidate, error)
	Download(ctx context.Context, c Candidate) (Payload, error)
}

// Coordinates is the lon/lat pair as it appears in staged ground
// artifacts. Pointers keep "no coordinates" distinguishable from zero.
type Coordinates struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
}

// StagedMeasurement is one row of the staged ground artifact. Date is
// kept as raw JSON because the upstream API delivers either a plain
// string or a nested object with a "utc" field; flattening is the
// normalizer's job.
type StagedMeasurement struct {
	Location    string          `json:"location"`
	Parameter   string          `json:"parameter"`
	Value       *float64        `json:"value"`
	Unit        string          `json:"unit"`
	Coordinates *Coordinates    `json:"coordinates"`
	Date        json.RawMessage `json:"date"`
}

// StagedGroundArtifact is the JSON document staged for the ground
// source: every collected measurement for the run window.
type StagedGroundArtifact struct {
	Results []StagedMeasurement `json:"results"`
}
