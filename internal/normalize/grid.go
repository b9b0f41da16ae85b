package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/montreal-gis/airwatch/internal/geo"
	"github.com/montreal-gis/airwatch/internal/source"
)

// GridCell is one grid point of a decoded satellite product. Pointers
// keep missing values and missing coordinates distinguishable from
// zero.
type GridCell struct {
	Lon   *float64 `json:"lon"`
	Lat   *float64 `json:"lat"`
	Value *float64 `json:"value"`
}

// GridDocument is the decoded form of a gridded scientific product:
// the named measurement variable, its capture instant and the grid
// cells. Vendor-specific binary decoding (NetCDF and friends) happens
// behind a ProductDecoder; this package consumes the decoded document.
type GridDocument struct {
	Variable string     `json:"variable"`
	Time     time.Time  `json:"time"`
	Cells    []GridCell `json:"cells"`
}

// ProductDecoder turns staged satellite bytes into a GridDocument.
type ProductDecoder func(raw []byte) (GridDocument, error)

// DecodeGridJSON is the default ProductDecoder for grid documents
// staged as JSON.
func DecodeGridJSON(raw []byte) (GridDocument, error) {
	var doc GridDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return GridDocument{}, fmt.Errorf("decode grid document: %w", err)
	}
	if doc.Variable == "" {
		return GridDocument{}, fmt.Errorf("grid document names no measurement variable")
	}
	return doc, nil
}

// GridOptions controls grid normalization.
type GridOptions struct {
	// Parameter is the requested parameter identity. It is always an
	// explicit override: product variables are named inconsistently
	// release to release, so the payload's own metadata is never
	// trusted for identity.
	Parameter     string
	Unit          string
	Bounds        geo.BoundingBox
	BufferRadiusM float64
}

// Grid converts a decoded grid document into normalized records. Cells
// with missing value or coordinates are dropped, the bounding-box
// filter is inclusive on both axes, and each surviving cell becomes a
// fixed-metric-radius square footprint. Returns ErrNoData when nothing
// survives.
func Grid(doc GridDocument, opts GridOptions) ([]Record, error) {
	if opts.Parameter == "" {
		return nil, fmt.Errorf("grid normalization requires an explicit parameter")
	}

	ts := doc.Time.UTC()
	records := make([]Record, 0, len(doc.Cells))
	for _, cell := range doc.Cells {
		if cell.Value == nil || cell.Lon == nil || cell.Lat == nil {
			continue
		}
		center := geo.Point{Lon: *cell.Lon, Lat: *cell.Lat}
		if !opts.Bounds.Contains(center) {
			continue
		}
		records = append(records, Record{
			Geom:      geo.SquareFootprint(center, opts.BufferRadiusM),
			Time:      ts,
			Parameter: opts.Parameter,
			Value:     *cell.Value,
			Unit:      opts.Unit,
			Source:    source.KindSatellite,
		})
	}

	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}
