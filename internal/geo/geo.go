// Package geo provides the minimal WGS84 geometry support the pipeline
// needs: points, square footprints buffered by a metric radius, and WKT
// encoding for PostGIS inserts.
package geo

import (
	"fmt"
	"math"
	"strings"
)

const (
	// SRID is the spatial reference of every geometry at rest.
	SRID = 4326

	earthRadiusM = 6371008.8
)

// metersPerDegLat is the length of one degree of latitude on the
// spherical earth model. Longitude degrees shrink with cos(lat).
var metersPerDegLat = earthRadiusM * math.Pi / 180

// Geometry is any shape the loader can persist as WKT.
type Geometry interface {
	WKT() string
}

// Point is a WGS84 lon/lat position.
type Point struct {
	Lon float64
	Lat float64
}

// WKT renders the point as POINT(lon lat).
func (p Point) WKT() string {
	return fmt.Sprintf("POINT(%s %s)", coord(p.Lon), coord(p.Lat))
}

// Polygon is a single closed ring of WGS84 positions. The first and
// last vertex must be equal.
type Polygon struct {
	Ring []Point
}

// WKT renders the polygon as POLYGON((lon lat, ...)).
func (p Polygon) WKT() string {
	parts := make([]string, 0, len(p.Ring))
	for _, v := range p.Ring {
		parts = append(parts, coord(v.Lon)+" "+coord(v.Lat))
	}
	return "POLYGON((" + strings.Join(parts, ",") + "))"
}

func coord(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.7f", v), "0"), ".")
}

// SquareFootprint buffers a center point into an axis-aligned square
// with half-width radiusM meters. The offsets are computed in a locally
// accurate equirectangular frame at the center latitude and converted
// back to degrees, so the metric size of the footprint does not depend
// on latitude. Buffering in raw degrees would shrink the east-west
// extent away from the equator.
func SquareFootprint(center Point, radiusM float64) Polygon {
	dLat := radiusM / metersPerDegLat
	dLon := radiusM / (metersPerDegLat * math.Cos(center.Lat*math.Pi/180))

	minLon, maxLon := center.Lon-dLon, center.Lon+dLon
	minLat, maxLat := center.Lat-dLat, center.Lat+dLat

	return Polygon{Ring: []Point{
		{minLon, minLat},
		{maxLon, minLat},
		{maxLon, maxLat},
		{minLon, maxLat},
		{minLon, minLat},
	}}
}

// HaversineM returns the great-circle distance between two points in
// meters.
func HaversineM(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// BoundingBox is an axis-aligned lon/lat rectangle used as a spatial
// filter. Bounds are inclusive on both axes.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Contains reports whether the point falls inside the box, bounds
// inclusive.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon &&
		p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

// PolygonWKT renders the box as a closed WKT polygon, the form the
// satellite catalogue expects for intersection filters.
func (b BoundingBox) PolygonWKT() string {
	ring := Polygon{Ring: []Point{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
		{b.MinLon, b.MinLat},
	}}
	return ring.WKT()
}
