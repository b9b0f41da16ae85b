package geo

import (
	"math"
	"strings"
	"testing"
)

func TestPointWKT(t *testing.T) {
	p := Point{Lon: -73.5673, Lat: 45.5017}
	got := p.WKT()
	want := "POINT(-73.5673 45.5017)"
	if got != want {
		t.Errorf("WKT() = %q, want %q", got, want)
	}
}

func TestSquareFootprintClosedRing(t *testing.T) {
	poly := SquareFootprint(Point{Lon: -73.6, Lat: 45.5}, 2500)
	if len(poly.Ring) != 5 {
		t.Fatalf("ring has %d vertices, want 5", len(poly.Ring))
	}
	if poly.Ring[0] != poly.Ring[4] {
		t.Errorf("ring is not closed: first %v, last %v", poly.Ring[0], poly.Ring[4])
	}
	if !strings.HasPrefix(poly.WKT(), "POLYGON((") {
		t.Errorf("unexpected WKT prefix: %s", poly.WKT())
	}
}

// The buffer radius is metric: footprints built at different latitudes
// must have the same ground extent even though their degree extents
// differ. A degree-space buffer would fail the width comparison away
// from the equator.
func TestSquareFootprintMetricRadiusConstantAcrossLatitudes(t *testing.T) {
	const radius = 2500.0

	widthAt := func(lat float64) float64 {
		poly := SquareFootprint(Point{Lon: -73.6, Lat: lat}, radius)
		// Ring[0] and Ring[1] are the south-west and south-east corners.
		return HaversineM(poly.Ring[0], poly.Ring[1])
	}

	equatorial := widthAt(0)
	montreal := widthAt(45.5)

	if rel := math.Abs(equatorial-montreal) / equatorial; rel > 0.01 {
		t.Errorf("metric width drifts with latitude: %f m at 0° vs %f m at 45.5°", equatorial, montreal)
	}
	if want := 2 * radius; math.Abs(montreal-want) > want*0.01 {
		t.Errorf("footprint width = %f m, want about %f m", montreal, want)
	}

	// Degree extents must differ: the lon span widens with latitude.
	eqPoly := SquareFootprint(Point{Lon: -73.6, Lat: 0}, radius)
	mtlPoly := SquareFootprint(Point{Lon: -73.6, Lat: 45.5}, radius)
	eqSpan := eqPoly.Ring[1].Lon - eqPoly.Ring[0].Lon
	mtlSpan := mtlPoly.Ring[1].Lon - mtlPoly.Ring[0].Lon
	if mtlSpan <= eqSpan {
		t.Errorf("lon span should widen with latitude: %f at 0° vs %f at 45.5°", eqSpan, mtlSpan)
	}
}

func TestBoundingBoxContains(t *testing.T) {
	box := BoundingBox{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71}

	t.Run("inside", func(t *testing.T) {
		if !box.Contains(Point{Lon: -73.6, Lat: 45.5}) {
			t.Error("interior point reported outside")
		}
	})

	t.Run("boundary is inclusive", func(t *testing.T) {
		if !box.Contains(Point{Lon: -73.97, Lat: 45.41}) {
			t.Error("corner point reported outside")
		}
	})

	t.Run("outside", func(t *testing.T) {
		if box.Contains(Point{Lon: -74.1, Lat: 45.5}) {
			t.Error("exterior point reported inside")
		}
	})
}

func TestBoundingBoxPolygonWKT(t *testing.T) {
	box := BoundingBox{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71}
	got := box.PolygonWKT()
	want := "POLYGON((-73.97 45.41,-73.47 45.41,-73.47 45.71,-73.97 45.71,-73.97 45.41))"
	if got != want {
		t.Errorf("PolygonWKT() = %q, want %q", got, want)
	}
}
