// Package normalize converts heterogeneous staged payloads (gridded
// satellite documents, tabular sensor JSON) into the common record
// schema the spatial loader persists.
package normalize

import (
	"errors"
	"time"

	"github.com/montreal-gis/airwatch/internal/geo"
	"github.com/montreal-gis/airwatch/internal/source"
)

// ErrNoData signals that a payload normalized to zero records. Zero
// matching rows is success, not failure, but callers must see it
// explicitly instead of silently writing empty artifacts.
var ErrNoData = errors.New("payload contains no usable records")

// Record is the common tabular schema: geometry (WGS84, SRID 4326 at
// rest), UTC instant, parameter, value, unit, source and optional
// sensor name. Records with missing value or coordinates never leave
// the normalizer.
type Record struct {
	Geom       geo.Geometry
	Time       time.Time
	Parameter  string
	Value      float64
	Unit       string
	Source     source.Kind
	SensorName *string
}
