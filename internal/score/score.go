// Package score flags anomalous observations in the joined
// satellite/ground comparison data. The scoring model is a pluggable
// capability; the default is a robust z-score on the ground reading.
package score

import (
	"math"
	"sort"
	"time"
)

// Observation is one scorer input row: the natural key of a comparison
// record plus the feature value.
type Observation struct {
	Time      time.Time
	Parameter string
	Value     float64
}

// Flag is a scored observation. Anomalous observations keep their
// natural key so flags can be joined back to source rows.
type Flag struct {
	Observation
	Score     float64
	Anomalous bool
}

// Scorer is the anomaly-detection capability. Implementations score a
// homogeneous batch (one parameter) and never mutate the input.
type Scorer interface {
	Name() string
	Score(obs []Observation) []Flag
}

// RobustZ flags observations whose modified z-score (median/MAD based,
// resistant to the outliers it is hunting) exceeds Threshold.
type RobustZ struct {
	Threshold float64
}

// NewRobustZ returns a RobustZ scorer with the given threshold; a
// non-positive threshold falls back to 3.
func NewRobustZ(threshold float64) *RobustZ {
	if threshold <= 0 {
		threshold = 3
	}
	return &RobustZ{Threshold: threshold}
}

func (r *RobustZ) Name() string { return "robust_z" }

// Score computes modified z-scores for the batch. With zero spread in
// the data no observation is flagged.
func (r *RobustZ) Score(obs []Observation) []Flag {
	flags := make([]Flag, len(obs))
	if len(obs) == 0 {
		return flags
	}

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.Value
	}
	med := median(values)

	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs)

	for i, o := range obs {
		flags[i] = Flag{Observation: o}
		if mad == 0 {
			continue
		}
		// 0.6745 rescales MAD to the standard deviation of a normal
		// distribution.
		z := 0.6745 * (o.Value - med) / mad
		flags[i].Score = z
		flags[i].Anomalous = math.Abs(z) > r.Threshold
	}
	return flags
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
