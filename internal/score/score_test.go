package score

import (
	"testing"
	"time"
)

func obsBatch(values ...float64) []Observation {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Observation, len(values))
	for i, v := range values {
		out[i] = Observation{Time: base.Add(time.Duration(i) * time.Hour), Parameter: "ch4", Value: v}
	}
	return out
}

func TestRobustZFlagsOutlier(t *testing.T) {
	obs := obsBatch(1800, 1805, 1795, 1802, 1798, 1801, 1799, 1803, 1797, 2600)
	flags := NewRobustZ(3).Score(obs)

	if len(flags) != len(obs) {
		t.Fatalf("got %d flags, want %d", len(flags), len(obs))
	}

	var anomalies int
	for _, fl := range flags {
		if fl.Anomalous {
			anomalies++
			if fl.Value != 2600 {
				t.Errorf("flagged the wrong observation: %+v", fl)
			}
		}
	}
	if anomalies != 1 {
		t.Errorf("flagged %d anomalies, want 1", anomalies)
	}
}

func TestRobustZKeepsNaturalKey(t *testing.T) {
	obs := obsBatch(10, 11, 12, 13, 500)
	flags := NewRobustZ(3).Score(obs)

	for i, fl := range flags {
		if !fl.Time.Equal(obs[i].Time) || fl.Parameter != obs[i].Parameter || fl.Value != obs[i].Value {
			t.Errorf("flag %d lost its natural key: %+v vs %+v", i, fl.Observation, obs[i])
		}
	}
}

func TestRobustZZeroSpread(t *testing.T) {
	flags := NewRobustZ(3).Score(obsBatch(5, 5, 5, 5))
	for _, fl := range flags {
		if fl.Anomalous {
			t.Errorf("constant data produced an anomaly: %+v", fl)
		}
	}
}

func TestRobustZEmptyBatch(t *testing.T) {
	if flags := NewRobustZ(3).Score(nil); len(flags) != 0 {
		t.Errorf("empty batch produced %d flags", len(flags))
	}
}

func TestNewRobustZDefaultThreshold(t *testing.T) {
	if s := NewRobustZ(0); s.Threshold != 3 {
		t.Errorf("Threshold = %f, want 3", s.Threshold)
	}
}
