package detector

import "math"

// ZScoreResult is the outcome of comparing observed interval volume to a baseline.
type ZScoreResult struct {
	Z         float64
	Observed  float64
	Capped    bool
	Anomalous bool
}

// ScoreVolume computes (observed-mean)/stddev clamped to ±zCap. A flat
// baseline yields ±zCap in the direction of the deviation, or 0 when the
// observed volume equals the mean.
func ScoreVolume(observed float64, b Baseline, threshold, zCap float64) ZScoreResult {
	r := ZScoreResult{Observed: observed}

	switch {
	case b.StdDev > 0:
		r.Z = (observed - b.Mean) / b.StdDev
	case observed > b.Mean:
		r.Z = zCap
	case observed < b.Mean:
		r.Z = -zCap
	}

	if math.IsNaN(r.Z) {
		r.Z = 0
	}
	if math.Abs(r.Z) >= zCap {
		r.Capped = r.Z != 0
		r.Z = math.Copysign(zCap, r.Z)
	}
	r.Anomalous = math.Abs(r.Z) >= threshold
	return r
}
