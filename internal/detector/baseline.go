package detector

import (
	"errors"
	"math"
	"time"
)

// ErrInsufficientData means a market does not have enough history to judge.
// Callers treat it as a skip, not a failure.
var ErrInsufficientData = errors.New("insufficient trade history for baseline")

// Baseline summarises interval volume over the history window.
type Baseline struct {
	Mean        float64
	StdDev      float64
	SampleCount int // non-empty intervals
	BucketCount int // intervals considered, from the first non-empty one
	WindowStart time.Time
	WindowEnd   time.Time
}

// ComputeBaseline buckets trades into interval-sized slots over
// [windowEnd-history, windowEnd) and returns the mean and population
// standard deviation of per-interval volume. Slots before the first trade
// are ignored so a newly listed market is not diluted by empty history;
// empty slots after it count as zero volume.
func ComputeBaseline(trades []Trade, windowEnd time.Time, history, interval time.Duration, minSamples int) (Baseline, error) {
	b := Baseline{WindowEnd: windowEnd}
	if interval <= 0 || history < interval {
		return b, ErrInsufficientData
	}

	n := int(history / interval)
	start := windowEnd.Add(-time.Duration(n) * interval)
	b.WindowStart = start

	volumes := make([]float64, n)
	seen := make([]bool, n)
	for _, t := range trades {
		if t.Timestamp.Before(start) || !t.Timestamp.Before(windowEnd) {
			continue
		}
		idx := int(t.Timestamp.Sub(start) / interval)
		volumes[idx] += float64(t.Volume)
		seen[idx] = true
	}

	first := -1
	for i := range seen {
		if seen[i] {
			if first < 0 {
				first = i
			}
			b.SampleCount++
		}
	}
	if first < 0 || b.SampleCount < minSamples {
		return b, ErrInsufficientData
	}

	samples := volumes[first:]
	b.BucketCount = len(samples)
	b.Mean, b.StdDev = meanStd(samples)
	return b, nil
}

// IntervalVolume sums contract volume over [start, end).
func IntervalVolume(trades []Trade, start, end time.Time) float64 {
	var total float64
	for _, t := range trades {
		if !t.Timestamp.Before(start) && t.Timestamp.Before(end) {
			total += float64(t.Volume)
		}
	}
	return total
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
