package detector

import (
	"math"
	"time"
)

// CorrelationResult is the Pearson coefficient between interval-over-interval
// changes in closing price and in volume.
type CorrelationResult struct {
	Coefficient float64
	Intervals   int
}

// PriceVolumeCorrelation slices [start, end) into intervals, takes each
// interval's closing price (carried forward through quiet intervals) and
// total volume, and correlates the two delta series. Intervals before the
// first trade are ignored. Fewer than two deltas, or a flat series, yield 0.
func PriceVolumeCorrelation(trades []Trade, start, end time.Time, interval time.Duration) CorrelationResult {
	if interval <= 0 || !end.After(start) {
		return CorrelationResult{}
	}
	n := int((end.Sub(start) + interval - 1) / interval)

	closes := make([]float64, n)
	volumes := make([]float64, n)
	seen := make([]bool, n)
	for _, t := range sortedByArrival(trades) {
		if t.Timestamp.Before(start) || !t.Timestamp.Before(end) {
			continue
		}
		idx := int(t.Timestamp.Sub(start) / interval)
		closes[idx] = float64(t.PriceCents)
		volumes[idx] += float64(t.Volume)
		seen[idx] = true
	}

	first := -1
	for i := range seen {
		if seen[i] {
			first = i
			break
		}
	}
	if first < 0 {
		return CorrelationResult{}
	}
	for i := first + 1; i < n; i++ {
		if !seen[i] {
			closes[i] = closes[i-1]
		}
	}

	closes, volumes = closes[first:], volumes[first:]
	res := CorrelationResult{Intervals: len(closes)}
	if len(closes) < 3 {
		return res
	}

	dp := make([]float64, len(closes)-1)
	dv := make([]float64, len(volumes)-1)
	for i := 1; i < len(closes); i++ {
		dp[i-1] = closes[i] - closes[i-1]
		dv[i-1] = volumes[i] - volumes[i-1]
	}
	res.Coefficient = pearson(dp, dv)
	return res
}

func pearson(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	mx, sx := meanStd(xs)
	my, sy := meanStd(ys)
	if sx == 0 || sy == 0 {
		return 0
	}
	var cov float64
	for i := range xs {
		cov += (xs[i] - mx) * (ys[i] - my)
	}
	cov /= float64(len(xs))
	r := cov / (sx * sy)
	if math.IsNaN(r) {
		return 0
	}
	return clamp(r, -1, 1)
}
