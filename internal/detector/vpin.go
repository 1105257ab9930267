package detector

import "math"

// VPINResult is the volume-synchronised probability of informed trading.
type VPINResult struct {
	Value   float64
	Buckets int  // completed buckets averaged
	Partial bool // only an unfilled bucket was available
}

const bucketEpsilon = 1e-9

// ComputeVPIN fills equal-volume buckets in arrival order, splitting a trade
// across a boundary pro rata, and averages |buy-sell|/volume over the last
// windowBuckets completed buckets.
//
// Yes takers are buys and no takers are sells. Trades without a side fall
// back to the tick rule; an unchanged price repeats the previous
// classification, and with no history the trade is split evenly.
func ComputeVPIN(trades []Trade, bucketSize float64, windowBuckets int) VPINResult {
	if len(trades) == 0 || bucketSize <= 0 {
		return VPINResult{}
	}
	if windowBuckets < 1 {
		windowBuckets = 1
	}

	var (
		imbalances []float64
		buy, sell  float64
		filled     float64
		prevPrice  = -1
		prevBuy    = -1.0
	)

	for _, t := range sortedByArrival(trades) {
		if t.Volume <= 0 {
			continue
		}
		frac := buyFraction(t, prevPrice, prevBuy)
		prevPrice = t.PriceCents
		prevBuy = frac

		remaining := float64(t.Volume)
		for remaining > bucketEpsilon {
			take := math.Min(bucketSize-filled, remaining)
			buy += take * frac
			sell += take * (1 - frac)
			filled += take
			remaining -= take

			if filled >= bucketSize-bucketEpsilon {
				imbalances = append(imbalances, math.Abs(buy-sell)/filled)
				buy, sell, filled = 0, 0, 0
			}
		}
	}

	if len(imbalances) == 0 {
		if filled <= 0 {
			return VPINResult{}
		}
		return VPINResult{Value: clamp(math.Abs(buy-sell)/filled, 0, 1), Partial: true}
	}

	if len(imbalances) > windowBuckets {
		imbalances = imbalances[len(imbalances)-windowBuckets:]
	}
	var sum float64
	for _, v := range imbalances {
		sum += v
	}
	return VPINResult{
		Value:   clamp(sum/float64(len(imbalances)), 0, 1),
		Buckets: len(imbalances),
	}
}

// buyFraction returns the share of a trade's volume classified as buying.
func buyFraction(t Trade, prevPrice int, prevBuy float64) float64 {
	switch t.Side {
	case SideYes:
		return 1
	case SideNo:
		return 0
	}
	switch {
	case prevPrice < 0:
		return 0.5
	case t.PriceCents > prevPrice:
		return 1
	case t.PriceCents < prevPrice:
		return 0
	case prevBuy >= 0:
		return prevBuy
	default:
		return 0.5
	}
}
