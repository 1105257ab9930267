package detector

import "math"

// Severity buckets a composite score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts the four lowercase severity names.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// SeverityThresholds are the lower bounds of the upper three bands.
type SeverityThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

var DefaultSeverityThresholds = SeverityThresholds{Medium: 4, High: 6, Critical: 8}

// SeverityFor is non-decreasing in score.
func SeverityFor(score float64, th SeverityThresholds) Severity {
	switch {
	case score >= th.Critical:
		return SeverityCritical
	case score >= th.High:
		return SeverityHigh
	case score >= th.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SignalKind names an anomaly signal; it doubles as the anomaly type.
type SignalKind string

const (
	SignalVolumeSpike    SignalKind = "volume_spike"
	SignalVPINToxicity   SignalKind = "vpin_toxicity"
	SignalCorrelation    SignalKind = "price_volume_correlation"
	SignalWhaleConsensus SignalKind = "whale_consensus"
)

// SignalOrder is the precedence used to break ties between signals.
var SignalOrder = []SignalKind{SignalVolumeSpike, SignalVPINToxicity, SignalCorrelation, SignalWhaleConsensus}

// Weights are the per-signal factors of the composite score.
type Weights struct {
	Volume      float64
	VPIN        float64
	Correlation float64
	Whales      float64
}

func (w Weights) of(k SignalKind) float64 {
	switch k {
	case SignalVolumeSpike:
		return w.Volume
	case SignalVPINToxicity:
		return w.VPIN
	case SignalCorrelation:
		return w.Correlation
	default:
		return w.Whales
	}
}

// UrgencyBoost multiplies the composite score by urgency level.
type UrgencyBoost struct {
	Critical float64
	High     float64
	Medium   float64
}

// For returns the multiplier for u; levels without a boost get 1.
func (b UrgencyBoost) For(u Urgency) float64 {
	var m float64
	switch u {
	case UrgencyCritical:
		m = b.Critical
	case UrgencyHigh:
		m = b.High
	case UrgencyMedium:
		m = b.Medium
	}
	if m <= 0 {
		return 1
	}
	return m
}

// Signals are the raw detector outputs for one market.
type Signals struct {
	Z           float64
	VPIN        float64
	Correlation float64
	WhaleCount  int
}

// Contribution is one signal's share of the composite score.
type Contribution struct {
	Kind       SignalKind
	Value      float64
	Normalized float64 // in [0,1]
	Weighted   float64 // weight × normalized × 10
}

type ScoreResult struct {
	Score         float64
	Severity      Severity
	Urgency       Urgency
	Boost         float64
	Contributions []Contribution
}

// Scorer combines signals into a 0-10 score.
type Scorer struct {
	Weights         Weights
	ZCeiling        float64
	WhaleSaturation int
	Thresholds      SeverityThresholds
	Urgency         UrgencyThresholds
	Boost           UrgencyBoost
}

// Score normalises each signal to [0,1], weights them, scales to 10,
// applies the urgency multiplier and clamps. Volume drops do not add to the
// score, nor does negative correlation.
func (s *Scorer) Score(sig Signals, daysToClose *int) ScoreResult {
	ceiling := s.ZCeiling
	if ceiling <= 0 {
		ceiling = 10
	}
	sat := s.WhaleSaturation
	if sat < 1 {
		sat = 1
	}

	norms := map[SignalKind]struct{ value, norm float64 }{
		SignalVolumeSpike:    {sig.Z, clamp(sig.Z, 0, ceiling) / ceiling},
		SignalVPINToxicity:   {sig.VPIN, clamp(sig.VPIN, 0, 1)},
		SignalCorrelation:    {sig.Correlation, clamp(sig.Correlation, 0, 1)},
		SignalWhaleConsensus: {float64(sig.WhaleCount), float64(min(max(sig.WhaleCount, 0), sat)) / float64(sat)},
	}

	res := ScoreResult{Contributions: make([]Contribution, 0, len(SignalOrder))}
	var raw float64
	for _, k := range SignalOrder {
		n := norms[k].norm
		if math.IsNaN(n) {
			n = 0
		}
		w := s.Weights.of(k) * n * 10
		raw += w
		res.Contributions = append(res.Contributions, Contribution{
			Kind:       k,
			Value:      norms[k].value,
			Normalized: n,
			Weighted:   w,
		})
	}

	res.Urgency = s.Urgency.Classify(daysToClose)
	res.Boost = s.Boost.For(res.Urgency)
	res.Score = clamp(raw*res.Boost, 0, 10)
	if math.IsNaN(res.Score) {
		res.Score = 0
	}
	res.Severity = SeverityFor(res.Score, s.Thresholds)
	return res
}

// Dominant returns the triggered kind with the largest weighted
// contribution, ties going to the earlier kind in SignalOrder.
func (r ScoreResult) Dominant(triggered []SignalKind) (SignalKind, bool) {
	set := make(map[SignalKind]bool, len(triggered))
	for _, k := range triggered {
		set[k] = true
	}
	var (
		best  SignalKind
		bestW = -1.0
	)
	for _, c := range r.Contributions {
		if set[c.Kind] && c.Weighted > bestW {
			best, bestW = c.Kind, c.Weighted
		}
	}
	return best, bestW >= 0
}
