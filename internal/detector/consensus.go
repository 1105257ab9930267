package detector

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ClassifyWhale reports whether a trade's USD value reaches the threshold.
func ClassifyWhale(t Trade, thresholdUSD float64) bool {
	return t.USDValue().GreaterThanOrEqual(decimal.NewFromFloat(thresholdUSD))
}

// FilterWhales keeps the trades ClassifyWhale accepts.
func FilterWhales(trades []Trade, thresholdUSD float64) []Trade {
	var out []Trade
	for _, t := range trades {
		if ClassifyWhale(t, thresholdUSD) {
			out = append(out, t)
		}
	}
	return out
}

// ConsensusSide is the side a majority of whales took, or mixed.
type ConsensusSide string

const (
	ConsensusYes   ConsensusSide = "yes"
	ConsensusNo    ConsensusSide = "no"
	ConsensusMixed ConsensusSide = "mixed"
)

// WhalePattern aggregates whale trades on one market.
type WhalePattern struct {
	Ticker              string          `json:"ticker"`
	Title               string          `json:"title,omitempty"`
	WhaleCount          int             `json:"whale_count"`
	YesWhales           int             `json:"yes_whales"`
	NoWhales            int             `json:"no_whales"`
	UnknownWhales       int             `json:"unknown_whales"`
	ConsensusSide       ConsensusSide   `json:"consensus_side"`
	ConsensusStrength   int             `json:"consensus_strength"`
	TotalWhaleVolumeUSD decimal.Decimal `json:"total_whale_volume_usd"`
	LatestWhaleTime     time.Time       `json:"latest_whale_time"`
	CloseDate           *time.Time      `json:"close_date,omitempty"`
	DaysToClose         *int            `json:"days_to_close,omitempty"`
	Urgency             Urgency         `json:"urgency"`
}

// ClusterWhales groups whale trades for a market. It returns nil when fewer
// than minWhales trades are given. Unknown-side trades count toward
// WhaleCount but not toward the consensus.
func ClusterWhales(ticker string, whales []Trade, minWhales int) *WhalePattern {
	if len(whales) == 0 || len(whales) < minWhales {
		return nil
	}

	p := &WhalePattern{
		Ticker:              ticker,
		WhaleCount:          len(whales),
		TotalWhaleVolumeUSD: decimal.Zero,
		Urgency:             UrgencyLow,
	}
	for _, t := range whales {
		switch t.Side {
		case SideYes:
			p.YesWhales++
		case SideNo:
			p.NoWhales++
		default:
			p.UnknownWhales++
		}
		p.TotalWhaleVolumeUSD = p.TotalWhaleVolumeUSD.Add(t.USDValue())
		if t.Timestamp.After(p.LatestWhaleTime) {
			p.LatestWhaleTime = t.Timestamp
		}
	}

	decided := p.YesWhales + p.NoWhales
	switch {
	case p.YesWhales > p.NoWhales:
		p.ConsensusSide = ConsensusYes
	case p.NoWhales > p.YesWhales:
		p.ConsensusSide = ConsensusNo
	default:
		p.ConsensusSide = ConsensusMixed
	}
	if decided > 0 {
		majority := max(p.YesWhales, p.NoWhales)
		p.ConsensusStrength = int(math.Round(float64(majority) / float64(decided) * 100))
	}
	return p
}

// SortPatterns orders by consensus strength, then total whale volume, both
// descending. Ticker breaks remaining ties so output is stable.
func SortPatterns(patterns []*WhalePattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if a.ConsensusStrength != b.ConsensusStrength {
			return a.ConsensusStrength > b.ConsensusStrength
		}
		if c := a.TotalWhaleVolumeUSD.Cmp(b.TotalWhaleVolumeUSD); c != 0 {
			return c > 0
		}
		return a.Ticker < b.Ticker
	})
}
