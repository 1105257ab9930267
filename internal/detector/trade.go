// Package detector turns per-market trade histories into anomaly signals and
// a composite severity score. Everything here is pure: no I/O, no clocks.
package detector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a trade's taker bought.
type Side string

const (
	SideYes     Side = "yes"
	SideNo      Side = "no"
	SideUnknown Side = "unknown"
)

// ParseSide maps venue spellings onto Side; anything unrecognised is unknown.
func ParseSide(s string) Side {
	switch s {
	case "yes", "YES", "Yes":
		return SideYes
	case "no", "NO", "No":
		return SideNo
	default:
		return SideUnknown
	}
}

// Trade is the engine's view of an executed trade.
type Trade struct {
	TradeID    string
	Ticker     string
	PriceCents int
	Volume     int64
	Side       Side
	Timestamp  time.Time
}

var hundred = decimal.NewFromInt(100)

// USDValue is volume × price_cents / 100.
func (t Trade) USDValue() decimal.Decimal {
	return decimal.NewFromInt(t.Volume).Mul(decimal.NewFromInt(int64(t.PriceCents))).Div(hundred)
}

// sortedByArrival returns a copy ordered by timestamp, then trade id.
func sortedByArrival(trades []Trade) []Trade {
	out := make([]Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
