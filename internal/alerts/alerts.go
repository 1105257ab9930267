package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/storage"
)

const marketBaseURL = "https://kalshi.com/markets/"

// Signal is one line of the score breakdown.
type Signal struct {
	Kind         string
	Value        float64
	Contribution float64
	Triggered    bool
}

// WhaleSummary describes the whale cluster behind an anomaly, if any.
type WhaleSummary struct {
	Count         int
	ConsensusSide string
	Strength      int
	TotalUSD      string
}

// AlertPayload contains all information for an alert
type AlertPayload struct {
	AnomalyID   int64
	Severity    detector.Severity
	Ticker      string
	MarketTitle string
	MarketURL   string
	AnomalyType string
	Score       float64
	Signals     []Signal
	Whales      *WhaleSummary
	DaysToClose *int
	Urgency     string
	RunID       string
	DetectedAt  time.Time
	Environment string
}

// Sender defines the interface for alert senders
type Sender interface {
	Send(ctx context.Context, payload *AlertPayload) error
}

// NewPayload builds an alert from a recorded anomaly. market may be nil.
func NewPayload(a *storage.Anomaly, market *storage.Market, environment string) *AlertPayload {
	details := a.Details.Data()

	p := &AlertPayload{
		AnomalyID:   a.ID,
		Severity:    detector.Severity(a.Severity),
		Ticker:      a.Ticker,
		MarketTitle: a.Ticker,
		MarketURL:   marketBaseURL + strings.ToLower(a.Ticker),
		AnomalyType: a.AnomalyType,
		Score:       a.Score,
		RunID:       a.RunID,
		DetectedAt:  time.Unix(a.DetectedTS, 0).UTC(),
		Environment: environment,
	}
	if market != nil && market.Title != "" {
		p.MarketTitle = market.Title
	}

	triggered := make(map[string]bool, len(details.Triggered))
	for _, k := range details.Triggered {
		triggered[k] = true
	}
	for _, s := range details.Signals {
		p.Signals = append(p.Signals, Signal{
			Kind:         s.Kind,
			Value:        s.Value,
			Contribution: s.Contribution,
			Triggered:    triggered[s.Kind],
		})
	}

	if w := details.Whales; w != nil {
		p.Whales = &WhaleSummary{
			Count:         w.WhaleCount,
			ConsensusSide: w.ConsensusSide,
			Strength:      w.ConsensusStrength,
			TotalUSD:      w.TotalWhaleVolumeUSD,
		}
	}
	if u := details.Urgency; u != nil {
		p.DaysToClose = u.DaysToClose
		p.Urgency = u.Level
	}
	return p
}

// Headline is the one-line summary shared by every sender.
func (p *AlertPayload) Headline() string {
	return fmt.Sprintf("[%s] %s on %s (score %.1f/10)",
		strings.ToUpper(string(p.Severity)), humanType(p.AnomalyType), p.Ticker, p.Score)
}

func (p *AlertPayload) closeText() string {
	if p.DaysToClose == nil {
		return "unknown"
	}
	return fmt.Sprintf("%dd (%s urgency)", *p.DaysToClose, p.Urgency)
}

func humanType(t string) string {
	switch detector.SignalKind(t) {
	case detector.SignalVolumeSpike:
		return "Volume spike"
	case detector.SignalVPINToxicity:
		return "Toxic order flow"
	case detector.SignalCorrelation:
		return "Price/volume correlation"
	case detector.SignalWhaleConsensus:
		return "Whale consensus"
	}
	return t
}

// truncate caps s at maxLen bytes, cutting on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
