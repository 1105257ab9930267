package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// AnomalyQuery filters ListAnomalies. Days bounds how far back to look.
type AnomalyQuery struct {
	Severity  string
	Days      int
	MinScore  float64
	Ticker    string
	Type      string
	Category  string
	MinVPIN   float64
	HasWhales *bool
	Limit     int
	Offset    int
}

// AnomalyPage is one page of anomalies plus the unpaged match count.
type AnomalyPage struct {
	Anomalies []storage.Anomaly `json:"anomalies"`
	Total     int64             `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// ListAnomalies returns anomalies detected in the last q.Days days, newest
// first.
func (p *Processor) ListAnomalies(ctx context.Context, q AnomalyQuery) (*AnomalyPage, error) {
	if q.Severity != "" {
		if _, ok := detector.ParseSeverity(q.Severity); !ok {
			return nil, fmt.Errorf("invalid severity %q", q.Severity)
		}
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	f := storage.AnomalyFilter{
		Severity:  q.Severity,
		MinScore:  q.MinScore,
		Ticker:    q.Ticker,
		Type:      q.Type,
		Category:  q.Category,
		MinVPIN:   q.MinVPIN,
		HasWhales: q.HasWhales,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if q.Days > 0 {
		f.Since = p.now().Add(-time.Duration(q.Days) * day).Unix()
	}

	rows, total, err := p.store.ListAnomalies(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	if rows == nil {
		rows = []storage.Anomaly{}
	}
	return &AnomalyPage{Anomalies: rows, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// WhaleTrade is a whale-sized trade with its notional value.
type WhaleTrade struct {
	Ticker     string          `json:"ticker"`
	TradeID    string          `json:"trade_id"`
	PriceCents int             `json:"price_cents"`
	Volume     int64           `json:"volume"`
	Side       string          `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
	USDValue   decimal.Decimal `json:"usd_value"`
}

// ListWhaleTrades returns trades worth at least minUSD in the last
// windowHours hours across all markets, newest first. A non-positive minUSD
// uses the configured whale threshold.
func (p *Processor) ListWhaleTrades(ctx context.Context, windowHours int, minUSD float64) ([]WhaleTrade, error) {
	if minUSD <= 0 {
		minUSD = p.cfg.Detection.WhaleUSDThreshold
	}
	now := p.now()
	since := now.Add(-time.Duration(windowHours) * time.Hour)

	snap, err := p.store.Snapshot(ctx, now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	rows, err := p.store.QueryWhaleTrades(ctx, "", since.Unix(), snap, minUSD)
	if err != nil {
		return nil, fmt.Errorf("query whale trades: %w", err)
	}

	out := make([]WhaleTrade, 0, len(rows))
	for i := range rows {
		t := rows[i].Detector()
		out = append(out, WhaleTrade{
			Ticker:     t.Ticker,
			TradeID:    t.TradeID,
			PriceCents: t.PriceCents,
			Volume:     t.Volume,
			Side:       string(t.Side),
			Timestamp:  t.Timestamp,
			USDValue:   t.USDValue(),
		})
	}
	return out, nil
}

// ListWhalePatterns clusters whale trades from the last days days per
// market and returns markets with at least minWhales whales, strongest
// consensus first. A non-positive minWhales uses the configured minimum.
func (p *Processor) ListWhalePatterns(ctx context.Context, days, minWhales int) ([]*detector.WhalePattern, error) {
	if minWhales <= 0 {
		minWhales = p.cfg.Detection.ConsensusMinWhales
	}
	now := p.now()
	since := now.Add(-time.Duration(days) * day)

	snap, err := p.store.Snapshot(ctx, now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	rows, err := p.store.QueryWhaleTrades(ctx, "", since.Unix(), snap, p.cfg.Detection.WhaleUSDThreshold)
	if err != nil {
		return nil, fmt.Errorf("query whale trades: %w", err)
	}

	byTicker := make(map[string][]detector.Trade)
	var order []string
	for i := range rows {
		t := rows[i].Detector()
		if _, ok := byTicker[t.Ticker]; !ok {
			order = append(order, t.Ticker)
		}
		byTicker[t.Ticker] = append(byTicker[t.Ticker], t)
	}

	patterns := make([]*detector.WhalePattern, 0, len(order))
	for _, ticker := range order {
		pat := detector.ClusterWhales(ticker, byTicker[ticker], minWhales)
		if pat == nil {
			continue
		}
		m, err := p.store.GetMarket(ctx, ticker)
		if err != nil {
			return nil, fmt.Errorf("get market %s: %w", ticker, err)
		}
		if m != nil {
			pat.ApplyMarket(m.Title, m.CloseTime(), now, p.urgency)
		}
		patterns = append(patterns, pat)
	}

	detector.SortPatterns(patterns)
	return patterns, nil
}

// ListMarkets pages through known markets.
func (p *Processor) ListMarkets(ctx context.Context, status, category string, limit, offset int) ([]storage.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	markets, err := p.store.ListMarkets(ctx, status, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if markets == nil {
		markets = []storage.Market{}
	}
	return markets, nil
}

// MarketDetail is a market with its latest trades and anomalies.
type MarketDetail struct {
	Market       *storage.Market   `json:"market"`
	DaysToClose  *int              `json:"days_to_close,omitempty"`
	Urgency      detector.Urgency  `json:"urgency"`
	RecentTrades []storage.Trade   `json:"recent_trades"`
	Anomalies    []storage.Anomaly `json:"anomalies"`
}

// MarketDetail returns nil, nil for an unknown ticker.
func (p *Processor) MarketDetail(ctx context.Context, ticker string, tradeLimit int) (*MarketDetail, error) {
	m, err := p.store.GetMarket(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	if tradeLimit <= 0 {
		tradeLimit = 50
	}

	trades, err := p.store.RecentTrades(ctx, ticker, tradeLimit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	anomalies, _, err := p.store.ListAnomalies(ctx, storage.AnomalyFilter{Ticker: ticker, Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	if trades == nil {
		trades = []storage.Trade{}
	}
	if anomalies == nil {
		anomalies = []storage.Anomaly{}
	}

	days := detector.DaysToClose(m.CloseTime(), p.now())
	return &MarketDetail{
		Market:       m,
		DaysToClose:  days,
		Urgency:      p.urgency.Classify(days),
		RecentTrades: trades,
		Anomalies:    anomalies,
	}, nil
}

// Stats summarises the store; the anomaly breakdown covers the last days days.
func (p *Processor) Stats(ctx context.Context, days int) (*storage.Stats, error) {
	if days <= 0 {
		days = 7
	}
	s, err := p.store.Stats(ctx, p.now().Add(-time.Duration(days)*day).Unix())
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
