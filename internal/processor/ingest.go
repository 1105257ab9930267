package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/kalshi"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

const cursorKeyPrefix = "ingest_cursor:"

// CursorKey is the app_state key holding a ticker's ingestion checkpoint.
func CursorKey(ticker string) string {
	return cursorKeyPrefix + ticker
}

// IngestMarkets fetches markets and their new trades from the venue and
// stores them. A failure to list markets or reach the store aborts the
// cycle; a failure on one market only skips that market.
func (p *Processor) IngestMarkets(ctx context.Context) (*IngestReport, error) {
	report := &IngestReport{StartedAt: p.now(), DropReasons: map[string]int{}}
	defer func() {
		report.FinishedAt = p.now()
		metrics.RecordCycle("ingestion", report.FinishedAt.Sub(report.StartedAt))
	}()

	if err := p.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("store unavailable: %w", err)
	}

	markets, err := p.venue.FetchMarkets(ctx, p.cfg.Kalshi.Categories)
	if err != nil {
		return report, fmt.Errorf("fetch markets: %w", err)
	}
	report.Markets = len(markets)

	p.log.WithField("count", len(markets)).Info("Fetched markets from venue")

	pool := newWorkerPool(p.cfg.Ingestion.Workers)
	results := make([]MarketIngest, len(markets))

	var wg sync.WaitGroup
	for i, m := range markets {
		wg.Add(1)
		go func(i int, m kalshi.Market) {
			defer wg.Done()

			// Acquire worker
			select {
			case <-pool:
			case <-ctx.Done():
				results[i] = MarketIngest{Ticker: m.Ticker, Err: ctx.Err()}
				return
			}
			defer func() { pool <- struct{}{} }()

			results[i] = p.ingestMarket(ctx, m)
		}(i, m)
	}
	wg.Wait()

	for _, r := range results {
		report.Fetched += r.Fetched
		report.Stored += r.Stored
		report.Dropped += len(r.Drops)
		for _, d := range r.Drops {
			report.DropReasons[d.Reason]++
		}

		if r.Err != nil {
			report.Failed++
			metrics.RecordMarketOutcome("ingestion", OutcomeFailed)

			entry := p.log.WithError(r.Err).WithField("ticker", r.Ticker)
			var ie *IngestionError
			if errors.As(r.Err, &ie) {
				entry.Warn("Skipping market this cycle")
			} else {
				entry.Error("Failed to store market batch")
			}
			continue
		}
		report.Succeeded++
		metrics.RecordMarketOutcome("ingestion", OutcomeProcessed)
	}
	report.Results = results

	if ctx.Err() == nil {
		report.Closed = p.closeMarkets(ctx, markets)
	}

	p.log.WithFields(logrus.Fields{
		"markets":   report.Markets,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"fetched":   report.Fetched,
		"stored":    report.Stored,
		"dropped":   report.Dropped,
		"closed":    report.Closed,
	}).Info("Ingestion cycle complete")

	return report, nil
}

// closeMarkets marks markets closed once their close time has passed or
// they drop out of the open listing. An empty listing, or one cut short by
// max_markets, says nothing about absent markets, so only the close time
// applies then.
func (p *Processor) closeMarkets(ctx context.Context, markets []kalshi.Market) int {
	var listed []string
	capped := p.cfg.Kalshi.MaxMarkets > 0 && len(markets) >= p.cfg.Kalshi.MaxMarkets
	if len(markets) > 0 && !capped {
		listed = make([]string, 0, len(markets))
		for _, m := range markets {
			listed = append(listed, m.Ticker)
		}
	}

	closed, err := p.store.CloseMarkets(ctx, listed, p.now().Unix())
	if err != nil {
		p.log.WithError(err).Error("Failed to close out markets")
		return 0
	}
	if len(closed) > 0 {
		p.log.WithFields(logrus.Fields{
			"count":   len(closed),
			"tickers": closed,
		}).Info("Closed markets")
	}
	return len(closed)
}

func (p *Processor) ingestMarket(ctx context.Context, km kalshi.Market) MarketIngest {
	res := MarketIngest{Ticker: km.Ticker}
	now := p.now()

	cursorKey := CursorKey(km.Ticker)
	since, err := p.loadCursor(ctx, cursorKey)
	if err != nil {
		res.Err = fmt.Errorf("load checkpoint: %w", err)
		return res
	}
	if since == 0 && p.cfg.Ingestion.Lookback > 0 {
		since = now.Add(-p.cfg.Ingestion.Lookback).Unix()
	}
	res.Cursor = since

	raw, err := p.venue.FetchTrades(ctx, km.Ticker, since)
	if err != nil {
		res.Err = &IngestionError{Ticker: km.Ticker, Err: err}
		return res
	}
	res.Fetched = len(raw)

	byID := make(map[string]int, len(raw))
	trades := make([]storage.Trade, 0, len(raw))
	for _, kt := range raw {
		tr := ValidateTrade(km.Ticker, kt, now)
		if tr.Err != nil {
			res.Drops = append(res.Drops, tr.Err)
			metrics.RecordDropped(tr.Err.Reason)
			p.log.WithFields(logrus.Fields{
				"ticker":   km.Ticker,
				"trade_id": tr.Err.TradeID,
				"reason":   tr.Err.Reason,
			}).Debug("Dropped trade record")
			continue
		}

		// A page boundary can repeat a trade; keep the last copy.
		if idx, ok := byID[tr.Trade.TradeID]; ok {
			trades[idx] = *tr.Trade
		} else {
			byID[tr.Trade.TradeID] = len(trades)
			trades = append(trades, *tr.Trade)
		}
		if tr.Trade.TimestampSec > res.Cursor {
			res.Cursor = tr.Trade.TimestampSec
		}
	}

	market := MarketFromVenue(km, now)
	if err := p.store.IngestMarketBatch(ctx, market, trades, cursorKey, res.Cursor); err != nil {
		res.Err = err
		for range trades {
			metrics.RecordTradeIngested("error")
		}
		return res
	}

	res.Stored = len(trades)
	for range trades {
		metrics.RecordTradeIngested("stored")
	}
	return res
}

func (p *Processor) loadCursor(ctx context.Context, key string) (int64, error) {
	v, err := p.store.GetState(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.log.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Ignoring malformed checkpoint")
		return 0, nil
	}
	return ts, nil
}

// MarketFromVenue maps a venue market onto a store row. A market whose
// close time is already behind now is closed whatever the venue says.
func MarketFromVenue(km kalshi.Market, now time.Time) *storage.Market {
	m := &storage.Market{
		Ticker:    km.Ticker,
		Title:     km.Title,
		Category:  km.Category,
		Status:    storage.MarketClosed,
		CreatedTS: now.Unix(),
		UpdatedTS: now.Unix(),
	}
	switch strings.ToLower(km.Status) {
	case "open", "active", "initialized", "":
		m.Status = storage.MarketActive
	}
	if ct, err := time.Parse(time.RFC3339, km.CloseTime); err == nil {
		m.CloseTS = ct.Unix()
	}
	if m.CloseTS > 0 && m.CloseTS <= now.Unix() {
		m.Status = storage.MarketClosed
	}
	return m
}

// ValidateTrade turns a venue record into a store row or explains why it
// was rejected. The price is the YES price in cents; when the venue omits
// it, 100 − no_price is used.
func ValidateTrade(ticker string, kt kalshi.Trade, now time.Time) TradeResult {
	reject := func(reason, detail string) TradeResult {
		return TradeResult{Err: &ValidationError{TradeID: kt.TradeID, Reason: reason, Detail: detail}}
	}

	if strings.TrimSpace(kt.TradeID) == "" {
		return reject(ReasonMissingTradeID, "")
	}
	if kt.Ticker != "" && kt.Ticker != ticker {
		return reject(ReasonTickerMismatch, kt.Ticker)
	}
	if kt.Count == nil || *kt.Count <= 0 {
		return reject(ReasonInvalidVolume, "")
	}

	var price int
	switch {
	case kt.YesPrice != nil:
		price = *kt.YesPrice
	case kt.NoPrice != nil:
		price = 100 - *kt.NoPrice
	default:
		return reject(ReasonInvalidPrice, "missing")
	}
	if price < 0 || price > 100 {
		return reject(ReasonInvalidPrice, strconv.Itoa(price))
	}

	ts, err := time.Parse(time.RFC3339, kt.CreatedTime)
	if err != nil {
		return reject(ReasonInvalidTimestamp, kt.CreatedTime)
	}

	side := strings.ToLower(kt.TakerSide)
	if side != "yes" && side != "no" {
		side = "unknown"
	}

	return TradeResult{Trade: &storage.Trade{
		Ticker:       ticker,
		TradeID:      kt.TradeID,
		PriceCents:   price,
		Volume:       *kt.Count,
		Side:         side,
		TimestampSec: ts.Unix(),
		IngestedTS:   now.Unix(),
	}}
}
