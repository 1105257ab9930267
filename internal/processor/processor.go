// Package processor runs the ingestion and detection pipelines and serves
// the read-only queries behind the HTTP API.
package processor

import (
	"context"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/alerts"
	"github.com/liamashdown/kalshiwatch/internal/config"
	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/kalshi"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the pipelines need. *storage.DB implements it.
type Store interface {
	Ping(ctx context.Context) error
	GetState(ctx context.Context, key string) (string, error)
	IngestMarketBatch(ctx context.Context, m *storage.Market, trades []storage.Trade, cursorKey string, cursor int64) error
	CloseMarkets(ctx context.Context, listed []string, now int64) ([]string, error)

	GetMarket(ctx context.Context, ticker string) (*storage.Market, error)
	QueryActiveMarkets(ctx context.Context) ([]storage.Market, error)
	ListMarkets(ctx context.Context, status, category string, limit, offset int) ([]storage.Market, error)

	Snapshot(ctx context.Context, asOf time.Time) (storage.Snapshot, error)
	QueryTrades(ctx context.Context, ticker string, since int64, snap storage.Snapshot) ([]storage.Trade, error)
	QueryWhaleTrades(ctx context.Context, ticker string, since int64, snap storage.Snapshot, minUSD float64) ([]storage.Trade, error)
	RecentTrades(ctx context.Context, ticker string, limit int) ([]storage.Trade, error)

	RecordAnomaly(ctx context.Context, a *storage.Anomaly, cooldown time.Duration) (*storage.Anomaly, bool, error)
	ListAnomalies(ctx context.Context, f storage.AnomalyFilter) ([]storage.Anomaly, int64, error)
	SaveDetectionRun(ctx context.Context, run *storage.DetectionRun) error
	Stats(ctx context.Context, since int64) (*storage.Stats, error)
}

// Venue is the upstream market data source. *kalshi.Client implements it.
type Venue interface {
	FetchMarkets(ctx context.Context, categories []string) ([]kalshi.Market, error)
	FetchTrades(ctx context.Context, ticker string, sinceTS int64) ([]kalshi.Trade, error)
}

// Processor handles ingestion, detection and queries
type Processor struct {
	cfg         *config.Config
	store       Store
	venue       Venue
	alertSender alerts.Sender
	recorder    *Recorder
	scorer      *detector.Scorer
	urgency     detector.UrgencyThresholds
	minAlert    detector.Severity
	log         *logrus.Logger

	now func() time.Time
}

// New creates a new processor. alertSender may be nil to disable alerts.
func New(cfg *config.Config, store Store, venue Venue, alertSender alerts.Sender, log *logrus.Logger) *Processor {
	d := cfg.Detection
	urgency := detector.UrgencyThresholds{
		Critical: d.UrgencyDays.Critical,
		High:     d.UrgencyDays.High,
		Medium:   d.UrgencyDays.Medium,
	}
	w := d.CompositeWeights.Normalized()

	minAlert, ok := detector.ParseSeverity(cfg.Alerts.MinSeverity)
	if !ok {
		minAlert = detector.SeverityHigh
	}

	return &Processor{
		cfg:         cfg,
		store:       store,
		venue:       venue,
		alertSender: alertSender,
		recorder:    NewRecorder(store, d.AnomalyCooldown, log),
		scorer: &detector.Scorer{
			Weights: detector.Weights{
				Volume:      w.Volume,
				VPIN:        w.VPIN,
				Correlation: w.Correlation,
				Whales:      w.Whales,
			},
			ZCeiling:        d.ZCap,
			WhaleSaturation: d.WhaleSaturation,
			Thresholds: detector.SeverityThresholds{
				Medium:   d.SeverityThresholds.Medium,
				High:     d.SeverityThresholds.High,
				Critical: d.SeverityThresholds.Critical,
			},
			Urgency: urgency,
			Boost: detector.UrgencyBoost{
				Critical: d.UrgencyBoost.Critical,
				High:     d.UrgencyBoost.High,
				Medium:   d.UrgencyBoost.Medium,
			},
		},
		urgency:  urgency,
		minAlert: minAlert,
		log:      log,
		now:      time.Now,
	}
}

// Ready reports whether the store is reachable.
func (p *Processor) Ready(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// newWorkerPool returns a semaphore pre-filled with n tokens.
func newWorkerPool(n int) chan struct{} {
	if n < 1 {
		n = 1
	}
	pool := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		pool <- struct{}{}
	}
	return pool
}
