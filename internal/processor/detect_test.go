package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/kalshi"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMarket(t *testing.T, db *storage.DB, ticker string, closeIn time.Duration) {
	t.Helper()
	m := &storage.Market{
		Ticker:    ticker,
		Title:     "Market " + ticker,
		Status:    storage.MarketActive,
		CloseTS:   asOf.Add(closeIn).Unix(),
		UpdatedTS: asOf.Add(-2 * time.Hour).Unix(),
	}
	require.NoError(t, db.UpsertMarket(context.Background(), m))
}

// hourlyTrades writes one yes and one no trade half way through each of the
// given hours before asOf, splitting volumes[i] between them. volumes[0] is
// the hour that ends at asOf.
func hourlyTrades(t *testing.T, db *storage.DB, ticker string, volumes []int64) {
	t.Helper()
	var rows []storage.Trade
	for i, v := range volumes {
		ts := asOf.Add(-time.Duration(i)*time.Hour - 30*time.Minute).Unix()
		rows = append(rows,
			storage.Trade{Ticker: ticker, TradeID: fmt.Sprintf("h%d-y", i), PriceCents: 50, Volume: v / 2, Side: "yes", TimestampSec: ts, IngestedTS: asOf.Add(-time.Minute).Unix()},
			storage.Trade{Ticker: ticker, TradeID: fmt.Sprintf("h%d-n", i), PriceCents: 50, Volume: v - v/2, Side: "no", TimestampSec: ts, IngestedTS: asOf.Add(-time.Minute).Unix()},
		)
	}
	require.NoError(t, db.UpsertTrades(context.Background(), rows))
}

// spikeVolumes is a 24h baseline alternating 90 and 110 (mean 100,
// stddev 10) followed by 200 in the latest hour.
func spikeVolumes() []int64 {
	v := []int64{200}
	for i := 0; i < 24; i++ {
		if i%2 == 0 {
			v = append(v, 90)
		} else {
			v = append(v, 110)
		}
	}
	return v
}

func TestRunDetectionRecordsVolumeSpike(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.MinSeverity = "low"
	db := newTestDB(t, cfg)
	ctx := context.Background()

	seedMarket(t, db, "KXSPIKE", 5*24*time.Hour)
	hourlyTrades(t, db, "KXSPIKE", spikeVolumes())

	sender := &recordingSender{}
	p := newTestProcessor(t, cfg, db, newFakeVenue(), sender)

	report, err := p.RunDetection(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Recorded)

	out := report.Outcomes[0]
	require.NotNil(t, out.Anomaly)
	assert.Equal(t, string(detector.SignalVolumeSpike), out.Anomaly.AnomalyType)
	assert.Equal(t, report.RunID, out.Anomaly.RunID)
	assert.Equal(t, asOf.Unix(), out.Anomaly.DetectedTS)
	assert.GreaterOrEqual(t, out.Anomaly.Score, 0.0)
	assert.LessOrEqual(t, out.Anomaly.Score, 10.0)

	det := out.Anomaly.Details.Data()
	assert.Equal(t, storage.AnomalyDetailsVersion, det.Version)
	assert.Contains(t, det.Triggered, "volume_spike")
	require.NotNil(t, det.Volume)
	assert.InDelta(t, 100, det.Volume.Mean, 1e-9)
	assert.InDelta(t, 10, det.Volume.StdDev, 1e-9)
	assert.InDelta(t, 200, det.Volume.Observed, 1e-9)
	assert.InDelta(t, 10, det.Volume.ZScore, 1e-9)
	require.NotNil(t, det.Urgency)
	assert.Equal(t, "critical", det.Urgency.Level)
	require.NotNil(t, det.Urgency.DaysToClose)
	assert.Equal(t, 5, *det.Urgency.DaysToClose)
	assert.Len(t, det.Signals, 4)

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, "KXSPIKE", sender.payloads[0].Ticker)

	run, err := db.LatestDetectionRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, report.RunID, run.RunID)
	assert.Equal(t, 1, run.AnomaliesRecorded)
}

func TestRunDetectionSuppressesWithinCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.MinSeverity = "low"
	db := newTestDB(t, cfg)
	ctx := context.Background()

	seedMarket(t, db, "KXSPIKE", 60*24*time.Hour)
	hourlyTrades(t, db, "KXSPIKE", spikeVolumes())

	sender := &recordingSender{}
	p := newTestProcessor(t, cfg, db, newFakeVenue(), sender)

	first, err := p.RunDetection(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Recorded)

	// Ten minutes later every trade still falls in the same relative hour.
	p.now = func() time.Time { return asOf.Add(10 * time.Minute) }
	second, err := p.RunDetection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Recorded)
	assert.Equal(t, 1, second.Suppressed)
	assert.True(t, second.Outcomes[0].Suppressed)
	assert.Equal(t, first.Outcomes[0].Anomaly.ID, second.Outcomes[0].Anomaly.ID)

	rows, total, err := db.ListAnomalies(ctx, storage.AnomalyFilter{Ticker: "KXSPIKE"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, rows, 1)

	obs, suppressed, err := db.CountObservations(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), obs)
	assert.Equal(t, int64(1), suppressed)

	assert.Equal(t, 1, sender.count(), "suppressed detections are not alerted")
}

func TestRunDetectionWhaleConsensus(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.VPINThreshold = 0.95
	db := newTestDB(t, cfg)
	ctx := context.Background()

	seedMarket(t, db, "KXWHALE", 20*24*time.Hour)
	flat := make([]int64, 25)
	for i := range flat {
		flat[i] = 100
	}
	hourlyTrades(t, db, "KXWHALE", flat)

	var whales []storage.Trade
	for i := 0; i < 3; i++ {
		whales = append(whales, storage.Trade{
			Ticker:       "KXWHALE",
			TradeID:      fmt.Sprintf("whale-%d", i),
			PriceCents:   50,
			Volume:       1200, // $600
			Side:         "yes",
			TimestampSec: asOf.Add(-time.Duration(3+i)*time.Hour - 20*time.Minute).Unix(),
			IngestedTS:   asOf.Add(-time.Minute).Unix(),
		})
	}
	require.NoError(t, db.UpsertTrades(ctx, whales))

	p := newTestProcessor(t, cfg, db, newFakeVenue(), nil)
	report, err := p.RunDetection(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Recorded)

	a := report.Outcomes[0].Anomaly
	assert.Equal(t, string(detector.SignalWhaleConsensus), a.AnomalyType)

	det := a.Details.Data()
	assert.Equal(t, []string{"whale_consensus"}, det.Triggered)
	require.NotNil(t, det.Whales)
	assert.Equal(t, 3, det.Whales.WhaleCount)
	assert.Equal(t, 3, det.Whales.YesWhales)
	assert.Equal(t, "yes", det.Whales.ConsensusSide)
	assert.Equal(t, 100, det.Whales.ConsensusStrength)
	assert.Equal(t, "1800", det.Whales.TotalWhaleVolumeUSD)
	assert.Equal(t, "high", det.Urgency.Level)
	assert.Less(t, det.Volume.ZScore, 0.0)
}

func TestRunDetectionSnapshotExcludesLateIngestion(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t, cfg)
	ctx := context.Background()

	seedMarket(t, db, "KXLATE", 30*24*time.Hour)
	hourlyTrades(t, db, "KXLATE", spikeVolumes()[1:])

	// The spike arrives after the cycle started.
	require.NoError(t, db.UpsertTrades(ctx, []storage.Trade{{
		Ticker: "KXLATE", TradeID: "late", PriceCents: 50, Volume: 500, Side: "yes",
		TimestampSec: asOf.Add(-10 * time.Minute).Unix(), IngestedTS: asOf.Add(time.Second).Unix(),
	}}))

	p := newTestProcessor(t, cfg, db, newFakeVenue(), nil)
	report, err := p.RunDetection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recorded)
	assert.Equal(t, SkipNoTrigger, report.Outcomes[0].Reason)
}

func TestRunDetectionSkipsInsufficientHistory(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t, cfg)

	seedMarket(t, db, "KXNEW", 30*24*time.Hour)
	hourlyTrades(t, db, "KXNEW", []int64{500, 10})

	p := newTestProcessor(t, cfg, db, newFakeVenue(), nil)
	report, err := p.RunDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, SkipInsufficientData, report.Outcomes[0].Reason)
	assert.Equal(t, 0, report.Recorded)
}

func TestRunDetectionAlertFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.MinSeverity = "low"
	db := newTestDB(t, cfg)

	seedMarket(t, db, "KXSPIKE", 5*24*time.Hour)
	hourlyTrades(t, db, "KXSPIKE", spikeVolumes())

	sender := &recordingSender{err: errVenueDown}
	p := newTestProcessor(t, cfg, db, newFakeVenue(), sender)

	report, err := p.RunDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recorded)
	assert.Equal(t, 1, sender.count())
}

// slowStore blocks trade queries for one ticker until the caller gives up.
type slowStore struct {
	*storage.DB
	slow string
}

func (s *slowStore) QueryTrades(ctx context.Context, ticker string, since int64, snap storage.Snapshot) ([]storage.Trade, error) {
	if ticker == s.slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.DB.QueryTrades(ctx, ticker, since, snap)
}

func TestRunDetectionAbandonsSlowMarket(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.MarketDeadline = 50 * time.Millisecond
	db := newTestDB(t, cfg)

	seedMarket(t, db, "KXFAST", 30*24*time.Hour)
	seedMarket(t, db, "KXSLOW", 30*24*time.Hour)
	hourlyTrades(t, db, "KXFAST", spikeVolumes())

	p := newTestProcessor(t, cfg, &slowStore{DB: db, slow: "KXSLOW"}, newFakeVenue(), nil)
	report, err := p.RunDetection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)
	for _, o := range report.Outcomes {
		if o.Ticker == "KXSLOW" {
			assert.Equal(t, OutcomeFailed, o.Status)
			assert.Equal(t, "deadline_exceeded", o.Reason)
			assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
		}
	}
}

func TestRunDetectionNoActiveMarkets(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t, cfg)

	p := newTestProcessor(t, cfg, db, newFakeVenue(), nil)
	report, err := p.RunDetection(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total)

	run, err := db.LatestDetectionRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, report.RunID, run.RunID)
}

// pausedStore holds the first trade query of a cycle until resume is
// closed, recording which trades the cycle then reads.
type pausedStore struct {
	*storage.DB
	paused chan struct{}
	resume chan struct{}
	once   sync.Once

	mu   sync.Mutex
	seen map[string]bool
}

func newPausedStore(db *storage.DB) *pausedStore {
	return &pausedStore{
		DB:     db,
		paused: make(chan struct{}),
		resume: make(chan struct{}),
		seen:   map[string]bool{},
	}
}

func (s *pausedStore) QueryTrades(ctx context.Context, ticker string, since int64, snap storage.Snapshot) ([]storage.Trade, error) {
	s.once.Do(func() {
		close(s.paused)
		<-s.resume
	})
	rows, err := s.DB.QueryTrades(ctx, ticker, since, snap)
	s.record(rows)
	return rows, err
}

func (s *pausedStore) QueryWhaleTrades(ctx context.Context, ticker string, since int64, snap storage.Snapshot, minUSD float64) ([]storage.Trade, error) {
	rows, err := s.DB.QueryWhaleTrades(ctx, ticker, since, snap, minUSD)
	s.record(rows)
	return rows, err
}

func (s *pausedStore) record(rows []storage.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.seen[r.TradeID] = true
	}
}

func TestRunDetectionIgnoresTradesCommittedMidCycle(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t, cfg)
	ctx := context.Background()

	seedMarket(t, db, "KXA", 5*24*time.Hour)
	hourlyTrades(t, db, "KXA", spikeVolumes())

	// Ingestion runs on a clock just behind detection's, so the late trade's
	// ingestion time alone would place it inside the cycle.
	venue := newFakeVenue()
	venue.markets = []kalshi.Market{{Ticker: "KXA", Title: "Market KXA", Status: "open", CloseTime: asOf.Add(5 * 24 * time.Hour).Format(time.RFC3339)}}
	venue.trades["KXA"] = []kalshi.Trade{{
		TradeID:     "late-whale",
		Count:       i64(40000),
		YesPrice:    intp(50),
		TakerSide:   "yes",
		CreatedTime: asOf.Add(-30 * time.Minute).Format(time.RFC3339),
	}}
	ingest := newTestProcessor(t, cfg, db, venue, nil)
	ingest.now = func() time.Time { return asOf.Add(-10 * time.Second) }

	store := newPausedStore(db)
	detect := newTestProcessor(t, cfg, store, newFakeVenue(), nil)

	type result struct {
		report *CycleReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := detect.RunDetection(ctx)
		done <- result{report, err}
	}()

	select {
	case <-store.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("detection never queried trades")
	}

	ingested, err := ingest.IngestMarkets(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ingested.Stored)

	close(store.resume)
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("detection did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.report.Processed)

	store.mu.Lock()
	assert.True(t, store.seen["h0-y"], "trades committed before the cycle are read")
	assert.False(t, store.seen["late-whale"], "a trade committed mid-cycle stays out of the cycle")
	store.mu.Unlock()

	// The next cycle picks it up.
	snap, err := db.Snapshot(ctx, asOf)
	require.NoError(t, err)
	rows, err := db.QueryWhaleTrades(ctx, "KXA", 0, snap, cfg.Detection.WhaleUSDThreshold)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "late-whale", rows[0].TradeID)
}
