package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamashdown/kalshiwatch/internal/alerts"
	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

// RunDetection scores every active market against the trades committed
// before the cycle started. Only taking the snapshot, listing markets or
// persisting the run summary can fail the cycle; market-level errors land
// in the report.
func (p *Processor) RunDetection(ctx context.Context) (*CycleReport, error) {
	asOf := p.now()
	report := &CycleReport{RunID: uuid.NewString(), StartedAt: asOf}

	snap, err := p.store.Snapshot(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("take snapshot: %w", err)
	}

	markets, err := p.store.QueryActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("query active markets: %w", err)
	}
	report.Total = len(markets)

	pool := newWorkerPool(p.cfg.Detection.Workers)
	outcomes := make([]MarketOutcome, len(markets))

	var wg sync.WaitGroup
	for i := range markets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Acquire worker
			select {
			case <-pool:
			case <-ctx.Done():
				outcomes[i] = MarketOutcome{Ticker: markets[i].Ticker, Status: OutcomeFailed, Err: ctx.Err()}
				return
			}
			defer func() { pool <- struct{}{} }()

			outcomes[i] = p.detectWithDeadline(ctx, report.RunID, &markets[i], asOf, snap)
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		report.add(o)
		metrics.RecordMarketOutcome("detection", o.Status)
		if o.Status == OutcomeFailed {
			p.log.WithError(o.Err).WithFields(logrus.Fields{
				"ticker": o.Ticker,
				"run_id": report.RunID,
			}).Warn("Market detection failed, will retry next cycle")
		}
	}

	report.FinishedAt = p.now()
	metrics.RecordCycle("detection", report.Duration())

	if err := p.store.SaveDetectionRun(ctx, report.Run()); err != nil {
		return report, fmt.Errorf("save detection run: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"run_id":     report.RunID,
		"markets":    report.Total,
		"processed":  report.Processed,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
		"recorded":   report.Recorded,
		"suppressed": report.Suppressed,
		"duration":   report.Duration().String(),
	}).Info("Detection cycle complete")

	return report, nil
}

func (p *Processor) detectWithDeadline(ctx context.Context, runID string, m *storage.Market, asOf time.Time, snap storage.Snapshot) MarketOutcome {
	if d := p.cfg.Detection.MarketDeadline; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out := p.detectMarket(ctx, runID, m, asOf, snap)
	if out.Status == OutcomeFailed && errors.Is(out.Err, context.DeadlineExceeded) {
		out.Reason = "deadline_exceeded"
	}
	return out
}

// signalSet is everything computed for one market.
type signalSet struct {
	baseline    detector.Baseline
	volume      detector.ZScoreResult
	vpin        detector.VPINResult
	correlation detector.CorrelationResult
	whales      []detector.Trade
	pattern     *detector.WhalePattern
	daysToClose *int
}

func (p *Processor) detectMarket(ctx context.Context, runID string, m *storage.Market, asOf time.Time, snap storage.Snapshot) MarketOutcome {
	out := MarketOutcome{Ticker: m.Ticker}
	fail := func(err error) MarketOutcome {
		out.Status, out.Err = OutcomeFailed, err
		return out
	}

	sig, err := p.computeSignals(ctx, m, asOf, snap)
	if errors.Is(err, detector.ErrInsufficientData) {
		out.Status, out.Reason = OutcomeSkipped, SkipInsufficientData
		return out
	}
	if err != nil {
		return fail(err)
	}

	res := p.scorer.Score(detector.Signals{
		Z:           sig.volume.Z,
		VPIN:        sig.vpin.Value,
		Correlation: sig.correlation.Coefficient,
		WhaleCount:  len(sig.whales),
	}, sig.daysToClose)
	out.Score = res.Score
	metrics.RecordCompositeScore(res.Score)

	triggered := p.triggers(sig)
	if len(triggered) == 0 {
		out.Status, out.Reason = OutcomeProcessed, SkipNoTrigger
		return out
	}
	if res.Score < p.cfg.Detection.MinRecordScore {
		out.Status, out.Reason = OutcomeProcessed, SkipBelowMinScore
		return out
	}
	kind, _ := res.Dominant(triggered)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	rec, err := p.recorder.Record(ctx, runID, Candidate{
		Ticker:     m.Ticker,
		Kind:       kind,
		Score:      res.Score,
		Severity:   res.Severity,
		Details:    p.details(sig, res, triggered),
		DetectedAt: asOf,
	})
	if err != nil {
		return fail(err)
	}

	out.Status = OutcomeProcessed
	out.Anomaly, out.Suppressed = rec.Anomaly, rec.Suppressed

	if !rec.Suppressed {
		p.sendAlert(ctx, rec.Anomaly, m)
	}
	return out
}

func (p *Processor) computeSignals(ctx context.Context, m *storage.Market, asOf time.Time, snap storage.Snapshot) (*signalSet, error) {
	d := p.cfg.Detection
	obsStart := asOf.Add(-d.IntervalSize)
	since := obsStart.Add(-d.HistoryWindow)

	rows, err := p.store.QueryTrades(ctx, m.Ticker, since.Unix(), snap)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	trades := storage.DetectorTrades(rows)

	baseline, err := detector.ComputeBaseline(trades, obsStart, d.HistoryWindow, d.IntervalSize, d.MinBaselineSamples)
	if err != nil {
		return nil, err
	}

	s := &signalSet{baseline: baseline}
	s.volume = detector.ScoreVolume(detector.IntervalVolume(trades, obsStart, asOf), baseline, d.ZThreshold, d.ZCap)
	s.vpin = detector.ComputeVPIN(trades, d.VPINBucketSize, d.VPINWindowBuckets)
	s.correlation = detector.PriceVolumeCorrelation(trades, asOf.Add(-d.HistoryWindow), asOf, d.IntervalSize)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	whaleRows, err := p.store.QueryWhaleTrades(ctx, m.Ticker, asOf.Add(-d.ConsensusWindow).Unix(), snap, d.WhaleUSDThreshold)
	if err != nil {
		return nil, fmt.Errorf("query whale trades: %w", err)
	}
	s.whales = detector.FilterWhales(storage.DetectorTrades(whaleRows), d.WhaleUSDThreshold)
	s.pattern = detector.ClusterWhales(m.Ticker, s.whales, d.ConsensusMinWhales)
	if s.pattern != nil {
		s.pattern.ApplyMarket(m.Title, m.CloseTime(), asOf, p.urgency)
	}
	s.daysToClose = detector.DaysToClose(m.CloseTime(), asOf)

	return s, nil
}

func (p *Processor) triggers(s *signalSet) []detector.SignalKind {
	d := p.cfg.Detection
	var out []detector.SignalKind
	// Volume drops are reported in details but never trigger on their own.
	if s.volume.Anomalous && s.volume.Z > 0 {
		out = append(out, detector.SignalVolumeSpike)
	}
	if s.vpin.Value >= d.VPINThreshold {
		out = append(out, detector.SignalVPINToxicity)
	}
	if s.correlation.Coefficient >= d.CorrelationThreshold {
		out = append(out, detector.SignalCorrelation)
	}
	if s.pattern != nil && s.pattern.ConsensusStrength >= d.ConsensusStrengthThreshold {
		out = append(out, detector.SignalWhaleConsensus)
	}
	return out
}

func (p *Processor) details(s *signalSet, res detector.ScoreResult, triggered []detector.SignalKind) storage.AnomalyDetails {
	det := storage.AnomalyDetails{
		Version: storage.AnomalyDetailsVersion,
		Volume: &storage.VolumeDetails{
			Observed:     s.volume.Observed,
			Mean:         s.baseline.Mean,
			StdDev:       s.baseline.StdDev,
			SampleCount:  s.baseline.SampleCount,
			ZScore:       s.volume.Z,
			Capped:       s.volume.Capped,
			IntervalSecs: int64(p.cfg.Detection.IntervalSize / time.Second),
		},
		VPIN: &storage.VPINDetails{
			Value:   s.vpin.Value,
			Buckets: s.vpin.Buckets,
			Partial: s.vpin.Partial,
		},
		Correlation: &storage.CorrelationDetail{
			Coefficient: s.correlation.Coefficient,
			Intervals:   s.correlation.Intervals,
		},
		Urgency: &storage.UrgencyDetails{
			DaysToClose: s.daysToClose,
			Level:       string(res.Urgency),
			Boost:       res.Boost,
		},
	}
	for _, k := range triggered {
		det.Triggered = append(det.Triggered, string(k))
	}
	if w := s.pattern; w != nil {
		det.Whales = &storage.WhaleDetails{
			WhaleCount:          w.WhaleCount,
			YesWhales:           w.YesWhales,
			NoWhales:            w.NoWhales,
			UnknownWhales:       w.UnknownWhales,
			ConsensusSide:       string(w.ConsensusSide),
			ConsensusStrength:   w.ConsensusStrength,
			TotalWhaleVolumeUSD: w.TotalWhaleVolumeUSD.String(),
		}
	}
	for _, c := range res.Contributions {
		det.Signals = append(det.Signals, storage.SignalDetail{
			Kind:         string(c.Kind),
			Value:        c.Value,
			Contribution: c.Weighted,
		})
	}
	return det
}

func (p *Processor) sendAlert(ctx context.Context, a *storage.Anomaly, m *storage.Market) {
	if p.alertSender == nil || detector.Severity(a.Severity).Rank() < p.minAlert.Rank() {
		return
	}

	payload := alerts.NewPayload(a, m, p.cfg.Environment)
	if err := p.alertSender.Send(ctx, payload); err != nil {
		metrics.RecordAlertSent(false)
		p.log.WithError(err).WithFields(logrus.Fields{
			"ticker":     a.Ticker,
			"anomaly_id": a.ID,
		}).Error("Failed to send alert")
		return
	}
	metrics.RecordAlertSent(true)
}
