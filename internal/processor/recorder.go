package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type anomalyWriter interface {
	RecordAnomaly(ctx context.Context, a *storage.Anomaly, cooldown time.Duration) (*storage.Anomaly, bool, error)
}

// Candidate is a detection that crossed its thresholds.
type Candidate struct {
	Ticker     string
	Kind       detector.SignalKind
	Score      float64
	Severity   detector.Severity
	Details    storage.AnomalyDetails
	DetectedAt time.Time
}

// RecordResult reports what the recorder did with a candidate. When
// Suppressed is set, Anomaly is the earlier row the detection was folded into.
type RecordResult struct {
	Anomaly    *storage.Anomaly
	Suppressed bool
}

// Recorder persists anomalies, collapsing repeats of the same ticker and
// type inside the cooldown into the first row.
type Recorder struct {
	store    anomalyWriter
	cooldown time.Duration
	log      *logrus.Logger
}

func NewRecorder(store anomalyWriter, cooldown time.Duration, log *logrus.Logger) *Recorder {
	return &Recorder{store: store, cooldown: cooldown, log: log}
}

func (r *Recorder) Record(ctx context.Context, runID string, c Candidate) (RecordResult, error) {
	a := &storage.Anomaly{
		Ticker:      c.Ticker,
		AnomalyType: string(c.Kind),
		Score:       c.Score,
		Severity:    string(c.Severity),
		Details:     datatypes.NewJSONType(c.Details),
		RunID:       runID,
		DetectedTS:  c.DetectedAt.Unix(),
	}

	stored, suppressed, err := r.store.RecordAnomaly(ctx, a, r.cooldown)
	if err != nil {
		return RecordResult{}, fmt.Errorf("record anomaly %s/%s: %w", c.Ticker, c.Kind, err)
	}
	metrics.RecordAnomaly(a.AnomalyType, a.Severity, suppressed)

	entry := r.log.WithFields(logrus.Fields{
		"ticker":       c.Ticker,
		"anomaly_type": c.Kind,
		"score":        c.Score,
		"severity":     c.Severity,
		"anomaly_id":   stored.ID,
		"run_id":       runID,
	})
	if suppressed {
		entry.Debug("Anomaly within cooldown, folded into existing record")
	} else {
		entry.Info("Anomaly recorded")
	}

	return RecordResult{Anomaly: stored, Suppressed: suppressed}, nil
}
