package processor

import (
	"time"

	"github.com/liamashdown/kalshiwatch/internal/storage"
)

// TradeResult is the outcome of validating one venue record. Exactly one of
// Trade and Err is set.
type TradeResult struct {
	Trade *storage.Trade
	Err   *ValidationError
}

// MarketIngest summarises ingestion of a single market.
type MarketIngest struct {
	Ticker  string
	Fetched int
	Stored  int
	Drops   []*ValidationError
	Cursor  int64
	Err     error
}

// IngestReport summarises one ingestion cycle.
type IngestReport struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Markets     int
	Succeeded   int
	Failed      int
	Fetched     int
	Stored      int
	Dropped     int
	Closed      int
	DropReasons map[string]int
	Results     []MarketIngest
}

// Outcome statuses of a market in a detection cycle.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Skip reasons.
const (
	SkipInsufficientData = "insufficient_data"
	SkipNoTrigger        = "no_trigger"
	SkipBelowMinScore    = "below_min_score"
)

// MarketOutcome is what happened to one market in a detection cycle.
type MarketOutcome struct {
	Ticker     string
	Status     string
	Reason     string
	Err        error
	Score      float64
	Anomaly    *storage.Anomaly
	Suppressed bool
}

// CycleReport summarises one detection cycle.
type CycleReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Processed  int
	Skipped    int
	Failed     int
	Recorded   int
	Suppressed int
	Outcomes   []MarketOutcome
}

// Duration is the wall time of the cycle.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *CycleReport) add(o MarketOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case OutcomeProcessed:
		r.Processed++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	if o.Anomaly != nil {
		if o.Suppressed {
			r.Suppressed++
		} else {
			r.Recorded++
		}
	}
}

// Run converts the report into its persisted form.
func (r *CycleReport) Run() *storage.DetectionRun {
	return &storage.DetectionRun{
		RunID:               r.RunID,
		StartedTS:           r.StartedAt.Unix(),
		FinishedTS:          r.FinishedAt.Unix(),
		MarketsTotal:        r.Total,
		MarketsProcessed:    r.Processed,
		MarketsSkipped:      r.Skipped,
		MarketsFailed:       r.Failed,
		AnomaliesRecorded:   r.Recorded,
		AnomaliesSuppressed: r.Suppressed,
	}
}
