package storage

import (
	"time"

	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MarketActive = "active"
	MarketClosed = "closed"
)

// AppState stores application state for checkpointing
type AppState struct {
	StateKey   string `gorm:"primaryKey;size:191"`
	StateValue string `gorm:"type:text;not null"`
	UpdatedTS  int64  `gorm:"not null;index"`
}

func (AppState) TableName() string {
	return "app_state"
}

// Market is a venue contract. Rows are created on discovery and updated on
// every re-fetch, never deleted.
type Market struct {
	Ticker    string `gorm:"primaryKey;size:128" json:"ticker"`
	Title     string `gorm:"size:512" json:"title"`
	Category  string `gorm:"size:128;index" json:"category"`
	CloseTS   int64  `gorm:"not null;default:0" json:"close_ts"` // 0 when unknown
	Status    string `gorm:"size:16;not null;index" json:"status"`
	CreatedTS int64  `gorm:"not null" json:"created_ts"`
	UpdatedTS int64  `gorm:"not null;index" json:"updated_ts"`
}

func (Market) TableName() string {
	return "markets"
}

// CloseTime returns the zero time when the close date is unknown.
func (m *Market) CloseTime() time.Time {
	if m.CloseTS <= 0 {
		return time.Time{}
	}
	return time.Unix(m.CloseTS, 0).UTC()
}

// Trade is an executed trade. (Ticker, TradeID) is the natural key.
// IngestSeq is the ingestion batch that first committed the row; rows
// written outside IngestMarketBatch keep 0 and are always visible.
type Trade struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	Ticker       string `gorm:"size:128;not null;uniqueIndex:idx_trades_ticker_trade_id,priority:1;index:idx_trades_ticker_ts,priority:1" json:"ticker"`
	TradeID      string `gorm:"size:128;not null;uniqueIndex:idx_trades_ticker_trade_id,priority:2" json:"trade_id"`
	PriceCents   int    `gorm:"not null" json:"price_cents"`
	Volume       int64  `gorm:"not null" json:"volume"`
	Side         string `gorm:"size:10;not null" json:"side"`
	TimestampSec int64  `gorm:"not null;index:idx_trades_ticker_ts,priority:2" json:"timestamp"`
	IngestedTS   int64  `gorm:"not null;index" json:"ingested_ts"`
	IngestSeq    int64  `gorm:"not null;default:0;index" json:"-"`
}

func (Trade) TableName() string {
	return "trades"
}

// USDValue is volume × price_cents / 100.
func (t *Trade) USDValue() decimal.Decimal {
	return t.Detector().USDValue()
}

// Detector converts the row into the engine's trade type.
func (t *Trade) Detector() detector.Trade {
	return detector.Trade{
		TradeID:    t.TradeID,
		Ticker:     t.Ticker,
		PriceCents: t.PriceCents,
		Volume:     t.Volume,
		Side:       detector.ParseSide(t.Side),
		Timestamp:  time.Unix(t.TimestampSec, 0).UTC(),
	}
}

// DetectorTrades converts a slice of rows.
func DetectorTrades(rows []Trade) []detector.Trade {
	out := make([]detector.Trade, len(rows))
	for i := range rows {
		out[i] = rows[i].Detector()
	}
	return out
}

// IngestSequence is a single-row counter handed out to ingestion batches
// in commit order.
type IngestSequence struct {
	ID    int   `gorm:"primaryKey;autoIncrement:false"`
	Value int64 `gorm:"not null;default:0"`
}

func (IngestSequence) TableName() string {
	return "ingest_sequence"
}

// AnomalyDetailsVersion is bumped whenever AnomalyDetails changes shape.
const AnomalyDetailsVersion = 1

// AnomalyDetails is the persisted explanation of an anomaly. Each section is
// present only when the corresponding signal was computed.
type AnomalyDetails struct {
	Version     int                `json:"version"`
	Triggered   []string           `json:"triggered"`
	Volume      *VolumeDetails     `json:"volume,omitempty"`
	VPIN        *VPINDetails       `json:"vpin,omitempty"`
	Correlation *CorrelationDetail `json:"correlation,omitempty"`
	Whales      *WhaleDetails      `json:"whales,omitempty"`
	Urgency     *UrgencyDetails    `json:"urgency,omitempty"`
	Signals     []SignalDetail     `json:"signals,omitempty"`
}

type VolumeDetails struct {
	Observed     float64 `json:"observed"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	SampleCount  int     `json:"sample_count"`
	ZScore       float64 `json:"z_score"`
	Capped       bool    `json:"capped"`
	IntervalSecs int64   `json:"interval_secs"`
}

type VPINDetails struct {
	Value   float64 `json:"value"`
	Buckets int     `json:"buckets"`
	Partial bool    `json:"partial"`
}

type CorrelationDetail struct {
	Coefficient float64 `json:"coefficient"`
	Intervals   int     `json:"intervals"`
}

type WhaleDetails struct {
	WhaleCount          int    `json:"whale_count"`
	YesWhales           int    `json:"yes_whales"`
	NoWhales            int    `json:"no_whales"`
	UnknownWhales       int    `json:"unknown_whales"`
	ConsensusSide       string `json:"consensus_side"`
	ConsensusStrength   int    `json:"consensus_strength"`
	TotalWhaleVolumeUSD string `json:"total_whale_volume_usd"`
}

type UrgencyDetails struct {
	DaysToClose *int    `json:"days_to_close,omitempty"`
	Level       string  `json:"level"`
	Boost       float64 `json:"boost"`
}

type SignalDetail struct {
	Kind         string  `json:"kind"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Anomaly is an immutable detection record.
type Anomaly struct {
	ID          int64                              `gorm:"primaryKey;autoIncrement" json:"id"`
	Ticker      string                             `gorm:"size:128;not null;index:idx_anomalies_ticker_type_ts,priority:1" json:"ticker"`
	AnomalyType string                             `gorm:"size:64;not null;index:idx_anomalies_ticker_type_ts,priority:2" json:"anomaly_type"`
	Score       float64                            `gorm:"not null;index" json:"score"`
	Severity    string                             `gorm:"size:16;not null;index" json:"severity"`
	Details     datatypes.JSONType[AnomalyDetails] `json:"details"`
	VPIN        float64                            `gorm:"not null;default:0;index" json:"vpin"`
	WhaleCount  int                                `gorm:"not null;default:0" json:"whale_count"`
	RunID       string                             `gorm:"size:36;index" json:"run_id"`
	DetectedTS  int64                              `gorm:"not null;index;index:idx_anomalies_ticker_type_ts,priority:3" json:"detected_at"`
}

func (Anomaly) TableName() string {
	return "anomalies"
}

// AnomalyObservation records every recorder call, including those folded
// into an existing anomaly during the cooldown.
type AnomalyObservation struct {
	ID          int64   `gorm:"primaryKey;autoIncrement"`
	AnomalyID   int64   `gorm:"not null;index"`
	Ticker      string  `gorm:"size:128;not null;index"`
	AnomalyType string  `gorm:"size:64;not null"`
	Score       float64 `gorm:"not null"`
	Severity    string  `gorm:"size:16;not null"`
	Suppressed  bool    `gorm:"not null;default:false"`
	RunID       string  `gorm:"size:36;index"`
	ObservedTS  int64   `gorm:"not null;index"`
}

func (AnomalyObservation) TableName() string {
	return "anomaly_observations"
}

// DetectionRun summarises one detection cycle.
type DetectionRun struct {
	RunID               string `gorm:"primaryKey;size:36" json:"run_id"`
	StartedTS           int64  `gorm:"not null;index" json:"started_ts"`
	FinishedTS          int64  `gorm:"not null" json:"finished_ts"`
	MarketsTotal        int    `gorm:"not null" json:"markets_total"`
	MarketsProcessed    int    `gorm:"not null" json:"markets_processed"`
	MarketsSkipped      int    `gorm:"not null" json:"markets_skipped"`
	MarketsFailed       int    `gorm:"not null" json:"markets_failed"`
	AnomaliesRecorded   int    `gorm:"not null" json:"anomalies_recorded"`
	AnomaliesSuppressed int    `gorm:"not null" json:"anomalies_suppressed"`
}

func (DetectionRun) TableName() string {
	return "detection_runs"
}

// BeforeCreate hook for timestamps
func (a *AppState) BeforeCreate(tx *gorm.DB) error {
	if a.UpdatedTS == 0 {
		a.UpdatedTS = time.Now().Unix()
	}
	return nil
}

func (m *Market) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().Unix()
	if m.CreatedTS == 0 {
		m.CreatedTS = now
	}
	if m.UpdatedTS == 0 {
		m.UpdatedTS = now
	}
	return nil
}

func (t *Trade) BeforeCreate(tx *gorm.DB) error {
	if t.IngestedTS == 0 {
		t.IngestedTS = time.Now().Unix()
	}
	return nil
}

func (a *Anomaly) BeforeCreate(tx *gorm.DB) error {
	if a.DetectedTS == 0 {
		a.DetectedTS = time.Now().Unix()
	}
	d := a.Details.Data()
	if d.Version == 0 {
		d.Version = AnomalyDetailsVersion
		a.Details = datatypes.NewJSONType(d)
	}
	// Filterable copies of the details.
	if d.VPIN != nil {
		a.VPIN = d.VPIN.Value
	}
	if d.Whales != nil {
		a.WhaleCount = d.Whales.WhaleCount
	}
	return nil
}
