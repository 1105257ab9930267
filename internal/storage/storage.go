package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/liamashdown/kalshiwatch/internal/config"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB wraps the GORM database connection
type DB struct {
	conn *gorm.DB
	log  *logrus.Logger
}

// New opens the configured database, applies pool settings and pings it.
func New(cfg *config.Config, log *logrus.Logger) (*DB, error) {
	gormLogger := logger.New(
		&gormLogAdapter{log: log},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector, err := dialectorFor(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.Database.MaxConns
	if cfg.Database.Driver == "sqlite" {
		// SQLite allows a single writer
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(max(1, maxConns/2))
	sqlDB.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.WithField("driver", cfg.Database.Driver).Info("Database connection established")

	return &DB{conn: conn, log: log}, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate runs GORM auto-migration (for development only)
func (db *DB) AutoMigrate() error {
	return db.conn.AutoMigrate(
		&AppState{},
		&Market{},
		&Trade{},
		&IngestSequence{},
		&Anomaly{},
		&AnomalyObservation{},
		&DetectionRun{},
	)
}

func observe(op string, start time.Time, err error) {
	metrics.RecordDatabaseQuery(op, time.Since(start), err)
}

// GetState retrieves a state value by key
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var state AppState
	result := db.conn.WithContext(ctx).Where("state_key = ?", key).First(&state)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return state.StateValue, nil
}

// SetState sets a state value
func (db *DB) SetState(ctx context.Context, key, value string) error {
	return setState(db.conn.WithContext(ctx), key, value, time.Now().Unix())
}

func setState(tx *gorm.DB, key, value string, now int64) error {
	state := AppState{StateKey: key, StateValue: value, UpdatedTS: now}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_value", "updated_ts"}),
	}).Create(&state).Error
}

var marketUpsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "ticker"}},
	DoUpdates: clause.AssignmentColumns([]string{"title", "category", "close_ts", "status", "updated_ts"}),
}

// Re-ingesting a trade refreshes its mutable fields; ingested_ts keeps the
// first-seen time.
var tradeUpsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "ticker"}, {Name: "trade_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"price_cents", "volume", "side", "timestamp_sec"}),
}

// UpsertMarket inserts a market or refreshes its descriptive fields.
func (db *DB) UpsertMarket(ctx context.Context, m *Market) error {
	start := time.Now()
	err := db.conn.WithContext(ctx).Clauses(marketUpsert).Create(m).Error
	observe("upsert_market", start, err)
	return err
}

// UpsertTrades writes trades keyed on (ticker, trade_id).
func (db *DB) UpsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	start := time.Now()
	err := db.conn.WithContext(ctx).Clauses(tradeUpsert).CreateInBatches(trades, 200).Error
	observe("upsert_trades", start, err)
	return err
}

// IngestMarketBatch upserts a market and its trades and advances the
// market's ingestion checkpoint in a single transaction. New trades are
// tagged with the next ingestion sequence number.
func (db *DB) IngestMarketBatch(ctx context.Context, m *Market, trades []Trade, cursorKey string, cursor int64) error {
	start := time.Now()
	err := db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(marketUpsert).Create(m).Error; err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
		if len(trades) > 0 {
			seq, err := nextIngestSeq(tx)
			if err != nil {
				return err
			}
			for i := range trades {
				trades[i].IngestSeq = seq
			}
			if err := tx.Clauses(tradeUpsert).CreateInBatches(trades, 200).Error; err != nil {
				return fmt.Errorf("upsert trades: %w", err)
			}
		}
		if cursorKey != "" {
			if err := setState(tx, cursorKey, fmt.Sprintf("%d", cursor), m.UpdatedTS); err != nil {
				return fmt.Errorf("set checkpoint: %w", err)
			}
		}
		return nil
	})
	observe("ingest_batch", start, err)
	return err
}

const ingestSequenceRow = 1

// nextIngestSeq increments the batch counter. The row lock it takes is held
// until tx ends, so numbers become visible to readers in commit order.
func nextIngestSeq(tx *gorm.DB) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IngestSequence{ID: ingestSequenceRow}).Error; err != nil {
		return 0, fmt.Errorf("init ingest sequence: %w", err)
	}
	err := tx.Model(&IngestSequence{}).
		Where("id = ?", ingestSequenceRow).
		UpdateColumn("value", gorm.Expr("value + 1")).Error
	if err != nil {
		return 0, fmt.Errorf("bump ingest sequence: %w", err)
	}
	var seq IngestSequence
	if err := tx.Where("id = ?", ingestSequenceRow).First(&seq).Error; err != nil {
		return 0, fmt.Errorf("read ingest sequence: %w", err)
	}
	return seq.Value, nil
}

// Snapshot pins what a reader sees: trades timestamped before AsOf whose
// ingestion batch is Seq or earlier and that were ingested before AsOf.
type Snapshot struct {
	AsOf int64
	Seq  int64
}

// Snapshot captures the last committed ingestion batch. Batches committing
// afterwards get a higher sequence number and stay invisible to it.
func (db *DB) Snapshot(ctx context.Context, asOf time.Time) (Snapshot, error) {
	var seq IngestSequence
	err := db.conn.WithContext(ctx).Where("id = ?", ingestSequenceRow).Limit(1).Find(&seq).Error
	if err != nil {
		return Snapshot{}, fmt.Errorf("read ingest sequence: %w", err)
	}
	return Snapshot{AsOf: asOf.Unix(), Seq: seq.Value}, nil
}

// GetMarket returns nil, nil when the ticker is unknown.
func (db *DB) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	var m Market
	result := db.conn.WithContext(ctx).Where("ticker = ?", ticker).First(&m)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &m, nil
}

// QueryActiveMarkets lists markets with status active, ordered by ticker.
func (db *DB) QueryActiveMarkets(ctx context.Context) ([]Market, error) {
	start := time.Now()
	var markets []Market
	err := db.conn.WithContext(ctx).
		Where("status = ?", MarketActive).
		Order("ticker").
		Find(&markets).Error
	observe("query_active_markets", start, err)
	return markets, err
}

// CloseMarkets marks active markets closed when their close time is at or
// before now, or, when listed is non-nil, when their ticker is not in it.
// It returns the tickers it closed.
func (db *DB) CloseMarkets(ctx context.Context, listed []string, now int64) ([]string, error) {
	start := time.Now()
	var closed []string
	err := db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []Market
		if err := tx.Select("ticker", "close_ts").Where("status = ?", MarketActive).Find(&active).Error; err != nil {
			return fmt.Errorf("list active markets: %w", err)
		}

		var open map[string]bool
		if listed != nil {
			open = make(map[string]bool, len(listed))
			for _, t := range listed {
				open[t] = true
			}
		}
		for _, m := range active {
			expired := m.CloseTS > 0 && m.CloseTS <= now
			delisted := open != nil && !open[m.Ticker]
			if expired || delisted {
				closed = append(closed, m.Ticker)
			}
		}

		for i := 0; i < len(closed); i += 500 {
			chunk := closed[i:min(i+500, len(closed))]
			err := tx.Model(&Market{}).
				Where("ticker IN ? AND status = ?", chunk, MarketActive).
				Updates(map[string]any{"status": MarketClosed, "updated_ts": now}).Error
			if err != nil {
				return fmt.Errorf("close markets: %w", err)
			}
		}
		return nil
	})
	observe("close_markets", start, err)
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// ListMarkets pages through markets, optionally filtered by status and category.
func (db *DB) ListMarkets(ctx context.Context, status, category string, limit, offset int) ([]Market, error) {
	q := db.conn.WithContext(ctx).Model(&Market{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var markets []Market
	err := q.Order("updated_ts DESC, ticker").Limit(limit).Offset(offset).Find(&markets).Error
	return markets, err
}

// QueryTrades returns a ticker's trades timestamped in [since, snap.AsOf)
// that belong to snap, oldest first.
func (db *DB) QueryTrades(ctx context.Context, ticker string, since int64, snap Snapshot) ([]Trade, error) {
	start := time.Now()
	var trades []Trade
	err := db.conn.WithContext(ctx).
		Where("ticker = ? AND timestamp_sec >= ? AND timestamp_sec < ?", ticker, since, snap.AsOf).
		Where("ingested_ts < ? AND ingest_seq <= ?", snap.AsOf, snap.Seq).
		Order("timestamp_sec, trade_id").
		Find(&trades).Error
	observe("query_trades", start, err)
	return trades, err
}

// QueryWhaleTrades returns trades worth at least minUSD timestamped in
// [since, snap.AsOf) that belong to snap, newest first. An empty ticker
// spans all markets.
func (db *DB) QueryWhaleTrades(ctx context.Context, ticker string, since int64, snap Snapshot, minUSD float64) ([]Trade, error) {
	start := time.Now()
	q := db.conn.WithContext(ctx).
		Where("timestamp_sec >= ? AND timestamp_sec < ?", since, snap.AsOf).
		Where("ingested_ts < ? AND ingest_seq <= ?", snap.AsOf, snap.Seq).
		Where("volume * price_cents >= ?", minUSD*100)
	if ticker != "" {
		q = q.Where("ticker = ?", ticker)
	}
	var trades []Trade
	err := q.Order("timestamp_sec DESC, trade_id").Find(&trades).Error
	observe("query_whale_trades", start, err)
	return trades, err
}

// RecentTrades returns the latest trades for a ticker.
func (db *DB) RecentTrades(ctx context.Context, ticker string, limit int) ([]Trade, error) {
	var trades []Trade
	err := db.conn.WithContext(ctx).
		Where("ticker = ?", ticker).
		Order("timestamp_sec DESC, trade_id DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// RecordAnomaly inserts a unless an anomaly with the same ticker and type
// was detected within cooldown before it, in which case the detection is
// folded into that row. Either way an observation is written. It returns
// the stored anomaly and whether the detection was suppressed.
func (db *DB) RecordAnomaly(ctx context.Context, a *Anomaly, cooldown time.Duration) (*Anomaly, bool, error) {
	start := time.Now()
	var (
		stored     *Anomaly
		suppressed bool
	)
	err := db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Anomaly
		res := tx.Where("ticker = ? AND anomaly_type = ? AND detected_ts > ? AND detected_ts <= ?",
			a.Ticker, a.AnomalyType, a.DetectedTS-int64(cooldown/time.Second), a.DetectedTS).
			Order("detected_ts DESC, id DESC").
			Limit(1).
			Find(&existing)
		if res.Error != nil {
			return fmt.Errorf("find recent anomaly: %w", res.Error)
		}

		if res.RowsAffected > 0 {
			stored, suppressed = &existing, true
		} else {
			if err := tx.Create(a).Error; err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
			stored = a
		}

		obs := AnomalyObservation{
			AnomalyID:   stored.ID,
			Ticker:      a.Ticker,
			AnomalyType: a.AnomalyType,
			Score:       a.Score,
			Severity:    a.Severity,
			Suppressed:  suppressed,
			RunID:       a.RunID,
			ObservedTS:  a.DetectedTS,
		}
		if err := tx.Create(&obs).Error; err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
		return nil
	})
	observe("record_anomaly", start, err)
	if err != nil {
		return nil, false, err
	}
	return stored, suppressed, nil
}

// AnomalyFilter narrows ListAnomalies. Zero values mean no constraint.
type AnomalyFilter struct {
	Severity  string
	Since     int64
	MinScore  float64
	Ticker    string
	Type      string
	Category  string
	MinVPIN   float64
	HasWhales *bool // nil keeps all; otherwise with or without a whale cluster
	Limit     int
	Offset    int
}

// ListAnomalies returns matching anomalies newest first and the total
// number of matches ignoring Limit and Offset.
func (db *DB) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, int64, error) {
	start := time.Now()
	q := db.conn.WithContext(ctx).Model(&Anomaly{})
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Since > 0 {
		q = q.Where("detected_ts >= ?", f.Since)
	}
	if f.MinScore > 0 {
		q = q.Where("score >= ?", f.MinScore)
	}
	if f.Ticker != "" {
		q = q.Where("ticker = ?", f.Ticker)
	}
	if f.Type != "" {
		q = q.Where("anomaly_type = ?", f.Type)
	}
	if f.Category != "" {
		q = q.Where("ticker IN (?)", db.conn.Model(&Market{}).Select("ticker").Where("category = ?", f.Category))
	}
	if f.MinVPIN > 0 {
		q = q.Where("vpin >= ?", f.MinVPIN)
	}
	if f.HasWhales != nil {
		if *f.HasWhales {
			q = q.Where("whale_count > 0")
		} else {
			q = q.Where("whale_count = 0")
		}
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		observe("list_anomalies", start, err)
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	var anomalies []Anomaly
	err := q.Order("detected_ts DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&anomalies).Error
	observe("list_anomalies", start, err)
	return anomalies, total, err
}

// CountObservations reports how many detections were folded into an anomaly.
func (db *DB) CountObservations(ctx context.Context, anomalyID int64) (total, suppressed int64, err error) {
	q := db.conn.WithContext(ctx).Model(&AnomalyObservation{}).Where("anomaly_id = ?", anomalyID)
	if err = q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return
	}
	err = q.Where("suppressed = ?", true).Count(&suppressed).Error
	return
}

// SaveDetectionRun persists a cycle summary.
func (db *DB) SaveDetectionRun(ctx context.Context, run *DetectionRun) error {
	start := time.Now()
	err := db.conn.WithContext(ctx).Create(run).Error
	observe("save_detection_run", start, err)
	return err
}

// LatestDetectionRun returns nil, nil before the first cycle completes.
func (db *DB) LatestDetectionRun(ctx context.Context) (*DetectionRun, error) {
	var run DetectionRun
	res := db.conn.WithContext(ctx).Order("started_ts DESC").Limit(1).Find(&run)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &run, nil
}

// Stats is a store-wide summary.
type Stats struct {
	Markets             int64            `json:"markets"`
	ActiveMarkets       int64            `json:"active_markets"`
	Trades              int64            `json:"trades"`
	Anomalies           int64            `json:"anomalies"`
	AnomaliesSince      int64            `json:"anomalies_since"`
	AnomaliesBySeverity map[string]int64 `json:"anomalies_by_severity"`
	LastRun             *DetectionRun    `json:"last_run,omitempty"`
}

// Stats counts markets, trades and anomalies; AnomaliesSince and the
// severity breakdown cover detections at or after since.
func (db *DB) Stats(ctx context.Context, since int64) (*Stats, error) {
	s := &Stats{AnomaliesBySeverity: map[string]int64{}}
	conn := db.conn.WithContext(ctx)

	if err := conn.Model(&Market{}).Count(&s.Markets).Error; err != nil {
		return nil, fmt.Errorf("count markets: %w", err)
	}
	if err := conn.Model(&Market{}).Where("status = ?", MarketActive).Count(&s.ActiveMarkets).Error; err != nil {
		return nil, fmt.Errorf("count active markets: %w", err)
	}
	if err := conn.Model(&Trade{}).Count(&s.Trades).Error; err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	if err := conn.Model(&Anomaly{}).Count(&s.Anomalies).Error; err != nil {
		return nil, fmt.Errorf("count anomalies: %w", err)
	}

	var rows []struct {
		Severity string
		Count    int64
	}
	err := conn.Model(&Anomaly{}).
		Select("severity, COUNT(*) AS count").
		Where("detected_ts >= ?", since).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count anomalies by severity: %w", err)
	}
	for _, r := range rows {
		s.AnomaliesBySeverity[r.Severity] = r.Count
		s.AnomaliesSince += r.Count
	}

	run, err := db.LatestDetectionRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	s.LastRun = run
	return s, nil
}

// gormLogAdapter adapts logrus to GORM's logger interface
type gormLogAdapter struct {
	log *logrus.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
