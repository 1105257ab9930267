package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/alerts"
	"github.com/liamashdown/kalshiwatch/internal/config"
	"github.com/liamashdown/kalshiwatch/internal/kalshi"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// asOf is the fixed clock used by pipeline tests.
var asOf = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.Database.Driver = "sqlite"
	cfg.Kalshi.TickerPrefixes = nil
	return cfg
}

func newTestDB(t *testing.T, cfg *config.Config) *storage.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.Database.DSN = fmt.Sprintf("file:proc_%s?mode=memory&cache=shared", name)

	db, err := storage.New(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeVenue struct {
	mu        sync.Mutex
	markets   []kalshi.Market
	marketErr error
	trades    map[string][]kalshi.Trade
	tradeErr  map[string]error
	sinceSeen map[string][]int64
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		trades:    map[string][]kalshi.Trade{},
		tradeErr:  map[string]error{},
		sinceSeen: map[string][]int64{},
	}
}

func (v *fakeVenue) FetchMarkets(ctx context.Context, categories []string) ([]kalshi.Market, error) {
	return v.markets, v.marketErr
}

func (v *fakeVenue) FetchTrades(ctx context.Context, ticker string, sinceTS int64) ([]kalshi.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sinceSeen[ticker] = append(v.sinceSeen[ticker], sinceTS)
	if err := v.tradeErr[ticker]; err != nil {
		return nil, err
	}
	return v.trades[ticker], nil
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []*alerts.AlertPayload
	err      error
}

func (s *recordingSender) Send(ctx context.Context, p *alerts.AlertPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestProcessor(t *testing.T, cfg *config.Config, store Store, venue Venue, sender alerts.Sender) *Processor {
	t.Helper()
	p := New(cfg, store, venue, sender, quietLogger())
	p.now = func() time.Time { return asOf }
	return p
}

func i64(v int64) *int64 { return &v }
func intp(v int) *int    { return &v }

var errVenueDown = errors.New("venue down")
