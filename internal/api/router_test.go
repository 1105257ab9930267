package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/processor"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	readyErr error
	queryErr error

	anomalyQuery processor.AnomalyQuery
	whaleHours   int
	whaleMinUSD  float64
	patternDays  int
	patternMin   int
	marketArgs   []any
	detailTicker string
	detailLimit  int
	statsDays    int

	detail *processor.MarketDetail
}

func (f *fakeService) Ready(ctx context.Context) error { return f.readyErr }

func (f *fakeService) ListAnomalies(ctx context.Context, q processor.AnomalyQuery) (*processor.AnomalyPage, error) {
	f.anomalyQuery = q
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &processor.AnomalyPage{
		Anomalies: []storage.Anomaly{{ID: 1, Ticker: "KXA", AnomalyType: "volume_spike", Score: 7.5, Severity: "high"}},
		Total:     1,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}, nil
}

func (f *fakeService) ListWhaleTrades(ctx context.Context, windowHours int, minUSD float64) ([]processor.WhaleTrade, error) {
	f.whaleHours, f.whaleMinUSD = windowHours, minUSD
	return []processor.WhaleTrade{{Ticker: "KXA", TradeID: "t1"}}, f.queryErr
}

func (f *fakeService) ListWhalePatterns(ctx context.Context, days, minWhales int) ([]*detector.WhalePattern, error) {
	f.patternDays, f.patternMin = days, minWhales
	return []*detector.WhalePattern{{Ticker: "KXA", WhaleCount: 3}}, f.queryErr
}

func (f *fakeService) ListMarkets(ctx context.Context, status, category string, limit, offset int) ([]storage.Market, error) {
	f.marketArgs = []any{status, category, limit, offset}
	return []storage.Market{{Ticker: "KXA"}, {Ticker: "KXB"}}, f.queryErr
}

func (f *fakeService) MarketDetail(ctx context.Context, ticker string, tradeLimit int) (*processor.MarketDetail, error) {
	f.detailTicker, f.detailLimit = ticker, tradeLimit
	return f.detail, f.queryErr
}

func (f *fakeService) Stats(ctx context.Context, days int) (*storage.Stats, error) {
	f.statsDays = days
	return &storage.Stats{Markets: 2, Trades: 10}, f.queryErr
}

func boolp(b bool) *bool { return &b }

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewRouter(svc, log)
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = get(t, router, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.readyErr = errors.New("database is locked")
	rec = get(t, router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "database is locked", decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeService{})
	get(t, router, "/health")

	rec := get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kalshiwatch_http_requests_total")
}

func TestListAnomalies(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode int
		want     processor.AnomalyQuery
	}{
		{
			name:     "defaults",
			path:     "/api/v1/anomalies",
			wantCode: http.StatusOK,
			want:     processor.AnomalyQuery{Days: 7, Limit: 50},
		},
		{
			name:     "all filters",
			path:     "/api/v1/anomalies?severity=critical&days=30&min_score=6.5&ticker=KXA&type=whale_consensus&limit=10&offset=20",
			wantCode: http.StatusOK,
			want: processor.AnomalyQuery{
				Severity: "critical", Days: 30, MinScore: 6.5, Ticker: "KXA",
				Type: "whale_consensus", Limit: 10, Offset: 20,
			},
		},
		{
			name:     "detail filters",
			path:     "/api/v1/anomalies?min_vpin=0.6&has_whales=true&category=Economics",
			wantCode: http.StatusOK,
			want: processor.AnomalyQuery{
				Days: 7, Limit: 50, MinVPIN: 0.6, HasWhales: boolp(true), Category: "Economics",
			},
		},
		{
			name:     "without whales",
			path:     "/api/v1/anomalies?has_whales=false",
			wantCode: http.StatusOK,
			want:     processor.AnomalyQuery{Days: 7, Limit: 50, HasWhales: boolp(false)},
		},
		{name: "vpin out of range", path: "/api/v1/anomalies?min_vpin=2", wantCode: http.StatusBadRequest},
		{name: "has_whales not a bool", path: "/api/v1/anomalies?has_whales=maybe", wantCode: http.StatusBadRequest},
		{name: "unknown severity", path: "/api/v1/anomalies?severity=extreme", wantCode: http.StatusBadRequest},
		{name: "unknown type", path: "/api/v1/anomalies?type=insider", wantCode: http.StatusBadRequest},
		{name: "days too large", path: "/api/v1/anomalies?days=1000", wantCode: http.StatusBadRequest},
		{name: "limit too large", path: "/api/v1/anomalies?limit=501", wantCode: http.StatusBadRequest},
		{name: "score out of range", path: "/api/v1/anomalies?min_score=11", wantCode: http.StatusBadRequest},
		{name: "not a number", path: "/api/v1/anomalies?days=week", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := get(t, newTestRouter(svc), tt.path)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				assert.NotEmpty(t, decode(t, rec)["error"])
				return
			}
			assert.Equal(t, tt.want, svc.anomalyQuery)
			assert.EqualValues(t, 1, decode(t, rec)["total"])
		})
	}
}

func TestWhaleRoutes(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := get(t, router, "/api/v1/whales/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, svc.whaleHours)
	assert.Zero(t, svc.whaleMinUSD)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = get(t, router, "/api/v1/whales/trades?window_hours=48&min_usd=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48, svc.whaleHours)
	assert.Equal(t, 1000.0, svc.whaleMinUSD)

	rec = get(t, router, "/api/v1/whales/patterns?days=3&min_whales=4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, svc.patternDays)
	assert.Equal(t, 4, svc.patternMin)

	rec = get(t, router, "/api/v1/whales/patterns?days=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketRoutes(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := get(t, router, "/api/v1/markets?status=active&category=Economics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"active", "Economics", 100, 0}, svc.marketArgs)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = get(t, router, "/api/v1/markets?status=halted")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, router, "/api/v1/markets/KXNOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "KXNOPE", svc.detailTicker)
	assert.Equal(t, 50, svc.detailLimit)

	svc.detail = &processor.MarketDetail{Market: &storage.Market{Ticker: "KXA"}, Urgency: detector.UrgencyHigh}
	rec = get(t, router, "/api/v1/markets/KXA?trades=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.detailLimit)
}

func TestStatsAndErrors(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := get(t, router, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, svc.statsDays)

	svc.queryErr = errors.New("disk I/O error")
	for _, path := range []string{
		"/api/v1/anomalies",
		"/api/v1/whales/trades",
		"/api/v1/whales/patterns",
		"/api/v1/markets",
		"/api/v1/markets/KXA",
		"/api/v1/stats",
	} {
		rec := get(t, router, path)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Equal(t, "internal error", decode(t, rec)["error"], "internal errors are not leaked")
	}
}
