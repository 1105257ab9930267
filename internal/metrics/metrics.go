package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	TradesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_trades_ingested_total",
			Help: "Total number of trade records written to the store",
		},
		[]string{"status"}, // ok, dropped
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_records_dropped_total",
			Help: "Total number of venue records dropped during validation",
		},
		[]string{"reason"},
	)

	// Per-market pipeline outcomes
	MarketsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_markets_processed_total",
			Help: "Total number of per-market pipeline outcomes",
		},
		[]string{"pipeline", "outcome"}, // ingestion/detection, processed/skipped/failed
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalshiwatch_cycle_duration_seconds",
			Help:    "Duration of a full pipeline cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"pipeline"},
	)

	// Anomaly metrics
	AnomaliesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_anomalies_recorded_total",
			Help: "Total number of anomalies recorded",
		},
		[]string{"type", "severity"},
	)

	AnomaliesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_anomalies_suppressed_total",
			Help: "Total number of detections folded into an existing anomaly during cooldown",
		},
		[]string{"type"},
	)

	CompositeScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kalshiwatch_composite_scores",
			Help:    "Distribution of composite scores across evaluated markets",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_alerts_sent_total",
			Help: "Total number of alerts sent",
		},
		[]string{"status"},
	)

	// Venue API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_api_requests_total",
			Help: "Total number of venue API requests",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalshiwatch_api_request_duration_seconds",
			Help:    "Duration of venue API requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	RateLimiterFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalshiwatch_rate_limiter_fallbacks_total",
			Help: "Times the distributed limiter was unavailable and the local limiter was used",
		},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalshiwatch_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// HTTP query surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalshiwatch_http_requests_total",
			Help: "Total number of HTTP API requests served",
		},
		[]string{"route", "code"},
	)

	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kalshiwatch_health_status",
			Help: "Health status (1 = healthy, 0 = unhealthy)",
		},
	)
)

func RecordTradeIngested(status string) {
	TradesIngested.WithLabelValues(status).Inc()
}

func RecordDropped(reason string) {
	RecordsDropped.WithLabelValues(reason).Inc()
}

func RecordMarketOutcome(pipeline, outcome string) {
	MarketsProcessed.WithLabelValues(pipeline, outcome).Inc()
}

func RecordCycle(pipeline string, duration time.Duration) {
	CycleDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

func RecordAnomaly(anomalyType, severity string, suppressed bool) {
	if suppressed {
		AnomaliesSuppressed.WithLabelValues(anomalyType).Inc()
		return
	}
	AnomaliesRecorded.WithLabelValues(anomalyType, severity).Inc()
}

func RecordCompositeScore(score float64) {
	CompositeScores.Observe(score)
}

func RecordAlertSent(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	AlertsSent.WithLabelValues(status).Inc()
}

func RecordAPIRequest(endpoint, status string, duration time.Duration) {
	APIRequests.WithLabelValues(endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func RecordRateLimiterFallback() {
	RateLimiterFallbacks.Inc()
}

func RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueries.WithLabelValues(operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordHTTPRequest(route string, code int) {
	HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func RecordHealthCheck(healthy bool) {
	if healthy {
		HealthStatus.Set(1)
	} else {
		HealthStatus.Set(0)
	}
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
