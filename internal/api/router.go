// Package api exposes the detection results over HTTP.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/processor"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service is the read side of the processor.
type Service interface {
	Ready(ctx context.Context) error
	ListAnomalies(ctx context.Context, q processor.AnomalyQuery) (*processor.AnomalyPage, error)
	ListWhaleTrades(ctx context.Context, windowHours int, minUSD float64) ([]processor.WhaleTrade, error)
	ListWhalePatterns(ctx context.Context, days, minWhales int) ([]*detector.WhalePattern, error)
	ListMarkets(ctx context.Context, status, category string, limit, offset int) ([]storage.Market, error)
	MarketDetail(ctx context.Context, ticker string, tradeLimit int) (*processor.MarketDetail, error)
	Stats(ctx context.Context, days int) (*storage.Stats, error)
}

// NewRouter builds the gin engine with health, metrics and /api/v1 routes.
func NewRouter(svc Service, log *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &handler{svc: svc, log: log}

	router.GET("/health", h.health)
	router.GET("/ready", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/anomalies", h.listAnomalies)
		v1.GET("/stats", h.stats)

		whales := v1.Group("/whales")
		{
			whales.GET("/trades", h.listWhaleTrades)
			whales.GET("/patterns", h.listWhalePatterns)
		}

		markets := v1.Group("/markets")
		{
			markets.GET("", h.listMarkets)
			markets.GET("/:ticker", h.marketDetail)
		}
	}

	return router
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(route, status)

		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}
