package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/processor"
	"github.com/sirupsen/logrus"
)

type handler struct {
	svc Service
	log *logrus.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type anomaliesQuery struct {
	Severity  string  `form:"severity" binding:"omitempty,oneof=low medium high critical"`
	Days      int     `form:"days,default=7" binding:"min=1,max=365"`
	Limit     int     `form:"limit,default=50" binding:"min=1,max=500"`
	Offset    int     `form:"offset" binding:"min=0"`
	MinScore  float64 `form:"min_score" binding:"min=0,max=10"`
	MinVPIN   float64 `form:"min_vpin" binding:"min=0,max=1"`
	HasWhales *bool   `form:"has_whales"`
	Ticker    string  `form:"ticker" binding:"max=128"`
	Category  string  `form:"category" binding:"max=128"`
	Type      string  `form:"type" binding:"omitempty,oneof=volume_spike vpin_toxicity price_volume_correlation whale_consensus"`
}

type whaleTradesQuery struct {
	WindowHours int     `form:"window_hours,default=24" binding:"min=1,max=720"`
	MinUSD      float64 `form:"min_usd" binding:"min=0"`
}

type whalePatternsQuery struct {
	Days      int `form:"days,default=7" binding:"min=1,max=90"`
	MinWhales int `form:"min_whales,default=2" binding:"min=1,max=100"`
}

type marketsQuery struct {
	Status   string `form:"status" binding:"omitempty,oneof=active closed"`
	Category string `form:"category" binding:"max=128"`
	Limit    int    `form:"limit,default=100" binding:"min=1,max=1000"`
	Offset   int    `form:"offset" binding:"min=0"`
}

type marketDetailQuery struct {
	Trades int `form:"trades,default=50" binding:"min=1,max=500"`
}

type statsQuery struct {
	Days int `form:"days,default=7" binding:"min=1,max=365"`
}

func (h *handler) health(c *gin.Context) {
	metrics.RecordHealthCheck(true)
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (h *handler) ready(c *gin.Context) {
	if err := h.svc.Ready(c.Request.Context()); err != nil {
		metrics.RecordHealthCheck(false)
		h.log.WithError(err).Warn("Readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	metrics.RecordHealthCheck(true)
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handler) listAnomalies(c *gin.Context) {
	var q anomaliesQuery
	if !h.bind(c, &q) {
		return
	}

	page, err := h.svc.ListAnomalies(c.Request.Context(), processor.AnomalyQuery{
		Severity:  q.Severity,
		Days:      q.Days,
		MinScore:  q.MinScore,
		Ticker:    q.Ticker,
		Type:      q.Type,
		Category:  q.Category,
		MinVPIN:   q.MinVPIN,
		HasWhales: q.HasWhales,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) listWhaleTrades(c *gin.Context) {
	var q whaleTradesQuery
	if !h.bind(c, &q) {
		return
	}

	trades, err := h.svc.ListWhaleTrades(c.Request.Context(), q.WindowHours, q.MinUSD)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades), "window_hours": q.WindowHours})
}

func (h *handler) listWhalePatterns(c *gin.Context) {
	var q whalePatternsQuery
	if !h.bind(c, &q) {
		return
	}

	patterns, err := h.svc.ListWhalePatterns(c.Request.Context(), q.Days, q.MinWhales)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns, "count": len(patterns), "days": q.Days})
}

func (h *handler) listMarkets(c *gin.Context) {
	var q marketsQuery
	if !h.bind(c, &q) {
		return
	}

	markets, err := h.svc.ListMarkets(c.Request.Context(), q.Status, q.Category, q.Limit, q.Offset)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets, "count": len(markets)})
}

func (h *handler) marketDetail(c *gin.Context) {
	var q marketDetailQuery
	if !h.bind(c, &q) {
		return
	}

	detail, err := h.svc.MarketDetail(c.Request.Context(), c.Param("ticker"), q.Trades)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if detail == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "market not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *handler) stats(c *gin.Context) {
	var q statsQuery
	if !h.bind(c, &q) {
		return
	}

	stats, err := h.svc.Stats(c.Request.Context(), q.Days)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) bind(c *gin.Context, q any) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *handler) internalError(c *gin.Context, err error) {
	h.log.WithError(err).WithField("route", c.FullPath()).Error("Request failed")
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
