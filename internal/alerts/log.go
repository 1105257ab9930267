package alerts

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSender sends alerts to the logger
type LogSender struct {
	log *logrus.Logger
}

// NewLogSender creates a new log sender
func NewLogSender(log *logrus.Logger) *LogSender {
	return &LogSender{log: log}
}

// Send logs the alert
func (s *LogSender) Send(ctx context.Context, payload *AlertPayload) error {
	fields := logrus.Fields{
		"anomaly_id":   payload.AnomalyID,
		"severity":     payload.Severity,
		"ticker":       payload.Ticker,
		"market":       payload.MarketTitle,
		"anomaly_type": payload.AnomalyType,
		"score":        payload.Score,
		"run_id":       payload.RunID,
	}
	if payload.Whales != nil {
		fields["whale_count"] = payload.Whales.Count
		fields["consensus_side"] = payload.Whales.ConsensusSide
	}
	if payload.DaysToClose != nil {
		fields["days_to_close"] = *payload.DaysToClose
	}

	s.log.WithFields(fields).Info("Alert generated")
	return nil
}
