package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liamashdown/kalshiwatch/internal/detector"
)

// DiscordSender sends alerts to Discord via webhook
type DiscordSender struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscordSender creates a new Discord sender
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends the alert to Discord
func (s *DiscordSender) Send(ctx context.Context, payload *AlertPayload) error {
	webhookPayload := map[string]interface{}{
		"embeds": []interface{}{s.buildEmbed(payload)},
	}

	body, err := json.Marshal(webhookPayload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

func severityColor(p *AlertPayload) int {
	switch p.Severity {
	case detector.SeverityCritical:
		return 0xFF0000
	case detector.SeverityHigh:
		return 0xFF6600
	case detector.SeverityMedium:
		return 0xFFA500
	default:
		return 0x0099FF
	}
}

func (s *DiscordSender) buildEmbed(payload *AlertPayload) map[string]interface{} {
	fields := []map[string]interface{}{
		{"name": "Ticker", "value": fmt.Sprintf("`%s`", payload.Ticker), "inline": true},
		{"name": "Score", "value": fmt.Sprintf("**%.1f/10**", payload.Score), "inline": true},
		{"name": "Closes in", "value": payload.closeText(), "inline": true},
	}

	if w := payload.Whales; w != nil {
		fields = append(fields, map[string]interface{}{
			"name":   "Whales",
			"value":  fmt.Sprintf("%d whales, %d%% %s, $%s", w.Count, w.Strength, strings.ToUpper(w.ConsensusSide), w.TotalUSD),
			"inline": false,
		})
	}

	if len(payload.Signals) > 0 {
		fields = append(fields, map[string]interface{}{
			"name":   "📊 Signals",
			"value":  truncate(formatSignals(payload.Signals), 1000),
			"inline": false,
		})
	}

	return map[string]interface{}{
		"title":       truncate(payload.Headline(), 256),
		"url":         payload.MarketURL,
		"description": truncate(payload.MarketTitle, 2000),
		"color":       severityColor(payload),
		"fields":      fields,
		"footer": map[string]interface{}{
			"text": fmt.Sprintf("kalshiwatch • %s • run %s", payload.Environment, payload.RunID),
		},
		"timestamp": payload.DetectedAt.Format(time.RFC3339),
	}
}

func formatSignals(signals []Signal) string {
	lines := make([]string, 0, len(signals))
	for _, sig := range signals {
		mark := "·"
		if sig.Triggered {
			mark = "⚠️"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %.3f (+%.2f)", mark, humanType(sig.Kind), sig.Value, sig.Contribution))
	}
	return strings.Join(lines, "\n")
}
