package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
)

// TelegramSender posts alerts to a Telegram chat
type TelegramSender struct {
	bot    *bot.Bot
	chatID string
}

// NewTelegramSender creates a bot client for token. Extra options are passed
// through to bot.New.
func NewTelegramSender(token, chatID string, opts ...bot.Option) (*TelegramSender, error) {
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{bot: b, chatID: chatID}, nil
}

// Send sends the alert as a plain-text message
func (s *TelegramSender) Send(ctx context.Context, payload *AlertPayload) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   buildTelegramText(payload),
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func buildTelegramText(p *AlertPayload) string {
	var b strings.Builder
	b.WriteString(p.Headline())
	b.WriteString("\n")
	b.WriteString(p.MarketTitle)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Closes in: %s\n", p.closeText())
	if w := p.Whales; w != nil {
		fmt.Fprintf(&b, "Whales: %d, %d%% %s, $%s\n", w.Count, w.Strength, strings.ToUpper(w.ConsensusSide), w.TotalUSD)
	}
	for _, sig := range p.Signals {
		if sig.Triggered {
			fmt.Fprintf(&b, "• %s: %.3f\n", humanType(sig.Kind), sig.Value)
		}
	}
	b.WriteString(p.MarketURL)
	return truncate(b.String(), 4096)
}
