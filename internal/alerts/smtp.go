package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// SMTPSender sends alerts via email
type SMTPSender struct {
	host     string
	port     int
	user     string
	password string
	from     string
	to       []string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(host string, port int, user, password, from string, to []string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
		to:       to,
		sendMail: smtp.SendMail,
	}
}

// Send sends the alert via email
func (s *SMTPSender) Send(ctx context.Context, payload *AlertPayload) error {
	if len(s.to) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", payload.Headline())
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(s.buildEmailBody(payload))

	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.password, s.host)
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	if err := s.sendMail(addr, auth, s.from, s.to, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *SMTPSender) buildEmailBody(payload *AlertPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "KALSHIWATCH ALERT - %s\n", strings.ToUpper(string(payload.Severity)))
	b.WriteString("═══════════════════════════════════════\n\n")

	b.WriteString("ANOMALY\n")
	b.WriteString("─────────────────────────────────────\n")
	fmt.Fprintf(&b, "Type:           %s\n", humanType(payload.AnomalyType))
	fmt.Fprintf(&b, "Score:          %.2f / 10\n", payload.Score)
	fmt.Fprintf(&b, "Detected:       %s\n", payload.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Run:            %s\n\n", payload.RunID)

	b.WriteString("MARKET\n")
	b.WriteString("─────────────────────────────────────\n")
	fmt.Fprintf(&b, "Ticker:         %s\n", payload.Ticker)
	fmt.Fprintf(&b, "Title:          %s\n", payload.MarketTitle)
	fmt.Fprintf(&b, "Closes in:      %s\n", payload.closeText())
	fmt.Fprintf(&b, "URL:            %s\n\n", payload.MarketURL)

	if w := payload.Whales; w != nil {
		b.WriteString("WHALES\n")
		b.WriteString("─────────────────────────────────────\n")
		fmt.Fprintf(&b, "Count:          %d\n", w.Count)
		fmt.Fprintf(&b, "Consensus:      %s (%d%%)\n", strings.ToUpper(w.ConsensusSide), w.Strength)
		fmt.Fprintf(&b, "Volume:         $%s\n\n", w.TotalUSD)
	}

	if len(payload.Signals) > 0 {
		b.WriteString("SIGNALS\n")
		b.WriteString("─────────────────────────────────────\n")
		for _, sig := range payload.Signals {
			flag := ""
			if sig.Triggered {
				flag = "  <- triggered"
			}
			fmt.Fprintf(&b, "%-26s %8.3f  +%.2f%s\n", humanType(sig.Kind)+":", sig.Value, sig.Contribution, flag)
		}
		b.WriteString("\n")
	}

	b.WriteString("═══════════════════════════════════════\n")
	fmt.Fprintf(&b, "Environment: %s\n", payload.Environment)
	b.WriteString("\nNote: This system detects statistically unusual trading;\n")
	b.WriteString("it does NOT prove insider trading.\n")
	return b.String()
}
