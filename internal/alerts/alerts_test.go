package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/liamashdown/kalshiwatch/internal/detector"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func samplePayload(t *testing.T) *AlertPayload {
	t.Helper()
	days := 5
	a := &storage.Anomaly{
		ID:          42,
		Ticker:      "KXFED-25DEC",
		AnomalyType: string(detector.SignalWhaleConsensus),
		Score:       8.4,
		Severity:    string(detector.SeverityCritical),
		RunID:       "run-1",
		DetectedTS:  1_740_000_000,
		Details: datatypes.NewJSONType(storage.AnomalyDetails{
			Triggered: []string{"whale_consensus"},
			Whales: &storage.WhaleDetails{
				WhaleCount:          3,
				YesWhales:           2,
				NoWhales:            1,
				ConsensusSide:       "yes",
				ConsensusStrength:   67,
				TotalWhaleVolumeUSD: "1750",
			},
			Urgency: &storage.UrgencyDetails{DaysToClose: &days, Level: "critical", Boost: 1.5},
			Signals: []storage.SignalDetail{
				{Kind: "volume_spike", Value: 1.2, Contribution: 0.03},
				{Kind: "whale_consensus", Value: 3, Contribution: 0.15},
			},
		}),
	}
	m := &storage.Market{Ticker: "KXFED-25DEC", Title: "Fed cuts rates in December?"}
	return NewPayload(a, m, "test")
}

func TestNewPayload(t *testing.T) {
	p := samplePayload(t)

	assert.Equal(t, int64(42), p.AnomalyID)
	assert.Equal(t, detector.SeverityCritical, p.Severity)
	assert.Equal(t, "Fed cuts rates in December?", p.MarketTitle)
	assert.Equal(t, "https://kalshi.com/markets/kxfed-25dec", p.MarketURL)
	assert.Equal(t, time.Unix(1_740_000_000, 0).UTC(), p.DetectedAt)
	require.NotNil(t, p.Whales)
	assert.Equal(t, 3, p.Whales.Count)
	assert.Equal(t, "1750", p.Whales.TotalUSD)
	require.NotNil(t, p.DaysToClose)
	assert.Equal(t, 5, *p.DaysToClose)
	require.Len(t, p.Signals, 2)
	assert.False(t, p.Signals[0].Triggered)
	assert.True(t, p.Signals[1].Triggered)
	assert.Equal(t, "[CRITICAL] Whale consensus on KXFED-25DEC (score 8.4/10)", p.Headline())
}

func TestNewPayloadWithoutMarket(t *testing.T) {
	a := &storage.Anomaly{Ticker: "KXA", AnomalyType: "volume_spike", Severity: "medium"}
	p := NewPayload(a, nil, "dev")
	assert.Equal(t, "KXA", p.MarketTitle)
	assert.Nil(t, p.Whales)
	assert.Nil(t, p.DaysToClose)
	assert.Equal(t, "unknown", p.closeText())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	// Each bullet is three bytes, so a byte cut would land mid-rune.
	signals := strings.Repeat("• volume z 4.2\n", 100)
	for _, maxLen := range []int{258, 259, 260, 1000} {
		got := truncate(signals, maxLen)
		assert.True(t, utf8.ValidString(got), maxLen)
		assert.LessOrEqual(t, len(got), maxLen)
		assert.True(t, strings.HasSuffix(got, "..."))
	}
}

func TestLogSender(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	require.NoError(t, NewLogSender(log).Send(context.Background(), samplePayload(t)))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "KXFED-25DEC", entry.Data["ticker"])
	assert.Equal(t, 3, entry.Data["whale_count"])
	assert.Equal(t, 5, entry.Data["days_to_close"])
}

type stubSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubSender) Send(ctx context.Context, payload *AlertPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func TestMultiSenderContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	first := &stubSender{err: boom}
	second := &stubSender{}

	err := NewMultiSender(first, second).Send(context.Background(), samplePayload(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)

	assert.NoError(t, NewMultiSender(&stubSender{}).Send(context.Background(), samplePayload(t)))
}

func TestDiscordSender(t *testing.T) {
	var got map[string][]map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), samplePayload(t)))

	require.Len(t, got["embeds"], 1)
	embed := got["embeds"][0]
	assert.Equal(t, "[CRITICAL] Whale consensus on KXFED-25DEC (score 8.4/10)", embed["title"])
	assert.Equal(t, float64(0xFF0000), embed["color"])
	assert.Equal(t, "https://kalshi.com/markets/kxfed-25dec", embed["url"])
}

func TestDiscordSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), samplePayload(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSMTPSender(t *testing.T) {
	s := NewSMTPSender("mail.example.com", 587, "user", "pw", "from@example.com", []string{"a@example.com", "b@example.com"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), samplePayload(t)))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [CRITICAL] Whale consensus on KXFED-25DEC")
	assert.Contains(t, gotMsg, "To: a@example.com, b@example.com")
	assert.Contains(t, gotMsg, "Consensus:      YES (67%)")
	assert.Contains(t, gotMsg, "<- triggered")
}

func TestSMTPSenderRequiresRecipients(t *testing.T) {
	s := NewSMTPSender("mail.example.com", 25, "", "", "from@example.com", nil)
	assert.Error(t, s.Send(context.Background(), samplePayload(t)))
}

func TestTelegramSender(t *testing.T) {
	var chatID, text, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		chatID = r.FormValue("chat_id")
		text = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"channel"}}}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSender("123:token", "-100", bot.WithServerURL(srv.URL), bot.WithSkipGetMe())
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), samplePayload(t)))

	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Equal(t, "-100", chatID)
	assert.Contains(t, text, "Whale consensus on KXFED-25DEC")
	assert.Contains(t, text, "Whales: 3, 67% YES, $1750")
}
