package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liamashdown/kalshiwatch/internal/config"
	"github.com/liamashdown/kalshiwatch/internal/metrics"
	"github.com/liamashdown/kalshiwatch/internal/ratelimit"
	"github.com/liamashdown/kalshiwatch/internal/secrets"
	"github.com/sirupsen/logrus"
)

const userAgent = "kalshiwatch/1.0"

// ErrNotFound is returned by get when the venue answers 404. The first page
// of a listing treats it as an empty result.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response from the venue.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client handles communication with the Kalshi trade API
type Client struct {
	baseURL        string
	httpClient     *http.Client
	limiter        ratelimit.Limiter
	signer         *Signer
	maxRetries     uint64
	pageLimit      int
	maxMarkets     int
	tickerPrefixes []string
	log            *logrus.Logger

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewClient creates a venue client. Requests are signed only when both an
// API key id and a private key path are configured.
func NewClient(cfg *config.Config, limiter ratelimit.Limiter, log *logrus.Logger) (*Client, error) {
	kc := cfg.Kalshi

	c := &Client{
		baseURL:        strings.TrimRight(kc.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: kc.Timeout},
		limiter:        limiter,
		maxRetries:     kc.MaxRetries,
		pageLimit:      kc.PageLimit,
		maxMarkets:     kc.MaxMarkets,
		tickerPrefixes: kc.TickerPrefixes,
		log:            log,
		now:            time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(kc.MaxRPS)
	}
	if c.pageLimit <= 0 {
		c.pageLimit = 200
	}

	if kc.APIKeyID != "" && kc.PrivateKeyPath != "" {
		pemData, err := secrets.ReadKeyFile(kc.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		signer, err := NewSigner(kc.APIKeyID, pemData)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	} else {
		log.Warn("Kalshi credentials not configured, requests will be unsigned")
	}

	return c, nil
}

// FetchMarkets returns open markets that match one of the categories
// (case-insensitive) or one of the configured ticker prefixes. With no
// categories and no prefixes every open market is returned. A 404 is an
// empty listing only on the first page.
func (c *Client) FetchMarkets(ctx context.Context, categories []string) ([]Market, error) {
	var out []Market
	cursor := ""

	for {
		q := url.Values{}
		q.Set("status", "open")
		q.Set("limit", strconv.Itoa(c.pageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page MarketsResponse
		err := c.get(ctx, "/markets", q, &page)
		if errors.Is(err, ErrNotFound) && cursor == "" {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetch markets: %w", err)
		}

		for _, m := range page.Markets {
			if c.wanted(m, categories) {
				out = append(out, m)
			}
		}

		if page.Cursor == "" || len(page.Markets) == 0 {
			break
		}
		if c.maxMarkets > 0 && len(out) >= c.maxMarkets {
			break
		}
		cursor = page.Cursor
	}

	if c.maxMarkets > 0 && len(out) > c.maxMarkets {
		out = out[:c.maxMarkets]
	}
	return out, nil
}

func (c *Client) wanted(m Market, categories []string) bool {
	if len(categories) == 0 && len(c.tickerPrefixes) == 0 {
		return true
	}
	for _, cat := range categories {
		if strings.EqualFold(m.Category, cat) {
			return true
		}
	}
	for _, p := range c.tickerPrefixes {
		if strings.HasPrefix(m.Ticker, p) {
			return true
		}
	}
	return false
}

// FetchTrades returns trades for ticker created at or after sinceTS (unix
// seconds). A sinceTS of zero fetches the venue's default window.
// A 404 on the first page means no trades; on a later page it is an
// error, since the pages already read are incomplete.
func (c *Client) FetchTrades(ctx context.Context, ticker string, sinceTS int64) ([]Trade, error) {
	var out []Trade
	cursor := ""

	for {
		q := url.Values{}
		q.Set("ticker", ticker)
		q.Set("limit", strconv.Itoa(c.pageLimit))
		if sinceTS > 0 {
			q.Set("min_ts", strconv.FormatInt(sinceTS, 10))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page TradesResponse
		err := c.get(ctx, "/markets/trades", q, &page)
		if errors.Is(err, ErrNotFound) && cursor == "" {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch trades %s: %w", ticker, err)
		}

		out = append(out, page.Trades...)
		if page.Cursor == "" || len(page.Trades) == 0 {
			return out, nil
		}
		cursor = page.Cursor
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("parse URL: %w", err))
	}
	u.RawQuery = query.Encode()

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}
		err := c.do(ctx, path, u, out)
		if err == nil || errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}

		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			return err
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		c.log.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Kalshi request failed, retrying")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, b)
}

func (c *Client) do(ctx context.Context, endpoint string, u *url.URL, out any) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		if err := c.signer.Sign(req, c.now()); err != nil {
			return backoff.Permanent(err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(endpoint, errorStatus(err), time.Since(start))
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordAPIRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorStatus(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "error"
}
