// Package coinex is the REST client for the CoinEx v2 API. Market-data
// endpoints are public; asset endpoints sign every request with the
// account's HMAC key pair.
package coinex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/crypto"
	"github.com/mazstick/marketlib/internal/domain"
)

const (
	// DefaultBaseURL is the CoinEx v2 API root.
	DefaultBaseURL = "https://api.coinex.com/v2"

	// klineLimit is the maximum rows per kline request.
	klineLimit = 1000

	// maxRetries bounds attempts for rate-limited or failing requests.
	maxRetries = 4
)

// Client is the CoinEx v2 REST client. Spot endpoints back the
// domain.Venue surface; the futures and asset families are exposed as
// their own methods.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	logger     *slog.Logger

	// pageLimit and retryBaseDelay are fixed in production and only
	// narrowed by tests.
	pageLimit      int
	retryBaseDelay time.Duration
}

var _ domain.Venue = (*Client)(nil)

// NewClient creates a CoinEx client. An empty baseURL selects the
// production endpoint; a nil auth limits the client to public
// endpoints.
func NewClient(baseURL string, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:           auth,
		logger:         logger.With(slog.String("component", "coinex")),
		pageLimit:      klineLimit,
		retryBaseDelay: 500 * time.Millisecond,
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return "coinex" }

// Symbols returns all spot markets open to API trading.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	return c.symbols(ctx, "/spot/market")
}

// FuturesSymbols returns all futures markets open to API trading.
func (c *Client) FuturesSymbols(ctx context.Context) ([]string, error) {
	return c.symbols(ctx, "/futures/market")
}

func (c *Client) symbols(ctx context.Context, endpoint string) ([]string, error) {
	var markets []marketStatus
	if err := c.get(ctx, endpoint, false, &markets); err != nil {
		return nil, fmt.Errorf("coinex: market status: %w", err)
	}

	symbols := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.IsAPITradingAvailable {
			symbols = append(symbols, m.Market)
		}
	}
	return symbols, nil
}

// Klines downloads spot candles for the [from, to] range, oldest
// first.
func (c *Client) Klines(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	return c.klines(ctx, "/spot/kline", symbol, tf, from, to)
}

// FuturesKlines downloads futures candles for the [from, to] range,
// oldest first.
func (c *Client) FuturesKlines(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	return c.klines(ctx, "/futures/kline", symbol, tf, from, to)
}

func (c *Client) klines(ctx context.Context, endpoint, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("coinex: klines %s: unknown timeframe %q", symbol, tf)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("coinex: klines %s: range end %s before start %s",
			symbol, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	// The kline endpoint anchors at the newest bar and has no time
	// cursor: size one request to reach back to `from`, then trim
	// locally. Ranges further back than pageLimit bars from now are
	// not reachable through this API.
	need := int(time.Since(from)/tf.Duration()) + 1
	if need > c.pageLimit {
		need = c.pageLimit
	}
	if need < 1 {
		need = 1
	}

	params := url.Values{}
	params.Set("market", symbol)
	params.Set("period", periods[tf])
	params.Set("limit", strconv.Itoa(need))

	var rows []klineRow
	if err := c.get(ctx, endpoint+"?"+params.Encode(), false, &rows); err != nil {
		return nil, fmt.Errorf("coinex: klines %s %s: %w", symbol, tf, err)
	}

	out := make([]domain.Candle, 0, len(rows))
	for i := range rows {
		candle, err := rows[i].toCandle()
		if err != nil {
			return nil, fmt.Errorf("coinex: klines %s row %d: %w", symbol, i, err)
		}
		if candle.Time.Before(from) || candle.Time.After(to) {
			continue
		}
		out = append(out, candle)
	}

	c.logger.Debug("klines downloaded",
		slog.String("symbol", symbol),
		slog.String("timeframe", string(tf)),
		slog.Int("candles", len(out)),
	)
	return out, nil
}

// Price returns the latest traded price on the spot market.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("market", symbol)

	var tickers []ticker
	if err := c.get(ctx, "/spot/ticker?"+params.Encode(), false, &tickers); err != nil {
		return 0, fmt.Errorf("coinex: ticker %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("coinex: ticker %s: empty response", symbol)
	}
	price, err := strconv.ParseFloat(tickers[0].Last, 64)
	if err != nil {
		return 0, fmt.Errorf("coinex: ticker %s: parsing %q: %w", symbol, tickers[0].Last, err)
	}
	return price, nil
}

// FuturesTicker returns the one-day futures ticker with index and mark
// prices.
func (c *Client) FuturesTicker(ctx context.Context, symbol string) (FuturesTicker, error) {
	params := url.Values{}
	params.Set("market", symbol)

	var tickers []ticker
	if err := c.get(ctx, "/futures/ticker?"+params.Encode(), false, &tickers); err != nil {
		return FuturesTicker{}, fmt.Errorf("coinex: futures ticker %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return FuturesTicker{}, fmt.Errorf("coinex: futures ticker %s: empty response", symbol)
	}

	t := tickers[0]
	out := FuturesTicker{Market: t.Market}
	for _, f := range []struct {
		raw string
		dst *float64
	}{
		{t.Last, &out.Last},
		{t.IndexPrice, &out.IndexPrice},
		{t.MarkPrice, &out.MarkPrice},
	} {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return FuturesTicker{}, fmt.Errorf("coinex: futures ticker %s: parsing %q: %w", symbol, f.raw, err)
		}
		*f.dst = v
	}
	return out, nil
}

// SpotBalances returns the spot account balances. Requires API
// credentials.
func (c *Client) SpotBalances(ctx context.Context) ([]Balance, error) {
	if c.auth == nil {
		return nil, errors.New("coinex: spot balances: missing API credentials")
	}

	var rows []balanceRow
	if err := c.get(ctx, "/assets/spot/balance", true, &rows); err != nil {
		return nil, fmt.Errorf("coinex: spot balances: %w", err)
	}

	balances := make([]Balance, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toBalance()
		if err != nil {
			return nil, fmt.Errorf("coinex: spot balances %s: %w", rows[i].Ccy, err)
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// get sends a GET request and unwraps the response envelope into out.
func (c *Client) get(ctx context.Context, path string, signed bool, out any) error {
	body, err := c.doGet(ctx, path, signed)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("api code %d: %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// doGet sends a GET request, retrying rate-limited (429) and server
// (5xx) responses with capped exponential backoff. Signed requests
// carry the CoinEx auth headers, recomputed per attempt so the
// timestamp stays fresh.
func (c *Client) doGet(ctx context.Context, path string, signed bool) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	// The signature covers the path as the server sees it, including
	// any prefix carried by the base URL (/v2 in production) and the
	// query string.
	signPath := u.Path
	if u.RawQuery != "" {
		signPath += "?" + u.RawQuery
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, lastErr, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if signed {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
			for k, v := range c.auth.Headers(http.MethodGet, signPath, "") {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &retryableError{
				status:     resp.StatusCode,
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
			continue
		}
		if err := checkStatus(resp.StatusCode, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

// sleep waits out the backoff before the given attempt, honouring the
// context and any server-provided Retry-After.
func (c *Client) sleep(ctx context.Context, lastErr error, attempt int) error {
	delay := c.retryBaseDelay << (attempt - 1)
	if rerr, ok := lastErr.(*retryableError); ok && rerr.retryAfter > delay {
		delay = rerr.retryAfter
	}
	if maxDelay := 30 * time.Second; delay > maxDelay {
		delay = maxDelay
	}

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryableError struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d", e.status)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// checkStatus maps non-2xx, non-retryable status codes to errors. API
// failures usually arrive as a non-zero envelope code with HTTP 200;
// this catches transport-level rejections.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var env envelope
	_ = json.Unmarshal(body, &env)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (code %d)", env.Message, env.Code)
	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s (code %d)", env.Message, env.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (code %d)", env.Message, env.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (code %d)", statusCode, env.Message, env.Code)
	}
}
