// Package binance is the REST client for the Binance spot API. Only
// public market-data endpoints are used, so requests carry no
// authentication.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

const (
	// DefaultBaseURL is the Binance spot API root.
	DefaultBaseURL = "https://api.binance.com"

	// klineLimit is the maximum rows per klines request.
	klineLimit = 1000

	// maxRetries bounds attempts for rate-limited or failing requests.
	maxRetries = 4
)

// Client is the Binance spot REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// pageLimit and retryBaseDelay are fixed in production and only
	// narrowed by tests.
	pageLimit      int
	retryBaseDelay time.Duration
}

var _ domain.Venue = (*Client)(nil)

// NewClient creates a Binance client. An empty baseURL selects the
// production endpoint.
func NewClient(baseURL string, logger *slog.Logger) *Client {
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
		logger:         logger.With(slog.String("component", "binance")),
		pageLimit:      klineLimit,
		retryBaseDelay: 500 * time.Millisecond,
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return "binance" }

// Symbols returns all symbols currently trading on the spot market.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	body, err := c.doGet(ctx, "/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("binance: decode exchange info: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// Klines downloads the [from, to] candle range, paginating in
// exchange-limit pages. Bars are returned oldest first.
func (c *Client) Klines(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("binance: klines %s: unknown timeframe %q", symbol, tf)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("binance: klines %s: range end %s before start %s",
			symbol, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	step := tf.Duration()
	var out []domain.Candle

	for start := from; !start.After(to); {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", string(tf))
		params.Set("limit", strconv.Itoa(c.pageLimit))
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))

		body, err := c.doGet(ctx, "/api/v3/klines?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, tf, err)
		}

		var rows []klineRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("binance: decode klines %s: %w", symbol, err)
		}
		if len(rows) == 0 {
			break
		}

		for i := range rows {
			candle, err := rows[i].toCandle()
			if err != nil {
				return nil, fmt.Errorf("binance: klines %s row %d: %w", symbol, len(out)+i, err)
			}
			out = append(out, candle)
		}

		if len(rows) < c.pageLimit {
			break
		}
		start = time.UnixMilli(rows[len(rows)-1].OpenTime).UTC().Add(step)
	}

	c.logger.Debug("klines downloaded",
		slog.String("symbol", symbol),
		slog.String("timeframe", string(tf)),
		slog.Int("candles", len(out)),
	)
	return out, nil
}

// Price returns the latest traded price for the symbol.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doGet(ctx, "/api/v3/ticker/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("binance: ticker price %s: %w", symbol, err)
	}

	var ticker tickerPrice
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("binance: decode ticker price: %w", err)
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: ticker price %s: parsing %q: %w", symbol, ticker.Price, err)
	}
	return price, nil
}

// doGet sends a GET request, retrying rate-limited (429) and server
// (5xx) responses with capped exponential backoff. A Retry-After header
// overrides the computed delay.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, lastErr, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

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

// checkStatus maps non-2xx, non-retryable status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (code %d)", apiErr.Msg, apiErr.Code)
	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s (code %d)", apiErr.Msg, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (code %d)", apiErr.Msg, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (code %d)", statusCode, apiErr.Msg, apiErr.Code)
	}
}
