package coinex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mazstick/marketlib/internal/crypto"
	"github.com/mazstick/marketlib/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler, auth *crypto.HMACAuth) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, auth, nil)
	c.retryBaseDelay = time.Millisecond
	return c
}

// envelopeJSON wraps data in the v2 response envelope.
func envelopeJSON(data string) string {
	return fmt.Sprintf(`{"code":0,"data":%s,"message":"OK"}`, data)
}

// klineJSON renders one kline entry the way the exchange does: bar
// open time in milliseconds, prices as decimal strings.
func klineJSON(openTime time.Time, o, h, l, cl, v float64) string {
	return fmt.Sprintf(
		`{"market":"BTCUSDT","created_at":%d,"open":"%g","close":"%g","high":"%g","low":"%g","volume":"%g","value":"0"}`,
		openTime.UnixMilli(), o, cl, h, l, v)
}

func TestSymbolsFiltersAPITrading(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spot/market" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, envelopeJSON(`[
			{"market":"BTCUSDT","is_api_trading_available":true},
			{"market":"HALTED","is_api_trading_available":false},
			{"market":"ETHUSDT","is_api_trading_available":true}]`))
	}), nil)

	got, err := c.Symbols(context.Background())
	if err != nil {
		t.Fatalf("symbols: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("symbols = %v, want %v", got, want)
	}
}

func TestKlinesTrimsRange(t *testing.T) {
	t0 := time.Now().UTC().Truncate(time.Hour).Add(-6 * time.Hour)
	rows := []string{
		klineJSON(t0, 100, 101, 99, 100.5, 12),
		klineJSON(t0.Add(time.Hour), 100.5, 102, 100, 101, 9),
		klineJSON(t0.Add(2*time.Hour), 101, 103, 101, 102.5, 7),
		klineJSON(t0.Add(3*time.Hour), 102.5, 104, 102, 103, 5),
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spot/kline" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("market") != "BTCUSDT" || q.Get("period") != "1hour" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if limit, _ := strconv.Atoi(q.Get("limit")); limit < len(rows) {
			t.Errorf("limit = %d, want at least %d", limit, len(rows))
		}
		fmt.Fprint(w, envelopeJSON("["+strings.Join(rows, ",")+"]"))
	}), nil)

	got, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, t0.Add(time.Hour), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candles = %d, want 2 inside range", len(got))
	}
	first := got[0]
	if !first.Time.Equal(t0.Add(time.Hour)) || first.Open != 100.5 || first.High != 102 || first.Low != 100 || first.Close != 101 || first.Volume != 9 {
		t.Errorf("first candle = %+v", first)
	}
	if !got[1].Time.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last candle time = %s", got[1].Time)
	}
}

func TestKlinesValidatesInput(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", nil, nil)
	t0 := time.Now().UTC().Truncate(time.Hour)
	if _, err := c.Klines(context.Background(), "BTCUSDT", "7h", t0.Add(-time.Hour), t0); err == nil {
		t.Error("unknown timeframe must fail")
	}
	if _, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, t0, t0.Add(-time.Hour)); err == nil {
		t.Error("inverted range must fail")
	}
}

func TestPriceReadsFirstTicker(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spot/ticker" || r.URL.Query().Get("market") != "BTCUSDT" {
			t.Errorf("request = %s", r.URL.String())
		}
		fmt.Fprint(w, envelopeJSON(`[{"market":"BTCUSDT","last":"50000.5","open":"49000","close":"50000.5"}]`))
	}), nil)

	price, err := c.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 50000.5 {
		t.Errorf("price = %v, want 50000.5", price)
	}
}

func TestFuturesEndpoints(t *testing.T) {
	t0 := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)
	mux := http.NewServeMux()
	mux.HandleFunc("/futures/market", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelopeJSON(`[{"market":"BTCUSDT","is_api_trading_available":true}]`))
	})
	mux.HandleFunc("/futures/kline", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelopeJSON("["+klineJSON(t0, 100, 101, 99, 100.5, 3)+"]"))
	})
	mux.HandleFunc("/futures/ticker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelopeJSON(`[{"market":"BTCUSDT","last":"50000.5","index_price":"50001","mark_price":"50002.5"}]`))
	})
	c := newTestClient(t, mux, nil)

	symbols, err := c.FuturesSymbols(context.Background())
	if err != nil || len(symbols) != 1 {
		t.Fatalf("futures symbols = %v, %v", symbols, err)
	}

	candles, err := c.FuturesKlines(context.Background(), "BTCUSDT", domain.Timeframe1h, t0, t0.Add(time.Hour))
	if err != nil || len(candles) != 1 {
		t.Fatalf("futures klines = %v, %v", candles, err)
	}

	ticker, err := c.FuturesTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("futures ticker: %v", err)
	}
	want := FuturesTicker{Market: "BTCUSDT", Last: 50000.5, IndexPrice: 50001, MarkPrice: 50002.5}
	if ticker != want {
		t.Errorf("futures ticker = %+v, want %+v", ticker, want)
	}
}

func TestSpotBalancesSignsRequest(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "access", Secret: "topsecret"}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/spot/balance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-COINEX-KEY") != "access" {
			t.Errorf("key header = %s", r.Header.Get("X-COINEX-KEY"))
		}
		ts, err := strconv.ParseInt(r.Header.Get("X-COINEX-TIMESTAMP"), 10, 64)
		if err != nil {
			t.Errorf("timestamp header: %v", err)
		}
		if !crypto.VerifyCoinEx("topsecret", http.MethodGet, r.URL.Path, "", ts, r.Header.Get("X-COINEX-SIGN")) {
			t.Error("signature does not verify")
		}
		fmt.Fprint(w, envelopeJSON(`[
			{"ccy":"USDT","available":"100.5","frozen":"2.25"},
			{"ccy":"BTC","available":"0.5","frozen":"0"}]`))
	}), auth)

	got, err := c.SpotBalances(context.Background())
	if err != nil {
		t.Fatalf("spot balances: %v", err)
	}
	want := []Balance{
		{Currency: "USDT", Available: 100.5, Frozen: 2.25},
		{Currency: "BTC", Available: 0.5, Frozen: 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("balances = %+v, want %+v", got, want)
	}
}

func TestSpotBalancesRequireCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", nil, nil)
	if _, err := c.SpotBalances(context.Background()); err == nil || !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("err = %v, want missing credentials", err)
	}
}

func TestEnvelopeErrorIsNotRetried(t *testing.T) {
	var requests int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"code":3639,"data":{},"message":"market not found"}`)
	}), nil)

	_, err := c.Price(context.Background(), "NOPE")
	if err == nil || !strings.Contains(err.Error(), "market not found") {
		t.Fatalf("err = %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want no retries", requests)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	var requests int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, envelopeJSON(`[{"market":"BTCUSDT","last":"50000.5"}]`))
	}), nil)

	price, err := c.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 50000.5 || requests != 3 {
		t.Errorf("price = %v after %d requests", price, requests)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var requests int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	_, err := c.Symbols(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("err = %v", err)
	}
	if requests != maxRetries {
		t.Errorf("requests = %d, want %d", requests, maxRetries)
	}
}
