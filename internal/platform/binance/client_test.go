package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	c.retryBaseDelay = time.Millisecond
	return c
}

// klineJSON renders one kline row the way the exchange does: a mixed
// array with numeric times and string prices.
func klineJSON(openTime time.Time, o, h, l, cl, v float64) string {
	return fmt.Sprintf(`[%d,"%g","%g","%g","%g","%g",%d,"0",0,"0","0","0"]`,
		openTime.UnixMilli(), o, h, l, cl, v, openTime.Add(time.Hour).UnixMilli()-1)
}

func TestSymbolsFiltersTrading(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING"},
			{"symbol":"DELISTED","status":"BREAK"},
			{"symbol":"ETHUSDT","status":"TRADING"}]}`)
	}))

	got, err := c.Symbols(context.Background())
	if err != nil {
		t.Fatalf("symbols: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("symbols = %v, want %v", got, want)
	}
}

func TestKlinesPaginates(t *testing.T) {
	rows := []string{
		klineJSON(t0, 100, 101, 99, 100.5, 12),
		klineJSON(t0.Add(time.Hour), 100.5, 102, 100, 101, 9),
		klineJSON(t0.Add(2*time.Hour), 101, 103, 101, 102.5, 7),
	}
	var requests int

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1h" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		var page []string
		for i, raw := range rows {
			ts := t0.Add(time.Duration(i) * time.Hour).UnixMilli()
			if ts >= start && ts <= end && len(page) < limit {
				page = append(page, raw)
			}
		}
		fmt.Fprint(w, "["+strings.Join(page, ",")+"]")
	}))
	c.pageLimit = 2

	got, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, t0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2 pages", requests)
	}
	if len(got) != 3 {
		t.Fatalf("candles = %d, want 3", len(got))
	}
	first := got[0]
	if !first.Time.Equal(t0) || first.Open != 100 || first.High != 101 || first.Low != 99 || first.Close != 100.5 || first.Volume != 12 {
		t.Errorf("first candle = %+v", first)
	}
	if !got[2].Time.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last candle time = %s", got[2].Time)
	}
}

func TestKlinesValidatesInput(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", nil)
	if _, err := c.Klines(context.Background(), "BTCUSDT", "7h", t0, t0.Add(time.Hour)); err == nil {
		t.Error("unknown timeframe must fail")
	}
	if _, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, t0.Add(time.Hour), t0); err == nil {
		t.Error("inverted range must fail")
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
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"50000.5"}`)
	}))

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
	}))

	_, err := c.Symbols(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("err = %v", err)
	}
	if requests != maxRetries {
		t.Errorf("requests = %d, want %d", requests, maxRetries)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var requests int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{Code: -1121, Msg: "Invalid symbol."})
	}))

	_, err := c.Price(context.Background(), "NOPE")
	if err == nil || !strings.Contains(err.Error(), "Invalid symbol") {
		t.Fatalf("err = %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want no retries", requests)
	}
}

func TestKlineRowRejectsShortArrays(t *testing.T) {
	var row klineRow
	if err := json.Unmarshal([]byte(`[1709251200000,"1","2"]`), &row); err == nil {
		t.Error("short row must fail")
	}
}
