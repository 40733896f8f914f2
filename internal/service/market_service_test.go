package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// fakeVenue serves canned candles and counts venue hits.
type fakeVenue struct {
	mu          sync.Mutex
	symbols     []string
	candles     map[string][]domain.Candle
	price       float64
	err         error
	klineCalls  int
	symbolCalls int
}

func (v *fakeVenue) Name() string { return "fake" }

func (v *fakeVenue) Symbols(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.symbolCalls++
	return v.symbols, v.err
}

func (v *fakeVenue) Klines(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.klineCalls++
	if v.err != nil {
		return nil, v.err
	}
	candles, ok := v.candles[symbol]
	if !ok {
		return nil, fmt.Errorf("fake venue: unknown symbol %q", symbol)
	}
	return candles, nil
}

func (v *fakeVenue) Price(ctx context.Context, symbol string) (float64, error) {
	if v.err != nil {
		return 0, v.err
	}
	return v.price, nil
}

func (v *fakeVenue) klines() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.klineCalls
}

// memCandleCache is a map-backed CandleCache with injectable failures.
type memCandleCache struct {
	mu       sync.Mutex
	data     map[string][]domain.Candle
	rangeErr error
	putErr   error
	puts     int
}

func newMemCandleCache() *memCandleCache {
	return &memCandleCache{data: make(map[string][]domain.Candle)}
}

func cacheKey(venue, symbol string, tf domain.Timeframe) string {
	return venue + "|" + symbol + "|" + string(tf)
}

func (c *memCandleCache) Put(ctx context.Context, venue, symbol string, tf domain.Timeframe, candles []domain.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.puts++
	c.data[cacheKey(venue, symbol, tf)] = append([]domain.Candle(nil), candles...)
	return nil
}

func (c *memCandleCache) Range(ctx context.Context, venue, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rangeErr != nil {
		return nil, c.rangeErr
	}
	var out []domain.Candle
	for _, candle := range c.data[cacheKey(venue, symbol, tf)] {
		if candle.Time.Before(from) || candle.Time.After(to) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

func (c *memCandleCache) Latest(ctx context.Context, venue, symbol string, tf domain.Timeframe) (domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candles := c.data[cacheKey(venue, symbol, tf)]
	if len(candles) == 0 {
		return domain.Candle{}, domain.ErrNotFound
	}
	return candles[len(candles)-1], nil
}

func (c *memCandleCache) Invalidate(ctx context.Context, venue, symbol string, tf domain.Timeframe) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, cacheKey(venue, symbol, tf))
	return nil
}

// memSymbolCache is a map-backed SymbolCache with injectable failures.
type memSymbolCache struct {
	data   map[string][]string
	getErr error
}

func newMemSymbolCache() *memSymbolCache {
	return &memSymbolCache{data: make(map[string][]string)}
}

func (c *memSymbolCache) SetSymbols(ctx context.Context, venue string, symbols []string) error {
	c.data[venue] = append([]string(nil), symbols...)
	return nil
}

func (c *memSymbolCache) GetSymbols(ctx context.Context, venue string) ([]string, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	symbols, ok := c.data[venue]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return symbols, nil
}

// hourlyCandles builds n consecutive hourly bars ending in the past.
func hourlyCandles(t *testing.T, n int) ([]domain.Candle, time.Time, time.Time) {
	t.Helper()
	start := time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(n+1) * time.Hour)
	candles := make([]domain.Candle, n)
	for i := range candles {
		price := 100 + float64(i)
		c, err := domain.NewCandle(start.Add(time.Duration(i)*time.Hour), price, price+1, price-1, price, 10)
		if err != nil {
			t.Fatalf("NewCandle: %v", err)
		}
		candles[i] = c
	}
	return candles, start, start.Add(time.Duration(n-1) * time.Hour)
}

func TestGetCandlesFetchesAndBackfills(t *testing.T) {
	candles, from, to := hourlyCandles(t, 5)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"BTCUSDT": candles}}
	cache := newMemCandleCache()
	svc := NewMarketService(venue, cache, nil, nil)

	got, err := svc.GetCandles(context.Background(), "BTCUSDT", domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d candles, want 5", len(got))
	}
	if venue.klines() != 1 {
		t.Fatalf("venue hit %d times, want 1", venue.klines())
	}
	if cache.puts != 1 {
		t.Fatalf("cache back-filled %d times, want 1", cache.puts)
	}

	// Second read is served from cache.
	got, err = svc.GetCandles(context.Background(), "BTCUSDT", domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("GetCandles cached: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("cached read got %d candles, want 5", len(got))
	}
	if venue.klines() != 1 {
		t.Fatalf("venue hit %d times after cached read, want 1", venue.klines())
	}
}

func TestGetCandlesPartialCacheRefetches(t *testing.T) {
	candles, from, to := hourlyCandles(t, 5)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"BTCUSDT": candles}}
	cache := newMemCandleCache()
	// Seed the cache with only the first two bars of the range.
	if err := cache.Put(context.Background(), "fake", "BTCUSDT", domain.Timeframe1h, candles[:2]); err != nil {
		t.Fatalf("Put: %v", err)
	}
	svc := NewMarketService(venue, cache, nil, nil)

	got, err := svc.GetCandles(context.Background(), "BTCUSDT", domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d candles, want 5", len(got))
	}
	if venue.klines() != 1 {
		t.Fatalf("venue hit %d times, want 1", venue.klines())
	}
}

func TestGetCandlesCacheFailuresDegrade(t *testing.T) {
	candles, from, to := hourlyCandles(t, 3)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"BTCUSDT": candles}}
	cache := newMemCandleCache()
	cache.rangeErr = errors.New("redis down")
	cache.putErr = errors.New("redis down")
	svc := NewMarketService(venue, cache, nil, nil)

	got, err := svc.GetCandles(context.Background(), "BTCUSDT", domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("GetCandles with broken cache: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candles, want 3", len(got))
	}
}

func TestGetCandlesRejectsUnknownTimeframe(t *testing.T) {
	venue := &fakeVenue{}
	svc := NewMarketService(venue, nil, nil, nil)

	_, err := svc.GetCandles(context.Background(), "BTCUSDT", domain.Timeframe("9h"), time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error for unknown timeframe")
	}
	if venue.klines() != 0 {
		t.Fatalf("venue hit %d times, want 0", venue.klines())
	}
}

func TestGetSeries(t *testing.T) {
	candles, from, to := hourlyCandles(t, 4)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"ETHUSDT": candles}}
	svc := NewMarketService(venue, nil, nil, nil)

	series, err := svc.GetSeries(context.Background(), "ETHUSDT", domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series.Symbol != "ETHUSDT" || series.Timeframe != domain.Timeframe1h {
		t.Fatalf("series identity = %s %s", series.Symbol, series.Timeframe)
	}
	if series.Len() != 4 {
		t.Fatalf("series length = %d, want 4", series.Len())
	}
}

func TestFetchAllFansOut(t *testing.T) {
	candles, from, to := hourlyCandles(t, 3)
	venue := &fakeVenue{candles: map[string][]domain.Candle{
		"BTCUSDT": candles,
		"ETHUSDT": candles,
		"SOLUSDT": candles,
	}}
	svc := NewMarketService(venue, nil, nil, nil)

	got, err := svc.FetchAll(context.Background(), []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, domain.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d symbols, want 3", len(got))
	}
	for symbol, c := range got {
		if len(c) != 3 {
			t.Fatalf("%s: got %d candles, want 3", symbol, len(c))
		}
	}
	if venue.klines() != 3 {
		t.Fatalf("venue hit %d times, want 3", venue.klines())
	}
}

func TestFetchAllPropagatesFailure(t *testing.T) {
	candles, from, to := hourlyCandles(t, 3)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"BTCUSDT": candles}}
	svc := NewMarketService(venue, nil, nil, nil)

	_, err := svc.FetchAll(context.Background(), []string{"BTCUSDT", "NOPEUSDT"}, domain.Timeframe1h, from, to)
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if !strings.Contains(err.Error(), "NOPEUSDT") {
		t.Fatalf("error %q does not name the failing symbol", err)
	}
}

func TestListSymbolsCaches(t *testing.T) {
	venue := &fakeVenue{symbols: []string{"BTCUSDT", "ETHUSDT"}}
	cache := newMemSymbolCache()
	svc := NewMarketService(venue, nil, cache, nil)

	for i := 0; i < 2; i++ {
		symbols, err := svc.ListSymbols(context.Background())
		if err != nil {
			t.Fatalf("ListSymbols #%d: %v", i+1, err)
		}
		if len(symbols) != 2 {
			t.Fatalf("got %d symbols, want 2", len(symbols))
		}
	}
	if venue.symbolCalls != 1 {
		t.Fatalf("venue hit %d times, want 1", venue.symbolCalls)
	}
}

func TestListSymbolsCacheFailureFallsBack(t *testing.T) {
	venue := &fakeVenue{symbols: []string{"BTCUSDT"}}
	cache := newMemSymbolCache()
	cache.getErr = errors.New("redis down")
	svc := NewMarketService(venue, nil, cache, nil)

	symbols, err := svc.ListSymbols(context.Background())
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 1 {
		t.Fatalf("got %d symbols, want 1", len(symbols))
	}
}

func TestLatestPrice(t *testing.T) {
	venue := &fakeVenue{price: 65432.1}
	svc := NewMarketService(venue, nil, nil, nil)

	price, err := svc.LatestPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if price != 65432.1 {
		t.Fatalf("price = %v, want 65432.1", price)
	}

	venue.err = errors.New("boom")
	if _, err := svc.LatestPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected venue error to propagate")
	}
}
