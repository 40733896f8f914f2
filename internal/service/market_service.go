// Package service composes venues, stores, caches and the backtest
// engine into the operations the application modes run.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mazstick/marketlib/internal/domain"
)

// fetchConcurrency bounds parallel venue downloads in FetchAll.
const fetchConcurrency = 4

// MarketService serves candle history and symbol lists with optional
// read-through caching. Nil caches degrade to venue-only reads.
type MarketService struct {
	venue   domain.Venue
	candles domain.CandleCache
	symbols domain.SymbolCache
	logger  *slog.Logger
}

// NewMarketService creates a MarketService over the given venue. Either
// cache may be nil.
func NewMarketService(venue domain.Venue, candles domain.CandleCache, symbols domain.SymbolCache, logger *slog.Logger) *MarketService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketService{
		venue:   venue,
		candles: candles,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// Venue returns the underlying venue name.
func (s *MarketService) Venue() string { return s.venue.Name() }

// GetCandles returns the [from, to] candle range for the symbol,
// checking the cache first and falling back to the venue when the
// cached range is incomplete. Cache failures are logged, never
// returned.
func (s *MarketService) GetCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("market_service: unknown timeframe %q", tf)
	}

	if s.candles != nil {
		cached, err := s.candles.Range(ctx, s.venue.Name(), symbol, tf, from, to)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "candle cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		if len(cached) >= expectedBars(tf, from, to) {
			return cached, nil
		}
	}

	candles, err := s.venue.Klines(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("market_service: klines %s %s: %w", symbol, tf, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if s.candles != nil && len(candles) > 0 {
		if err := s.candles.Put(ctx, s.venue.Name(), symbol, tf, candles); err != nil {
			s.logger.WarnContext(ctx, "candle cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return candles, nil
}

// GetSeries is GetCandles packaged as a validated Series.
func (s *MarketService) GetSeries(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) (*domain.Series, error) {
	candles, err := s.GetCandles(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, err
	}
	series, err := domain.NewSeries(symbol, tf, candles)
	if err != nil {
		return nil, fmt.Errorf("market_service: series %s: %w", symbol, err)
	}
	return series, nil
}

// FetchAll downloads the range for every symbol concurrently. One
// failing symbol fails the whole fetch.
func (s *MarketService) FetchAll(ctx context.Context, symbols []string, tf domain.Timeframe, from, to time.Time) (map[string][]domain.Candle, error) {
	out := make(map[string][]domain.Candle, len(symbols))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			candles, err := s.GetCandles(ctx, symbol, tf, from, to)
			if err != nil {
				return err
			}
			mu.Lock()
			out[symbol] = candles
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSymbols returns the venue's tradable symbols, cached when a
// symbol cache is wired.
func (s *MarketService) ListSymbols(ctx context.Context) ([]string, error) {
	if s.symbols != nil {
		symbols, err := s.symbols.GetSymbols(ctx, s.venue.Name())
		if err == nil {
			return symbols, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "symbol cache read failed",
				slog.String("error", err.Error()),
			)
		}
	}

	symbols, err := s.venue.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: symbols: %w", err)
	}
	if s.symbols != nil {
		if err := s.symbols.SetSymbols(ctx, s.venue.Name(), symbols); err != nil {
			s.logger.WarnContext(ctx, "symbol cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return symbols, nil
}

// LatestPrice returns the venue's latest traded price.
func (s *MarketService) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := s.venue.Price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("market_service: price %s: %w", symbol, err)
	}
	return price, nil
}

// expectedBars is the bar count of a fully populated [from, to] range,
// future bars excluded.
func expectedBars(tf domain.Timeframe, from, to time.Time) int {
	if now := time.Now(); to.After(now) {
		to = now
	}
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from)/tf.Duration()) + 1
}
