package domain

import (
	"context"
	"time"
)

// Venue is an exchange market-data source. Implementations live under
// internal/platform, one package per exchange.
type Venue interface {
	// Name returns the venue identifier used in cache keys and logs.
	Name() string

	// Symbols lists the markets currently tradable on the venue.
	Symbols(ctx context.Context) ([]string, error)

	// Klines downloads the [from, to] candle range, oldest first.
	Klines(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Candle, error)

	// Price returns the latest traded price for the symbol.
	Price(ctx context.Context, symbol string) (float64, error)
}
