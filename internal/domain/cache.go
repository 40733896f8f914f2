package domain

import (
	"context"
	"time"
)

// CandleCache stores fetched klines for range reads.
type CandleCache interface {
	Put(ctx context.Context, venue, symbol string, tf Timeframe, candles []Candle) error
	Range(ctx context.Context, venue, symbol string, tf Timeframe, from, to time.Time) ([]Candle, error)
	Latest(ctx context.Context, venue, symbol string, tf Timeframe) (Candle, error)
	Invalidate(ctx context.Context, venue, symbol string, tf Timeframe) error
}

// SymbolCache stores per-venue tradable symbol lists.
type SymbolCache interface {
	SetSymbols(ctx context.Context, venue string, symbols []string) error
	GetSymbols(ctx context.Context, venue string) ([]string, error)
}

// StreamMessage is one durable signal bus entry.
type StreamMessage struct {
	ID    string
	Event SignalEvent
}

// SignalBus fans live scanner signals out to other processes: Publish
// ships an event both ephemerally and to a durable ordered stream,
// Subscribe follows the ephemeral feed, ReadSince replays the stream.
type SignalBus interface {
	Publish(ctx context.Context, ev SignalEvent) error
	Subscribe(ctx context.Context) (<-chan SignalEvent, error)
	ReadSince(ctx context.Context, lastID string, count int) ([]StreamMessage, error)
}
