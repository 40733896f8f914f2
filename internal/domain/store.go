package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RunStore persists backtest run metadata.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	UpdateSummary(ctx context.Context, id string, summary RunSummary) error
	GetByID(ctx context.Context, id string) (Run, error)
	List(ctx context.Context, opts ListOpts) ([]Run, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Run, error)
}

// TradeStore persists realized trade records.
type TradeStore interface {
	InsertBatch(ctx context.Context, runID string, trades []TradeRecord) error
	ListByRun(ctx context.Context, runID string) ([]TradeRecord, error)
	ListByMarket(ctx context.Context, market string, opts ListOpts) ([]TradeRecord, error)
	SumPnL(ctx context.Context, runID string) (float64, error)
}

// PositionStore persists position artifacts.
type PositionStore interface {
	InsertBatch(ctx context.Context, artifacts []PositionArtifact) error
	GetByID(ctx context.Context, runID, positionID string) (PositionArtifact, error)
	ListByRun(ctx context.Context, runID string) ([]PositionArtifact, error)
}

// SignalStore persists signals fired by the live scanner.
type SignalStore interface {
	Insert(ctx context.Context, ev SignalEvent) error
	ListRecent(ctx context.Context, limit int) ([]SignalEvent, error)
}
