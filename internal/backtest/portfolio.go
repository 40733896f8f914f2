package backtest

import "github.com/mazstick/marketlib/internal/domain"

// Portfolio groups the positions opened against one asset during a
// simulation. It is a dumb container: risk sizing and exit logic live
// with the caller and the positions themselves.
type Portfolio struct {
	Asset         string
	AssetCurrency string
	Positions     []*Position
}

// NewPortfolio creates a portfolio for one asset. An empty currency
// defaults to USDT.
func NewPortfolio(asset, assetCurrency string) *Portfolio {
	if assetCurrency == "" {
		assetCurrency = "USDT"
	}
	return &Portfolio{Asset: asset, AssetCurrency: assetCurrency}
}

// OpenPosition opens a new position and tracks it.
func (pf *Portfolio) OpenPosition(params PositionParams) *Position {
	if params.Market == "" {
		params.Market = pf.Asset
	}
	pos := NewPosition(params)
	pf.Positions = append(pf.Positions, pos)
	return pos
}

// OpenPositions returns the positions still holding size.
func (pf *Portfolio) OpenPositions() []*Position {
	var open []*Position
	for _, p := range pf.Positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open
}

// ClosedPositions returns the positions that have fully exited.
func (pf *Portfolio) ClosedPositions() []*Position {
	var closed []*Position
	for _, p := range pf.Positions {
		if !p.IsOpen() {
			closed = append(closed, p)
		}
	}
	return closed
}

// TotalRealizedPnL sums realized PnL across all positions, fees
// included.
func (pf *Portfolio) TotalRealizedPnL() float64 {
	var total float64
	for _, p := range pf.Positions {
		total += p.RealizedPnL
	}
	return total
}

// TotalUnrealizedPnL marks every open position at the given price.
func (pf *Portfolio) TotalUnrealizedPnL(markPrice float64) float64 {
	var total float64
	for _, p := range pf.Positions {
		if p.IsOpen() {
			total += p.UnrealizedPnL(markPrice)
		}
	}
	return total
}

// TradeRecords flattens every position's reduce records, grouped by
// position in opening order.
func (pf *Portfolio) TradeRecords() []domain.TradeRecord {
	var records []domain.TradeRecord
	for _, p := range pf.Positions {
		records = append(records, p.Records...)
	}
	return records
}
