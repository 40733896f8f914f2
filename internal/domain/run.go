package domain

import (
	"encoding/json"
	"time"
)

// Run is one recorded backtest execution.
type Run struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Strategy  string          `json:"strategy"`
	Config    json.RawMessage `json:"config,omitempty"` // engine + strategy config as supplied
	Summary   RunSummary      `json:"summary"`
}

// RunSummary aggregates the outcome of a backtest run.
type RunSummary struct {
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"win_rate"`
	GrossProfit   float64 `json:"gross_profit"`
	GrossLoss     float64 `json:"gross_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalPnL      float64 `json:"total_pnl"`
	FeesPaid      float64 `json:"fees_paid"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
	AvgMFER       float64 `json:"avg_mfe_r"`
	AvgMAER       float64 `json:"avg_mae_r"`
	BuySignals    int     `json:"buy_signals"`
	SellSignals   int     `json:"sell_signals"`
	OpenPositions int     `json:"open_positions"`
}

// EquityPoint is one bar of the realized plus unrealized equity curve.
type EquityPoint struct {
	Time          time.Time `json:"time"`
	Realized      float64   `json:"realized"`
	Unrealized    float64   `json:"unrealized"`
	Equity        float64   `json:"equity"`
	OpenPositions int       `json:"open_positions"`
}
