package domain

import "time"

// TradeRecord is one realized exit from a position: a partial
// target fill, a stop/take-profit close, or a manual reduce.
type TradeRecord struct {
	PositionID string       `json:"position_id"`
	Market     string       `json:"market"`
	Side       PositionSide `json:"side"`
	EntryTime  time.Time    `json:"entry_time"`
	EntryPrice float64      `json:"entry_price"`
	ExitTime   time.Time    `json:"exit_time"`
	ExitPrice  float64      `json:"exit_price"`
	Size       float64      `json:"size"`    // executed exit size
	FeeIn      float64      `json:"fee_in"`  // entry fee of the parent position
	FeeOut     float64      `json:"fee_out"` // fee charged on this exit
	PnLNet     float64      `json:"pnl_net"` // gross PnL minus FeeOut
	Reason     string       `json:"reason"`
	MFER       float64      `json:"mfe_r"` // max favorable excursion, R multiples
	MAER       float64      `json:"mae_r"` // max adverse excursion, R multiples
	MFE        float64      `json:"mfe"`   // max favorable excursion, currency
	MAE        float64      `json:"mae"`   // max adverse excursion, currency
}

// Win reports whether the exit realized a profit.
func (t TradeRecord) Win() bool { return t.PnLNet > 0 }

// RMultiple expresses net PnL per unit of entry risk, zero when the
// record carries no R information.
func (t TradeRecord) RMultiple(riskPerUnit float64) float64 {
	if riskPerUnit <= 0 || t.Size == 0 {
		return 0
	}
	return t.PnLNet / (riskPerUnit * t.Size)
}

// Exit reasons written by the backtest engine. Target exits carry the
// target label instead.
const (
	ExitReasonStop      = "stop"
	ExitReasonTP        = "tp"
	ExitReasonClose     = "close"
	ExitReasonSignal    = "signal"
	ExitReasonEndOfData = "end_of_data"
	ExitReasonReduce    = "order_reduce"
)
