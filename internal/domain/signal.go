package domain

import "time"

// Signal is a per-bar strategy verdict.
type Signal string

const (
	SignalNone Signal = "none"
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
)

// SignalSeries carries one Signal per candle of the series it was
// generated from, aligned by index.
type SignalSeries []Signal

// NewSignalSeries returns an all-none series of length n.
func NewSignalSeries(n int) SignalSeries {
	s := make(SignalSeries, n)
	for i := range s {
		s[i] = SignalNone
	}
	return s
}

// Count returns how many bars carry the given signal.
func (s SignalSeries) Count(sig Signal) int {
	n := 0
	for _, v := range s {
		if v == sig {
			n++
		}
	}
	return n
}

// Indexes returns the bar indexes carrying the given signal, ascending.
func (s SignalSeries) Indexes(sig Signal) []int {
	var out []int
	for i, v := range s {
		if v == sig {
			out = append(out, i)
		}
	}
	return out
}

// SignalEvent is emitted when a strategy fires on live data.
type SignalEvent struct {
	ID        string    `json:"id"`     // UUID for dedup
	Source    string    `json:"source"` // strategy name
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Signal    Signal    `json:"signal"`
	Price     float64   `json:"price"` // close of the triggering bar
	BarTime   time.Time `json:"bar_time"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
