package backtest

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mazstick/marketlib/internal/domain"
)

// TargetPlan is one rung of a partial-exit ladder. Ratio is the
// fraction of the position's current size to exit when Price trades,
// in (0, 1]. Filled guards against exiting the same rung twice.
type TargetPlan struct {
	Price  float64 `json:"price"`
	Ratio  float64 `json:"ratio"`
	Label  string  `json:"label,omitempty"`
	Filled bool    `json:"filled"`
}

// ExitPriority resolves bars where both the stop and the take profit
// are touched. Anything other than TPFirst behaves as StopFirst.
type ExitPriority string

const (
	StopFirst ExitPriority = "stop-first"
	TPFirst   ExitPriority = "tp-first"
)

// ExitTrigger tells the caller at which price and why to exit.
type ExitTrigger struct {
	Price  float64
	Reason string
}

// BarSnapshot is the per-bar state appended by UpdateBar.
type BarSnapshot struct {
	Time       time.Time `json:"time"`
	Close      float64   `json:"close"`
	Unrealized float64   `json:"unrealized"`
	Size       float64   `json:"size"`
	Stop       *float64  `json:"stop,omitempty"`
	TakeProfit *float64  `json:"tp,omitempty"`
	Highest    float64   `json:"highest"`
	Lowest     float64   `json:"lowest"`
	MFER       float64   `json:"mfe_r"`
	MAER       float64   `json:"mae_r"`
	MFE        float64   `json:"mfe"`
	MAE        float64   `json:"mae"`
}

// PositionParams configures NewPosition. Zero ContractValue defaults
// to 1, an empty EntryOrderType to market. Stop, TakeProfit and
// RiskAmount stay unset when nil.
type PositionParams struct {
	Market         string
	Side           domain.PositionSide
	Size           float64
	EntryPrice     float64
	EntryTime      time.Time
	EntryOrderType domain.OrderType
	Stop           *float64
	TakeProfit     *float64
	ContractValue  float64
	FeeIn          float64
	RiskAmount     *float64
}

// Position is a single long or short position: VWAP entry accounting
// across scale-ins, stop/target management with tighten-only trailing,
// per-bar excursion tracking in currency and R, and an order audit
// trail. It never looks at the market by itself; the engine feeds it
// bars and executes the triggers it reports.
type Position struct {
	ID            string
	Market        string
	Side          domain.PositionSide
	Dir           float64 // +1 long, -1 short
	Size          float64 // remaining size, positive
	EntryPrice    float64 // VWAP while scaling in
	EntryTime     time.Time
	ContractValue float64

	Stop       *float64
	TakeProfit *float64
	RiskAmount *float64

	// Extremes of everything observed since entry, bars and fills alike.
	Highest float64
	Lowest  float64

	FeeIn       float64
	FeeOutCum   float64
	RealizedPnL float64 // starts at -FeeIn

	Closed     bool
	ExitPrice  *float64
	ExitTime   *time.Time
	ExitReason string

	// Excursions in R multiples (stop distance) and in currency.
	MFER float64
	MAER float64
	MFE  float64
	MAE  float64

	Orders  []*Order
	Targets []*TargetPlan
	History []BarSnapshot
	Records []domain.TradeRecord // one per reduce, in exit order
}

// NewPosition opens a position, books the entry fee into realized PnL
// and records the synthetic opening order as fully filled.
func NewPosition(p PositionParams) *Position {
	if p.ContractValue == 0 {
		p.ContractValue = 1
	}
	pos := &Position{
		ID:            uuid.NewString(),
		Market:        p.Market,
		Side:          p.Side,
		Dir:           p.Side.Dir(),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		EntryTime:     p.EntryTime,
		ContractValue: p.ContractValue,
		Stop:          clonePtr(p.Stop),
		TakeProfit:    clonePtr(p.TakeProfit),
		RiskAmount:    clonePtr(p.RiskAmount),
		Highest:       p.EntryPrice,
		Lowest:        p.EntryPrice,
		FeeIn:         p.FeeIn,
		RealizedPnL:   -p.FeeIn,
	}
	side := domain.OrderSideBuy
	if p.Side == domain.PositionSideShort {
		side = domain.OrderSideSell
	}
	init := NewOrder(side, p.Size, p.EntryPrice, p.EntryTime, p.EntryOrderType)
	init.Fill(p.Size, p.EntryPrice, p.FeeIn, p.EntryTime, "init position order")
	init.LinkToPosition(pos.ID)
	pos.Orders = append(pos.Orders, init)
	return pos
}

// IsOpen reports whether the position is active.
func (p *Position) IsOpen() bool {
	return !p.Closed && p.Size > 0
}

// RiskPerUnit is the entry-to-stop distance in currency per unit,
// nil without a stop.
func (p *Position) RiskPerUnit() *float64 {
	if p.Stop == nil {
		return nil
	}
	r := math.Abs(p.EntryPrice-*p.Stop) * p.ContractValue
	return &r
}

// UnrealizedPnL is the floating PnL at the given mark price.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	return (markPrice - p.EntryPrice) * p.Dir * p.Size * p.ContractValue
}

// AddOrder attaches an order to the audit trail without executing it.
func (p *Position) AddOrder(o *Order) {
	p.Orders = append(p.Orders, o)
}

// ApplyFill routes an order fill into the position. Fills on the
// position's own side scale in at a new VWAP entry; opposite-side fills
// reduce. The order itself records the fill without time or reason;
// the reduce path stamps the trade with fillTime, or the entry time
// when none is given.
func (p *Position) ApplyFill(order *Order, quantity, fillPrice, fee float64, fillTime time.Time) {
	p.AddOrder(order)
	order.Fill(quantity, fillPrice, fee, time.Time{}, "")

	addsExposure := (p.Side == domain.PositionSideLong && order.Side == domain.OrderSideBuy) ||
		(p.Side == domain.PositionSideShort && order.Side == domain.OrderSideSell)
	if addsExposure {
		p.scaleIn(quantity, fillPrice, fee)
		return
	}
	exitTime := fillTime
	if exitTime.IsZero() {
		exitTime = p.EntryTime
	}
	p.Reduce(quantity, fillPrice, exitTime, fee, domain.ExitReasonReduce)
}

// scaleIn grows the position and recomputes the VWAP entry:
// (old_entry*old_size + add_price*add_size) / new_size. The add fee is
// booked against realized PnL immediately. Stops and targets are left
// where they are.
func (p *Position) scaleIn(addSize, addPrice, fee float64) {
	if addSize <= 0 {
		return
	}
	newSize := p.Size + addSize
	if newSize <= 0 {
		return
	}
	p.EntryPrice = (p.EntryPrice*p.Size + addPrice*addSize) / newSize
	p.Size = newSize
	p.RealizedPnL -= fee
	p.Highest = max(p.Highest, addPrice)
	p.Lowest = min(p.Lowest, addPrice)
}

// UpdateBar refreshes extremes and excursions for one bar and appends
// a snapshot to History. R excursions only move while a stop is set;
// the denominator is floored at 1e-12 so a stop at entry cannot divide
// by zero. MFE never decreases and MAE never increases.
func (p *Position) UpdateBar(ts time.Time, high, low, close float64) {
	if !p.IsOpen() {
		return
	}
	p.Highest = max(p.Highest, high)
	p.Lowest = min(p.Lowest, low)

	favorable := (high - p.EntryPrice) * p.Dir * p.Size * p.ContractValue
	adverse := (low - p.EntryPrice) * p.Dir * p.Size * p.ContractValue
	p.MFE = max(p.MFE, favorable)
	p.MAE = min(p.MAE, adverse)

	if p.Stop != nil {
		denom := max(1e-12, math.Abs(p.EntryPrice-*p.Stop))
		p.MFER = max(p.MFER, (high-p.EntryPrice)*p.Dir/denom)
		p.MAER = min(p.MAER, (low-p.EntryPrice)*p.Dir/denom)
	}

	p.History = append(p.History, BarSnapshot{
		Time:       ts,
		Close:      close,
		Unrealized: p.UnrealizedPnL(close),
		Size:       p.Size,
		Stop:       clonePtr(p.Stop),
		TakeProfit: clonePtr(p.TakeProfit),
		Highest:    p.Highest,
		Lowest:     p.Lowest,
		MFER:       p.MFER,
		MAER:       p.MAER,
		MFE:        p.MFE,
		MAE:        p.MAE,
	})
}

// SetStop sets or clears the stop. No placement checks: callers may
// loosen a stop through here, unlike the trailing methods.
func (p *Position) SetStop(stop *float64) {
	p.Stop = clonePtr(stop)
}

// SetTakeProfit sets or clears the take profit.
func (p *Position) SetTakeProfit(tp *float64) {
	p.TakeProfit = clonePtr(tp)
}

// MoveStopToBreakeven pins the stop to the entry price while open.
func (p *Position) MoveStopToBreakeven() {
	if p.IsOpen() {
		s := p.EntryPrice
		p.Stop = &s
	}
}

// MoveStopToBreakevenOnMFER moves the stop to entry once the favorable
// excursion reaches thresholdR. A threshold <= 0 defaults to 1R.
func (p *Position) MoveStopToBreakevenOnMFER(thresholdR float64) {
	if thresholdR <= 0 {
		thresholdR = 1
	}
	if p.IsOpen() && p.MFER >= thresholdR {
		p.MoveStopToBreakeven()
	}
}

// TrailStopByATR trails the stop mult*atr behind the best extreme.
// Tighten-only: the stop never moves away from price.
func (p *Position) TrailStopByATR(atr, mult float64) {
	p.trail(mult * atr)
}

// TrailStopByExtremes trails the stop a fixed offset behind the best
// extreme. Tighten-only.
func (p *Position) TrailStopByExtremes(offset float64) {
	p.trail(offset)
}

func (p *Position) trail(offset float64) {
	if !p.IsOpen() {
		return
	}
	if p.Side == domain.PositionSideLong {
		candidate := p.Highest - offset
		if p.Stop != nil {
			candidate = max(*p.Stop, candidate)
		}
		p.Stop = &candidate
	} else {
		candidate := p.Lowest + offset
		if p.Stop != nil {
			candidate = min(*p.Stop, candidate)
		}
		p.Stop = &candidate
	}
}

// CheckStopTP reports whether the bar's range touches the stop or take
// profit, without mutating anything. When both are inside the range the
// priority decides which fires; the reported price is the level itself.
func (p *Position) CheckStopTP(high, low float64, priority ExitPriority) (ExitTrigger, bool) {
	if !p.IsOpen() {
		return ExitTrigger{}, false
	}
	var hitTP, hitStop bool
	if p.Side == domain.PositionSideLong {
		hitTP = p.TakeProfit != nil && high >= *p.TakeProfit
		hitStop = p.Stop != nil && low <= *p.Stop
	} else {
		hitTP = p.TakeProfit != nil && low <= *p.TakeProfit
		hitStop = p.Stop != nil && high >= *p.Stop
	}
	switch {
	case hitTP && hitStop:
		if priority == TPFirst {
			return ExitTrigger{Price: *p.TakeProfit, Reason: domain.ExitReasonTP}, true
		}
		return ExitTrigger{Price: *p.Stop, Reason: domain.ExitReasonStop}, true
	case hitTP:
		return ExitTrigger{Price: *p.TakeProfit, Reason: domain.ExitReasonTP}, true
	case hitStop:
		return ExitTrigger{Price: *p.Stop, Reason: domain.ExitReasonStop}, true
	}
	return ExitTrigger{}, false
}

// SetTargets replaces the partial-exit ladder. Fill flags are reset.
func (p *Position) SetTargets(plans []TargetPlan) {
	p.Targets = make([]*TargetPlan, 0, len(plans))
	for _, t := range plans {
		p.Targets = append(p.Targets, &TargetPlan{Price: t.Price, Ratio: t.Ratio, Label: t.Label})
	}
}

// CheckTargets returns the unfilled targets whose level trades inside
// the bar. Read-only: the caller executes the exits and then marks each
// target filled.
func (p *Position) CheckTargets(high, low float64) []*TargetPlan {
	if !p.IsOpen() || len(p.Targets) == 0 {
		return nil
	}
	var hits []*TargetPlan
	for _, t := range p.Targets {
		if t.Filled {
			continue
		}
		var hit bool
		if p.Side == domain.PositionSideLong {
			hit = high >= t.Price
		} else {
			hit = low <= t.Price
		}
		if hit {
			hits = append(hits, t)
		}
	}
	return hits
}

// MarkTargetFilled flags a target after its partial exit executed.
func (p *Position) MarkTargetFilled(t *TargetPlan) {
	if t != nil {
		t.Filled = true
	}
}

// Reduce realizes a partial or full exit and returns the trade record.
// The requested size is clamped to what remains, so over-asking closes
// the position instead of driving size negative. Reducing to zero (or
// below) freezes the exit price, time and reason on the position. The
// second return is false when the call was a no-op.
func (p *Position) Reduce(exitSize, exitPrice float64, exitTime time.Time, feeOut float64, reason string) (domain.TradeRecord, bool) {
	if !p.IsOpen() || exitSize <= 0 {
		return domain.TradeRecord{}, false
	}
	execSize := min(exitSize, p.Size)
	gross := (exitPrice - p.EntryPrice) * p.Dir * execSize * p.ContractValue
	pnlNet := gross - feeOut
	p.RealizedPnL += pnlNet
	p.FeeOutCum += feeOut
	p.Size -= execSize

	rec := domain.TradeRecord{
		PositionID: p.ID,
		Market:     p.Market,
		Side:       p.Side,
		EntryTime:  p.EntryTime,
		EntryPrice: p.EntryPrice,
		ExitTime:   exitTime,
		ExitPrice:  exitPrice,
		Size:       execSize,
		FeeIn:      p.FeeIn,
		FeeOut:     feeOut,
		PnLNet:     pnlNet,
		Reason:     reason,
		MFER:       p.MFER,
		MAER:       p.MAER,
		MFE:        p.MFE,
		MAE:        p.MAE,
	}

	p.Records = append(p.Records, rec)

	if p.Size <= 0 {
		p.Closed = true
		price := exitPrice
		ts := exitTime
		p.ExitPrice = &price
		p.ExitTime = &ts
		p.ExitReason = reason
	}
	return rec, true
}

// Close exits the full remaining size. An empty reason becomes "close".
func (p *Position) Close(exitPrice float64, exitTime time.Time, feeOut float64, reason string) (domain.TradeRecord, bool) {
	if reason == "" {
		reason = domain.ExitReasonClose
	}
	return p.Reduce(p.Size, exitPrice, exitTime, feeOut, reason)
}
