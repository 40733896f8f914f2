// Package backtest simulates positions, orders and portfolios against
// historical bars. Mutating methods follow a silent no-op policy: when a
// guard fails (zero quantity, already-closed position) the call leaves
// state untouched instead of returning an error.
package backtest

import (
	"time"

	"github.com/google/uuid"

	"github.com/mazstick/marketlib/internal/domain"
)

// Order tracks one simulated instruction and its execution state.
type Order struct {
	ID        string
	Side      domain.OrderSide
	Amount    float64
	Price     float64 // limit/reference price
	Type      domain.OrderType
	CreatedAt time.Time

	Status         domain.OrderStatus
	FilledQuantity float64
	AvgFillPrice   *float64 // nil until the first fill
	Fee            float64  // cumulative across fills
	Comment        string

	FillTime   time.Time // zero until filled; last fill wins
	FillReason string
	PositionID string
}

// NewOrder creates an unfilled order. An empty type defaults to market.
func NewOrder(side domain.OrderSide, amount, price float64, createdAt time.Time, typ domain.OrderType) *Order {
	if typ == "" {
		typ = domain.OrderTypeMarket
	}
	return &Order{
		ID:        uuid.NewString(),
		Side:      side,
		Amount:    amount,
		Price:     price,
		Type:      typ,
		CreatedAt: createdAt,
		Status:    domain.OrderStatusNew,
	}
}

// Fill records a partial or full execution. Quantities <= 0 are ignored.
// The average fill price is volume-weighted across fills; fill time and
// reason always reflect the latest fill. Filling past Amount is allowed
// and keeps the order in the filled state.
func (o *Order) Fill(quantity, fillPrice, fee float64, fillTime time.Time, reason string) {
	if quantity <= 0 {
		return
	}
	prev := o.FilledQuantity
	total := prev + quantity
	if o.AvgFillPrice == nil {
		p := fillPrice
		o.AvgFillPrice = &p
	} else {
		avg := (*o.AvgFillPrice*prev + fillPrice*quantity) / total
		o.AvgFillPrice = &avg
	}
	o.FilledQuantity = total
	o.Fee += fee
	o.FillTime = fillTime
	o.FillReason = reason

	if o.FilledQuantity >= o.Amount {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
}

// Cancel marks the order canceled unconditionally, whatever its state,
// and stores the reason as the comment.
func (o *Order) Cancel(reason string) {
	o.Status = domain.OrderStatusCanceled
	o.Comment = reason
}

// LinkToPosition attaches the owning position's ID.
func (o *Order) LinkToPosition(positionID string) {
	o.PositionID = positionID
}

// OrderState is a value snapshot of an order for reports and storage.
type OrderState struct {
	ID             string             `json:"id"`
	Side           domain.OrderSide   `json:"side"`
	Amount         float64            `json:"amount"`
	Price          float64            `json:"price"`
	Type           domain.OrderType   `json:"order_type"`
	CreatedAt      time.Time          `json:"created_at"`
	Status         domain.OrderStatus `json:"status"`
	FilledQuantity float64            `json:"filled_quantity"`
	AvgFillPrice   *float64           `json:"avg_fill_price"`
	Fee            float64            `json:"fee"`
	Comment        string             `json:"comment,omitempty"`
	FillTime       *time.Time         `json:"fill_time,omitempty"`
	FillReason     string             `json:"fill_reason,omitempty"`
	PositionID     string             `json:"position_id,omitempty"`
}

// Snapshot copies the order into a detached value.
func (o *Order) Snapshot() OrderState {
	st := OrderState{
		ID:             o.ID,
		Side:           o.Side,
		Amount:         o.Amount,
		Price:          o.Price,
		Type:           o.Type,
		CreatedAt:      o.CreatedAt,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   clonePtr(o.AvgFillPrice),
		Fee:            o.Fee,
		Comment:        o.Comment,
		FillReason:     o.FillReason,
		PositionID:     o.PositionID,
	}
	if !o.FillTime.IsZero() {
		t := o.FillTime
		st.FillTime = &t
	}
	return st
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
