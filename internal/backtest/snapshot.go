package backtest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// PositionState is the full value copy of a position, safe to hold
// after the live object keeps mutating and stable under JSON.
type PositionState struct {
	ID            string              `json:"id"`
	Market        string              `json:"market"`
	Side          domain.PositionSide `json:"side"`
	Size          float64             `json:"size"`
	EntryPrice    float64             `json:"entry_price"`
	EntryTime     time.Time           `json:"entry_time"`
	ContractValue float64             `json:"contract_value"`
	Stop          *float64            `json:"stop,omitempty"`
	TakeProfit    *float64            `json:"tp,omitempty"`
	RiskAmount    *float64            `json:"risk_amount,omitempty"`
	Highest       float64             `json:"highest"`
	Lowest        float64             `json:"lowest"`
	FeeIn         float64             `json:"fee_in"`
	FeeOutCum     float64             `json:"fee_out_cum"`
	RealizedPnL   float64             `json:"realized_pnl"`
	Closed        bool                `json:"closed"`
	ExitPrice     *float64            `json:"exit_price,omitempty"`
	ExitTime      *time.Time          `json:"exit_time,omitempty"`
	ExitReason    string              `json:"exit_reason,omitempty"`
	MFER          float64             `json:"mfe_r"`
	MAER          float64             `json:"mae_r"`
	MFE           float64             `json:"mfe"`
	MAE           float64             `json:"mae"`
	Orders        []OrderState        `json:"orders,omitempty"`
	Targets       []TargetPlan        `json:"targets,omitempty"`
	History       []BarSnapshot       `json:"history,omitempty"`
}

// Snapshot copies the position into a detached state value.
func (p *Position) Snapshot() PositionState {
	st := PositionState{
		ID:            p.ID,
		Market:        p.Market,
		Side:          p.Side,
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		EntryTime:     p.EntryTime,
		ContractValue: p.ContractValue,
		Stop:          clonePtr(p.Stop),
		TakeProfit:    clonePtr(p.TakeProfit),
		RiskAmount:    clonePtr(p.RiskAmount),
		Highest:       p.Highest,
		Lowest:        p.Lowest,
		FeeIn:         p.FeeIn,
		FeeOutCum:     p.FeeOutCum,
		RealizedPnL:   p.RealizedPnL,
		Closed:        p.Closed,
		ExitPrice:     clonePtr(p.ExitPrice),
		ExitReason:    p.ExitReason,
		MFER:          p.MFER,
		MAER:          p.MAER,
		MFE:           p.MFE,
		MAE:           p.MAE,
	}
	if p.ExitTime != nil {
		ts := *p.ExitTime
		st.ExitTime = &ts
	}
	for _, o := range p.Orders {
		st.Orders = append(st.Orders, o.Snapshot())
	}
	for _, t := range p.Targets {
		st.Targets = append(st.Targets, *t)
	}
	if len(p.History) > 0 {
		st.History = append(st.History, p.History...)
	}
	return st
}

// Artifact packages the position for persistence under a run.
func (p *Position) Artifact(runID string) (domain.PositionArtifact, error) {
	snap, err := json.Marshal(p.Snapshot())
	if err != nil {
		return domain.PositionArtifact{}, fmt.Errorf("backtest: marshaling position %s: %w", p.ID, err)
	}
	art := domain.PositionArtifact{
		RunID:       runID,
		PositionID:  p.ID,
		Market:      p.Market,
		Side:        p.Side,
		Closed:      p.Closed,
		RealizedPnL: p.RealizedPnL,
		OpenedAt:    p.EntryTime,
		Snapshot:    snap,
	}
	if p.ExitTime != nil {
		ts := *p.ExitTime
		art.ClosedAt = &ts
	}
	return art, nil
}
