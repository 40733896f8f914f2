package domain

import (
	"encoding/json"
	"time"
)

// PositionSide is the direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Dir returns the direction multiplier, +1 for long and -1 for short.
func (s PositionSide) Dir() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// PositionArtifact is a persisted position: the flat columns queries
// filter on, plus the full state snapshot as JSON.
type PositionArtifact struct {
	RunID       string          `json:"run_id"`
	PositionID  string          `json:"position_id"`
	Market      string          `json:"market"`
	Side        PositionSide    `json:"side"`
	Closed      bool            `json:"closed"`
	RealizedPnL float64         `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot"`
}
