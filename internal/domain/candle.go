package domain

import (
	"fmt"
	"time"
)

// Candle is a single OHLCV bar. Construct with NewCandle to get the
// price-ordering checks; zero-value Candles are valid but empty.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// NewCandle validates price ordering and non-negativity.
func NewCandle(ts time.Time, open, high, low, close, volume float64) (Candle, error) {
	c := Candle{Time: ts, Open: open, High: high, Low: low, Close: close, Volume: volume}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate reports why the candle is malformed, or nil.
func (c Candle) Validate() error {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 {
		return fmt.Errorf("domain: %w: prices must be non-negative", ErrInvalidCandle)
	}
	if c.Low > c.High {
		return fmt.Errorf("domain: %w: low %v above high %v", ErrInvalidCandle, c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("domain: %w: open %v outside [%v, %v]", ErrInvalidCandle, c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("domain: %w: close %v outside [%v, %v]", ErrInvalidCandle, c.Close, c.Low, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("domain: %w: volume %v negative", ErrInvalidCandle, c.Volume)
	}
	return nil
}

// IsBullish reports whether the bar closed above its open.
func (c Candle) IsBullish() bool { return c.Close > c.Open }

// IsBearish reports whether the bar closed below its open.
func (c Candle) IsBearish() bool { return c.Open > c.Close }

// BodySize is the absolute open-to-close distance.
func (c Candle) BodySize() float64 { return abs(c.Close - c.Open) }

// UpperShadow is the wick above the body.
func (c Candle) UpperShadow() float64 { return c.High - max(c.Open, c.Close) }

// LowerShadow is the wick below the body.
func (c Candle) LowerShadow() float64 { return min(c.Open, c.Close) - c.Low }

// TotalRange is high minus low.
func (c Candle) TotalRange() float64 { return c.High - c.Low }

// TypicalPrice is (high + low + close) / 3.
func (c Candle) TypicalPrice() float64 { return (c.High + c.Low + c.Close) / 3 }

// MedianPrice is (high + low) / 2.
func (c Candle) MedianPrice() float64 { return (c.High + c.Low) / 2 }

// WeightedClose is (high + low + 2*close) / 4.
func (c Candle) WeightedClose() float64 { return (c.High + c.Low + 2*c.Close) / 4 }

// PriceChange is close minus open.
func (c Candle) PriceChange() float64 { return c.Close - c.Open }

// PriceChangePct is the open-to-close move as a fraction of open,
// zero when open is zero.
func (c Candle) PriceChangePct() float64 {
	if c.Open == 0 {
		return 0
	}
	return (c.Close - c.Open) / c.Open
}

// MoneyFlowMultiplier measures close position inside the range,
// ((close-low)-(high-close))/(high-low), zero on a flat bar.
func (c Candle) MoneyFlowMultiplier() float64 {
	if c.High == c.Low {
		return 0
	}
	return ((c.Close - c.Low) - (c.High - c.Close)) / (c.High - c.Low)
}

// MoneyFlowVolume is MoneyFlowMultiplier scaled by volume.
func (c Candle) MoneyFlowVolume() float64 {
	return c.MoneyFlowMultiplier() * c.Volume
}

// IsDoji reports a body no larger than threshold of the total range.
// A threshold <= 0 falls back to 0.1.
func (c Candle) IsDoji(threshold float64) bool {
	if threshold <= 0 {
		threshold = 0.1
	}
	return c.BodySize() <= threshold*c.TotalRange()
}

// IsMarubozu reports both shadows within threshold of the total range.
// A threshold <= 0 falls back to 0.05.
func (c Candle) IsMarubozu(threshold float64) bool {
	if threshold <= 0 {
		threshold = 0.05
	}
	r := c.TotalRange()
	return c.UpperShadow() <= threshold*r && c.LowerShadow() <= threshold*r
}

// IsHammer reports a long lower shadow under a small body.
func (c Candle) IsHammer() bool {
	return c.LowerShadow() > 2*c.BodySize() && c.UpperShadow() < c.BodySize()
}

// IsInvertedHammer reports a long upper shadow over a small body.
func (c Candle) IsInvertedHammer() bool {
	return c.UpperShadow() > 2*c.BodySize() && c.LowerShadow() < c.BodySize()
}

// Hour is the bar's hour of day, 0-23.
func (c Candle) Hour() int { return c.Time.Hour() }

// Weekday is the bar's day of week.
func (c Candle) Weekday() time.Weekday { return c.Time.Weekday() }

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
