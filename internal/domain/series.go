package domain

import (
	"fmt"
	"time"
)

// Series is an ascending-time run of candles for one symbol and timeframe.
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Candles   []Candle
}

// NewSeries validates every candle and the time ordering.
func NewSeries(symbol string, tf Timeframe, candles []Candle) (*Series, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("domain: series %s/%s: %w", symbol, tf, ErrEmptySeries)
	}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("domain: series %s/%s candle %d: %w", symbol, tf, i, err)
		}
		if i > 0 && !candles[i-1].Time.Before(c.Time) {
			return nil, fmt.Errorf("domain: series %s/%s: candle %d out of order", symbol, tf, i)
		}
	}
	return &Series{Symbol: symbol, Timeframe: tf, Candles: candles}, nil
}

// Len returns the number of candles.
func (s *Series) Len() int { return len(s.Candles) }

// At returns the i-th candle.
func (s *Series) At(i int) Candle { return s.Candles[i] }

// Last returns the most recent candle, or a zero Candle when empty.
func (s *Series) Last() Candle {
	if len(s.Candles) == 0 {
		return Candle{}
	}
	return s.Candles[len(s.Candles)-1]
}

// Append adds a candle, enforcing validation and ascending time.
func (s *Series) Append(c Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("domain: append to %s/%s: %w", s.Symbol, s.Timeframe, err)
	}
	if n := len(s.Candles); n > 0 && !s.Candles[n-1].Time.Before(c.Time) {
		return fmt.Errorf("domain: append to %s/%s: time %s not after %s",
			s.Symbol, s.Timeframe, c.Time.Format(time.RFC3339), s.Candles[n-1].Time.Format(time.RFC3339))
	}
	s.Candles = append(s.Candles, c)
	return nil
}

// ReplaceLast swaps the newest candle in place, used while a live bar
// is still forming. Falls back to Append on an empty series.
func (s *Series) ReplaceLast(c Candle) error {
	if len(s.Candles) == 0 {
		return s.Append(c)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("domain: replace last of %s/%s: %w", s.Symbol, s.Timeframe, err)
	}
	s.Candles[len(s.Candles)-1] = c
	return nil
}

// Slice returns a shallow sub-series over [from, to).
func (s *Series) Slice(from, to int) (*Series, error) {
	if from < 0 || to > len(s.Candles) || from >= to {
		return nil, fmt.Errorf("domain: slice [%d:%d) of %d candles out of range", from, to, len(s.Candles))
	}
	return &Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Candles: s.Candles[from:to]}, nil
}

// Tail returns a shallow sub-series of the last n candles (all of them
// when n exceeds the length).
func (s *Series) Tail(n int) *Series {
	if n >= len(s.Candles) {
		return &Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Candles: s.Candles}
	}
	return &Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Candles: s.Candles[len(s.Candles)-n:]}
}

// Opens extracts the open column.
func (s *Series) Opens() []float64 { return s.column(func(c Candle) float64 { return c.Open }) }

// Highs extracts the high column.
func (s *Series) Highs() []float64 { return s.column(func(c Candle) float64 { return c.High }) }

// Lows extracts the low column.
func (s *Series) Lows() []float64 { return s.column(func(c Candle) float64 { return c.Low }) }

// Closes extracts the close column.
func (s *Series) Closes() []float64 { return s.column(func(c Candle) float64 { return c.Close }) }

// Volumes extracts the volume column.
func (s *Series) Volumes() []float64 { return s.column(func(c Candle) float64 { return c.Volume }) }

// Times extracts the timestamp column.
func (s *Series) Times() []time.Time {
	out := make([]time.Time, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Time
	}
	return out
}

// Column extracts a named OHLCV column: open, high, low, close or volume.
func (s *Series) Column(name string) ([]float64, error) {
	switch name {
	case "open":
		return s.Opens(), nil
	case "high":
		return s.Highs(), nil
	case "low":
		return s.Lows(), nil
	case "close":
		return s.Closes(), nil
	case "volume":
		return s.Volumes(), nil
	}
	return nil, fmt.Errorf("domain: unknown column %q", name)
}

func (s *Series) column(get func(Candle) float64) []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = get(c)
	}
	return out
}

// SeriesSummary aggregates basic behavior over a series.
type SeriesSummary struct {
	Symbol        string
	Timeframe     Timeframe
	Start         time.Time
	End           time.Time
	Candles       int
	AverageVolume float64
	AverageRange  float64
	Bullish       int
	Bearish       int
	Doji          int
	Marubozu      int
	BullishRatio  float64
}

// Summary computes aggregate stats; zero value for an empty series.
func (s *Series) Summary() SeriesSummary {
	n := len(s.Candles)
	if n == 0 {
		return SeriesSummary{Symbol: s.Symbol, Timeframe: s.Timeframe}
	}
	sum := SeriesSummary{
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		Start:     s.Candles[0].Time,
		End:       s.Candles[n-1].Time,
		Candles:   n,
	}
	var vol, rng float64
	for _, c := range s.Candles {
		vol += c.Volume
		rng += c.TotalRange()
		if c.IsBullish() {
			sum.Bullish++
		} else if c.IsBearish() {
			sum.Bearish++
		}
		if c.IsDoji(0) {
			sum.Doji++
		}
		if c.IsMarubozu(0) {
			sum.Marubozu++
		}
	}
	sum.AverageVolume = vol / float64(n)
	sum.AverageRange = rng / float64(n)
	sum.BullishRatio = float64(sum.Bullish) / float64(n)
	return sum
}

// Volatility is the mean candle range, zero when empty.
func (s *Series) Volatility() float64 {
	if len(s.Candles) == 0 {
		return 0
	}
	var rng float64
	for _, c := range s.Candles {
		rng += c.TotalRange()
	}
	return rng / float64(len(s.Candles))
}

// VolumeStats holds total, average and max traded volume.
type VolumeStats struct {
	Total   float64
	Average float64
	Max     float64
}

// VolumeStats aggregates the volume column, zero when empty.
func (s *Series) VolumeStats() VolumeStats {
	if len(s.Candles) == 0 {
		return VolumeStats{}
	}
	var st VolumeStats
	for _, c := range s.Candles {
		st.Total += c.Volume
		if c.Volume > st.Max {
			st.Max = c.Volume
		}
	}
	st.Average = st.Total / float64(len(s.Candles))
	return st
}
