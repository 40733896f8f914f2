package indicator

import "fmt"

// MACDResult holds the MACD line, its signal line and the histogram.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes line = EMA(fast) - EMA(slow), signal = EMA(line, signalPeriod)
// and histogram = line - signal.
func MACD(values []float64, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, error) {
	if fastPeriod <= 0 || slowPeriod <= 0 || signalPeriod <= 0 {
		return MACDResult{}, fmt.Errorf("indicator: MACD periods must be positive, got %d/%d/%d",
			fastPeriod, slowPeriod, signalPeriod)
	}
	fast, err := EMA(values, fastPeriod)
	if err != nil {
		return MACDResult{}, err
	}
	slow, err := EMA(values, slowPeriod)
	if err != nil {
		return MACDResult{}, err
	}
	line := make([]float64, len(values))
	for i := range line {
		line[i] = fast[i] - slow[i]
	}
	signal, err := EMA(line, signalPeriod)
	if err != nil {
		return MACDResult{}, err
	}
	hist := make([]float64, len(values))
	for i := range hist {
		hist[i] = line[i] - signal[i]
	}
	return MACDResult{Line: line, Signal: signal, Histogram: hist}, nil
}
