// Package indicator provides pure technical-analysis primitives over
// float64 slices. Every function returns a slice aligned index-for-index
// with its input; warm-up entries use expanding windows rather than NaN
// unless noted otherwise.
package indicator

import (
	"fmt"
	"math"
)

func validatePeriod(name string, period int) error {
	if period <= 0 {
		return fmt.Errorf("indicator: %s period must be positive, got %d", name, period)
	}
	return nil
}

// trueRange computes TR per bar. The first bar has no previous close,
// so its TR is simply high-low.
func trueRange(high, low, close []float64) []float64 {
	tr := make([]float64, len(high))
	for i := range high {
		hl := high[i] - low[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = max(hl, hc, lc)
	}
	return tr
}

// backfill replaces leading NaNs with the first finite value, in place.
func backfill(xs []float64) []float64 {
	first := math.NaN()
	for _, v := range xs {
		if !math.IsNaN(v) {
			first = v
			break
		}
	}
	if math.IsNaN(first) {
		return xs
	}
	for i, v := range xs {
		if !math.IsNaN(v) {
			break
		}
		xs[i] = first
	}
	return xs
}

func sameLen(name string, xs ...[]float64) error {
	for i := 1; i < len(xs); i++ {
		if len(xs[i]) != len(xs[0]) {
			return fmt.Errorf("indicator: %s input lengths differ: %d vs %d", name, len(xs[0]), len(xs[i]))
		}
	}
	return nil
}
