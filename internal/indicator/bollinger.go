package indicator

// BollingerResult holds the three Bollinger bands.
type BollingerResult struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
}

// BollingerBands computes SMA(period) plus/minus mult standard
// deviations. The undefined first-bar deviation is backfilled.
func BollingerBands(values []float64, period int, mult float64) (BollingerResult, error) {
	if err := validatePeriod("BollingerBands", period); err != nil {
		return BollingerResult{}, err
	}
	middle, err := SMA(values, period)
	if err != nil {
		return BollingerResult{}, err
	}
	std := rawRollingStd(values, period)
	upper := make([]float64, len(values))
	lower := make([]float64, len(values))
	for i := range values {
		upper[i] = middle[i] + mult*std[i]
		lower[i] = middle[i] - mult*std[i]
	}
	backfill(upper)
	backfill(lower)
	return BollingerResult{Middle: middle, Upper: upper, Lower: lower}, nil
}
