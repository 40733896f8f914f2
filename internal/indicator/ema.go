package indicator

// EMA computes an exponential moving average with alpha = 2/(period+1),
// seeded with the first value.
func EMA(values []float64, period int) ([]float64, error) {
	if err := validatePeriod("EMA", period); err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out, nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out, nil
}

// ewmAlpha is EMA with an explicit smoothing factor.
func ewmAlpha(values []float64, alpha float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}
