package indicator

// SMA computes a simple moving average. Bars before the window fills
// average whatever is available so far.
func SMA(values []float64, period int) ([]float64, error) {
	if err := validatePeriod("SMA", period); err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
			out[i] = sum / float64(period)
		} else {
			out[i] = sum / float64(i+1)
		}
	}
	return out, nil
}

// rollingSum mirrors SMA's expanding-then-rolling window but keeps sums.
func rollingSum(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		out[i] = sum
	}
	return out
}
