package indicator

import "math"

// RollingStdDev computes the sample standard deviation over a rolling
// window (expanding until full). Entries with fewer than two samples are
// NaN and get backfilled with the first defined value.
func RollingStdDev(values []float64, period int) ([]float64, error) {
	if err := validatePeriod("StdDev", period); err != nil {
		return nil, err
	}
	return backfill(rawRollingStd(values, period)), nil
}

func rawRollingStd(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		lo := 0
		if i+1 > period {
			lo = i + 1 - period
		}
		n := i + 1 - lo
		if n < 2 {
			out[i] = math.NaN()
			continue
		}
		var mean float64
		for _, v := range values[lo : i+1] {
			mean += v
		}
		mean /= float64(n)
		var ss float64
		for _, v := range values[lo : i+1] {
			d := v - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(n-1))
	}
	return out
}
