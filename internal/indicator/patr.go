package indicator

import "math"

// PATR relates accumulated true range to net price movement: the sum of
// the rolling TR sums across the window divided by the price change over
// the same span. High values mean lots of churn for little progress.
// The first period bars are NaN. With inverse set the reciprocal is
// returned, which reads as movement efficiency.
func PATR(high, low, close, src []float64, period int, inverse bool) ([]float64, error) {
	if err := validatePeriod("PATR", period); err != nil {
		return nil, err
	}
	if err := sameLen("PATR", high, low, close, src); err != nil {
		return nil, err
	}
	tr := trueRange(high, low, close)
	sums := rollingSum(tr, period)

	out := make([]float64, len(src))
	for i := range out {
		if i < period {
			out[i] = math.NaN()
			continue
		}
		var sumTR float64
		for j := i - period; j < i; j++ {
			sumTR += sums[j]
		}
		deltaP := src[i] - src[i-period]
		var wd float64
		if deltaP != 0 {
			wd = sumTR / deltaP
		}
		if inverse {
			if wd != 0 {
				out[i] = 1.0 / wd
			} else {
				out[i] = 0
			}
		} else {
			out[i] = wd
		}
	}
	return out, nil
}
