package indicator

import "fmt"

// ATRMethod selects the smoothing applied to the true range.
type ATRMethod string

const (
	// ATRMethodSMA averages TR over a simple rolling window.
	ATRMethodSMA ATRMethod = "sma"
	// ATRMethodWilder seeds the first period bars with the mean TR and
	// then applies Wilder's recursion (prev*(n-1)+tr)/n.
	ATRMethodWilder ATRMethod = "wilder"
	// ATRMethodFastWilder approximates Wilder smoothing with an EMA of
	// alpha = 1/period.
	ATRMethodFastWilder ATRMethod = "fast_wilder"
)

// ATR computes the average true range of a bar series.
func ATR(high, low, close []float64, period int, method ATRMethod) ([]float64, error) {
	if err := validatePeriod("ATR", period); err != nil {
		return nil, err
	}
	if err := sameLen("ATR", high, low, close); err != nil {
		return nil, err
	}
	tr := trueRange(high, low, close)

	switch method {
	case ATRMethodSMA:
		return SMA(tr, period)
	case ATRMethodFastWilder:
		return ewmAlpha(tr, 1.0/float64(period)), nil
	case ATRMethodWilder, "":
		atr := make([]float64, len(tr))
		if len(tr) == 0 {
			return atr, nil
		}
		seedLen := min(period, len(tr))
		var seed float64
		for _, v := range tr[:seedLen] {
			seed += v
		}
		seed /= float64(seedLen)
		for i := 0; i < seedLen; i++ {
			atr[i] = seed
		}
		for i := period; i < len(tr); i++ {
			atr[i] = (atr[i-1]*float64(period-1) + tr[i]) / float64(period)
		}
		return atr, nil
	}
	return nil, fmt.Errorf("indicator: unknown ATR method %q", method)
}
