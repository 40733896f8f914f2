package indicator

// CrossUps returns the bar indexes where a closes above b after having
// been at or below it on the previous bar.
func CrossUps(a, b []float64) []int {
	return crossings(a, b, func(prevA, prevB, curA, curB float64) bool {
		return prevA <= prevB && curA > curB
	})
}

// CrossDowns returns the bar indexes where a closes below b after having
// been at or above it on the previous bar.
func CrossDowns(a, b []float64) []int {
	return crossings(a, b, func(prevA, prevB, curA, curB float64) bool {
		return prevA >= prevB && curA < curB
	})
}

func crossings(a, b []float64, hit func(pa, pb, ca, cb float64) bool) []int {
	n := min(len(a), len(b))
	var out []int
	for i := 1; i < n; i++ {
		if hit(a[i-1], b[i-1], a[i], b[i]) {
			out = append(out, i)
		}
	}
	return out
}
