package indicator

import "sort"

// FindPeaks locates local maxima of values, then enforces a minimum
// horizontal distance between peaks (taller peaks win) and a minimum
// prominence, in that order. A plateau reports its middle index.
// distance below 1 is treated as 1; prominence <= 0 keeps everything.
// To find valleys, pass the negated series.
func FindPeaks(values []float64, distance int, prominence float64) []int {
	if distance < 1 {
		distance = 1
	}
	peaks := localMaxima(values)
	if len(peaks) == 0 {
		return nil
	}
	if distance > 1 {
		keep := selectByDistance(values, peaks, distance)
		peaks = filterPeaks(peaks, keep)
	}
	if prominence > 0 {
		keep := make([]bool, len(peaks))
		for i, p := range peaks {
			keep[i] = peakProminence(values, p) >= prominence
		}
		peaks = filterPeaks(peaks, keep)
	}
	return peaks
}

// localMaxima returns indexes of samples strictly greater than both
// neighbours. NaNs never qualify and break plateaus.
func localMaxima(x []float64) []int {
	var peaks []int
	iMax := len(x) - 1
	i := 1
	for i < iMax {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < iMax && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return peaks
}

// selectByDistance walks peaks from tallest to smallest and knocks out
// any unclaimed neighbour closer than distance samples.
func selectByDistance(x []float64, peaks []int, distance int) []bool {
	n := len(peaks)
	keep := make([]bool, n)
	order := make([]int, n)
	for i := range keep {
		keep[i] = true
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return x[peaks[order[a]]] < x[peaks[order[b]]]
	})
	for i := n - 1; i >= 0; i-- {
		j := order[i]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < n && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}
	return keep
}

// peakProminence measures how far the peak rises above its bases: the
// minima between the peak and the nearest higher sample (or edge) on
// each side, taking the higher of the two.
func peakProminence(x []float64, peak int) float64 {
	h := x[peak]
	leftMin := h
	for i := peak; i >= 0 && x[i] <= h; i-- {
		if x[i] < leftMin {
			leftMin = x[i]
		}
	}
	rightMin := h
	for i := peak; i < len(x) && x[i] <= h; i++ {
		if x[i] < rightMin {
			rightMin = x[i]
		}
	}
	return h - max(leftMin, rightMin)
}

func filterPeaks(peaks []int, keep []bool) []int {
	out := peaks[:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}
