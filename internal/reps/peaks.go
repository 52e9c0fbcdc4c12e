package reps

import "sort"

// PeakOptions filters local maxima. Zero values disable a filter, except
// Height, which only applies when HasHeight is set.
type PeakOptions struct {
	HasHeight  bool
	Height     float64
	Prominence float64
	Distance   int
}

// FindPeaks returns the indices of local maxima in x that pass opts, in
// ascending order. Flat tops report their middle sample (rounded down).
// Filters run in the order height, distance, prominence.
func FindPeaks(x []float64, opts PeakOptions) []int {
	peaks := localMaxima(x)

	if opts.HasHeight {
		peaks = filter(peaks, func(p int) bool { return x[p] >= opts.Height })
	}
	if opts.Distance > 1 {
		peaks = selectByDistance(x, peaks, opts.Distance)
	}
	if opts.Prominence > 0 {
		peaks = filter(peaks, func(p int) bool { return Prominence(x, p) >= opts.Prominence })
	}
	return peaks
}

func localMaxima(x []float64) []int {
	var peaks []int
	last := len(x) - 1
	for i := 1; i < last; i++ {
		if x[i-1] >= x[i] {
			continue
		}
		ahead := i + 1
		for ahead < last && x[ahead] == x[i] {
			ahead++
		}
		if x[ahead] < x[i] {
			left, right := i, ahead-1
			peaks = append(peaks, (left+right)/2)
			// samples up to ahead cannot start another maximum
			i = ahead
		}
	}
	return peaks
}

// selectByDistance keeps the tallest peaks first and drops any neighbour
// closer than distance samples.
func selectByDistance(x []float64, peaks []int, distance int) []int {
	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}

	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[peaks[order[a]]] < x[peaks[order[b]]] })

	for i := len(order) - 1; i >= 0; i-- {
		j := order[i]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < len(peaks) && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}

	out := peaks[:0:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// Prominence is how far the peak at index p stands above the higher of the
// two lowest points reachable on either side before meeting taller ground.
func Prominence(x []float64, p int) float64 {
	leftMin := x[p]
	for i := p; i >= 0 && x[i] <= x[p]; i-- {
		if x[i] < leftMin {
			leftMin = x[i]
		}
	}
	rightMin := x[p]
	for i := p; i < len(x) && x[i] <= x[p]; i++ {
		if x[i] < rightMin {
			rightMin = x[i]
		}
	}
	base := leftMin
	if rightMin > base {
		base = rightMin
	}
	return x[p] - base
}

func filter(peaks []int, keep func(int) bool) []int {
	out := peaks[:0:0]
	for _, p := range peaks {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
