// Package reps counts exercise repetitions from one metric column.
package reps

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/heimdex/heimdex-motion/internal/metrics"
)

// Extremum selects which end of the motion marks one repetition.
type Extremum string

const (
	// Valley counts minima of the metric, e.g. the bottom of a squat where
	// the knee angle is smallest.
	Valley Extremum = "valley"
	// Peak counts maxima of the metric.
	Peak Extremum = "peak"
)

// ParseExtremum accepts "valley", "peak" or empty (valley).
func ParseExtremum(s string) (Extremum, error) {
	switch Extremum(strings.ToLower(strings.TrimSpace(s))) {
	case "", Valley:
		return Valley, nil
	case Peak:
		return Peak, nil
	}
	return "", fmt.Errorf("unknown extremum %q, want valley or peak", s)
}

// Params configures Count.
type Params struct {
	// Metric is the column to count on.
	Metric string
	// LowThresh is the value a valley must reach (at or below) to count.
	LowThresh float64
	// HighThresh is the value a peak must reach (at or above) to count.
	HighThresh float64
	// Prominence is the minimum depth of a valley (or height of a peak)
	// relative to its surroundings.
	Prominence float64
	// Distance is the minimum number of frames between two repetitions.
	Distance int
	Extremum Extremum
}

// Count returns the number of repetitions in the named column. An empty
// table, a missing column or a column without any value counts zero.
func Count(t *metrics.Table, p Params) int {
	return len(Locate(t, p))
}

// Locate returns the row indices at which each repetition bottoms out (or
// tops out, for Peak).
func Locate(t *metrics.Table, p Params) []int {
	if t.Len() == 0 {
		return nil
	}
	col, ok := t.Column(p.Metric)
	if !ok {
		return nil
	}
	series, ok := Fill(col)
	if !ok {
		return nil
	}

	opts := PeakOptions{
		HasHeight:  true,
		Prominence: p.Prominence,
		Distance:   p.Distance,
	}
	switch p.Extremum {
	case Peak:
		opts.Height = p.HighThresh
	default:
		floats.Scale(-1, series)
		opts.Height = -p.LowThresh
	}
	return FindPeaks(series, opts)
}

// Fill carries the last known value forward over gaps, then fills any
// leading gap with the first known value. ok is false when every entry is
// nil.
func Fill(col []*float64) (series []float64, ok bool) {
	series = make([]float64, len(col))
	first := -1
	var last float64
	for i, v := range col {
		if v != nil {
			last = *v
			if first < 0 {
				first = i
			}
		}
		series[i] = last
	}
	if first < 0 {
		return nil, false
	}
	for i := 0; i < first; i++ {
		series[i] = series[first]
	}
	return series, true
}

// Fault is a form problem found in one repetition.
type Fault struct {
	Frame   int    `json:"frame"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DetectFaults is reserved for form-fault detection. It is not implemented
// and always returns an empty list.
func DetectFaults(*metrics.Table) []Fault {
	return []Fault{}
}
