// Package correlation holds the pure statistics of the latency correlation search:
// histogram boundaries, percentile ranges, the correlation score, the KS test and ranking.
package correlation

import (
	"math"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
)

// PercentileStep is the spacing of the percentile curve loaded for normalisation.
const PercentileStep = 2

// CurvePercents returns 2, 4, ..., 98.
func CurvePercents() []float64 {
	out := make([]float64, 0, 100/PercentileStep-1)
	for p := PercentileStep; p < 100; p += PercentileStep {
		out = append(out, float64(p))
	}
	return out
}

// HistogramRangeSteps returns steps boundaries evenly spaced on a log scale, mapping
// [lo, 2*hi] onto positions 1..steps and reading off positions 0..steps-1.
func HistogramRangeSteps(lo, hi float64, steps int) []float64 {
	if steps < 2 {
		steps = 2
	}
	if lo <= 0 {
		lo = 1
	}
	hi *= 2
	if hi <= lo {
		hi = lo * 2
	}
	logLo, logHi := math.Log(lo), math.Log(hi)
	out := make([]float64, steps)
	for i := range out {
		t := (float64(i) - 1) / float64(steps-1)
		out[i] = math.Exp(logLo + t*(logHi-logLo))
	}
	return out
}

// HistogramRanges turns n boundaries into n+1 contiguous ranges covering every latency.
func HistogramRanges(steps []float64) []backend.Range {
	if len(steps) == 0 {
		return []backend.Range{{}}
	}
	out := make([]backend.Range, 0, len(steps)+1)
	out = append(out, backend.Range{To: ptr(steps[0])})
	for i, s := range steps {
		r := backend.Range{From: ptr(s)}
		if i+1 < len(steps) {
			r.To = ptr(steps[i+1])
		}
		out = append(out, r)
	}
	return out
}

// HistogramItems labels counts with each range's lower bound (0 for the first range).
func HistogramItems(ranges []backend.Range, counts []int64) []models.HistogramItem {
	out := make([]models.HistogramItem, len(counts))
	for i, c := range counts {
		var key float64
		if i < len(ranges) && ranges[i].From != nil {
			key = *ranges[i].From
		}
		out[i] = models.HistogramItem{Key: key, DocCount: c}
	}
	return out
}

// ExpectationsAndRanges collapses a percentile curve into latency ranges bounded by the
// distinct (rounded) percentile values, plus the expected latency of each range.
// Both slices have the same length.
func ExpectationsAndRanges(percentiles []float64) ([]float64, []backend.Range) {
	if len(percentiles) == 0 {
		return nil, nil
	}
	step := float64(PercentileStep) / 100
	values := []float64{percentiles[0]}
	weights := []float64{step}
	for i := 1; i < len(percentiles); i++ {
		if percentiles[i] != percentiles[i-1] {
			values = append(values, percentiles[i])
			weights = append(weights, step)
		} else {
			weights[len(weights)-1] += step
		}
	}
	weights = append(weights, step)

	ranges := make([]backend.Range, 0, len(values)+1)
	for i, v := range values {
		to := math.Round(v)
		if i == 0 {
			ranges = append(ranges, backend.Range{To: ptr(to)})
			continue
		}
		ranges = append(ranges, backend.Range{From: ranges[i-1].To, To: ptr(to)})
	}
	ranges = append(ranges, backend.Range{From: ranges[len(ranges)-1].To})

	expectations := make([]float64, 0, len(values)+1)
	expectations = append(expectations, values[0])
	for i := 1; i < len(values); i++ {
		expectations = append(expectations,
			(weights[i-1]*values[i-1]+weights[i]*values[i])/(weights[i-1]+weights[i]))
	}
	expectations = append(expectations, values[len(values)-1])
	return expectations, ranges
}

func ptr(v float64) *float64 { return &v }
