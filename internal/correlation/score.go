package correlation

import (
	"cmp"
	"errors"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"latency-correlations/internal/models"
)

// Significance thresholds a pair must pass to be reported.
const (
	CorrelationThreshold = 0.3
	KSTestThreshold      = 0.1
)

// ErrNotEvaluable marks a pair that cannot be tested: it never occurs in the population
// or its histogram is empty.
var ErrNotEvaluable = errors.New("correlation: pair cannot be evaluated")

// Input gathers everything needed to score one field/value pair.
type Input struct {
	// Expectations and RangeFractions describe the overall population over the
	// percentile ranges; PairRangeCounts counts the pair's documents over the same ranges.
	Expectations    []float64
	RangeFractions  []float64
	TotalDocCount   int64
	PairRangeCounts []int64

	// OverallHistogram and PairHistogram share the same log-scale bucket boundaries.
	OverallHistogram []int64
	PairHistogram    []int64

	PairFraction float64
}

// Result is the outcome of scoring one pair.
type Result struct {
	Correlation float64
	KSTest      float64
}

// Significant reports whether r passes both thresholds.
func (r Result) Significant() bool {
	return r.Correlation > CorrelationThreshold && r.KSTest < KSTestThreshold
}

// Evaluate scores a pair. Zero-count buckets carry zero density.
func Evaluate(in Input) (Result, error) {
	if in.PairFraction <= 0 || sumInt(in.PairHistogram) == 0 {
		return Result{}, ErrNotEvaluable
	}
	if len(in.PairHistogram) != len(in.OverallHistogram) {
		return Result{}, errors.New("correlation: histograms are not aligned")
	}
	if len(in.Expectations) != len(in.RangeFractions) || len(in.Expectations) != len(in.PairRangeCounts) {
		return Result{}, errors.New("correlation: percentile ranges are not aligned")
	}
	return Result{
		Correlation: Correlation(in.Expectations, in.RangeFractions, in.TotalDocCount, in.PairRangeCounts),
		KSTest:      KSTest(in.PairHistogram, in.OverallHistogram),
	}, nil
}

// Correlation is the Pearson correlation, over every document of the population, between
// "the document carries the pair" (1/0) and the expected latency of its percentile range.
// It returns 0 when either variable is constant.
func Correlation(expectations, fractions []float64, totalDocCount int64, pairCounts []int64) float64 {
	n := len(expectations)
	x := make([]float64, 0, 2*n)
	y := make([]float64, 0, 2*n)
	w := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		total := fractions[i] * float64(totalDocCount)
		in := math.Min(float64(pairCounts[i]), total)
		x = append(x, 1, 0)
		y = append(y, expectations[i], expectations[i])
		w = append(w, in, math.Max(total-in, 0))
	}
	if floats.Sum(w) == 0 {
		return 0
	}
	c := stat.Correlation(x, y, w)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return c
}

// KSTest is the one-sided two-sample Kolmogorov–Smirnov test of the alternative that the
// pair's latency distribution lies to the right of (is slower than) the overall one.
// It returns the asymptotic p-value exp(-2 * n_eff * D^2).
func KSTest(pair, overall []int64) float64 {
	n, m := float64(sumInt(pair)), float64(sumInt(overall))
	if n == 0 || m == 0 {
		return 1
	}
	fp := cdf(pair, n)
	fo := cdf(overall, m)
	var d float64
	for i := range fp {
		d = math.Max(d, fo[i]-fp[i])
	}
	neff := n * m / (n + m)
	p := math.Exp(-2 * neff * d * d)
	return math.Min(math.Max(p, 0), 1)
}

// Rank orders values by descending correlation, then ascending p-value, field and value.
func Rank(values []models.CorrelationValue) {
	slices.SortStableFunc(values, func(a, b models.CorrelationValue) int {
		if c := cmp.Compare(b.Correlation, a.Correlation); c != 0 {
			return c
		}
		if c := cmp.Compare(a.KSTest, b.KSTest); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Field, b.Field); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
}

func cdf(counts []int64, total float64) []float64 {
	out := make([]float64, len(counts))
	for i, c := range counts {
		out[i] = float64(c)
	}
	floats.CumSum(out, out)
	floats.Scale(1/total, out)
	return out
}

func sumInt(v []int64) int64 {
	var s int64
	for _, x := range v {
		s += x
	}
	return s
}
