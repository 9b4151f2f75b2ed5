package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/correlation"
	"latency-correlations/internal/models"
)

// Stage identifies one step of the correlation pipeline. Stages run in declaration order.
type Stage int

const (
	StagePercentileThreshold Stage = iota
	StageAbortCheck
	StageHistogramRangeSteps
	StageOverallHistogram
	StagePercentiles
	StageFieldCandidates
	StageFieldValuePairs
	StageFractions
	StageCorrelations
)

var stageNames = [...]string{
	StagePercentileThreshold: "percentile_threshold",
	StageAbortCheck:          "abort_check",
	StageHistogramRangeSteps: "histogram_range_steps",
	StageOverallHistogram:    "overall_histogram",
	StagePercentiles:         "percentiles",
	StageFieldCandidates:     "field_candidates",
	StageFieldValuePairs:     "field_value_pairs",
	StageFractions:           "fractions",
	StageCorrelations:        "correlations",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

// stageFunc computes one stage into the run and returns its log message, if any.
type stageFunc func(ctx context.Context, r *run) (string, error)

type stageDef struct {
	stage Stage
	// weight is the share of overall progress the stage accounts for.
	weight float64
	run    stageFunc
}

// pipeline is indexed by Stage; the order of this table is the execution order.
var pipeline = [...]stageDef{
	StagePercentileThreshold: {stage: StagePercentileThreshold, run: fetchPercentileThreshold},
	StageAbortCheck:          {stage: StageAbortCheck, run: checkPercentileThreshold},
	StageHistogramRangeSteps: {stage: StageHistogramRangeSteps, weight: 0.025, run: loadHistogramRangeSteps},
	StageOverallHistogram:    {stage: StageOverallHistogram, weight: 0.025, run: loadOverallHistogram},
	StagePercentiles:         {stage: StagePercentiles, run: loadPercentiles},
	StageFieldCandidates:     {stage: StageFieldCandidates, weight: 0.025, run: identifyFieldCandidates},
	StageFieldValuePairs:     {stage: StageFieldValuePairs, weight: 0.025, run: identifyFieldValuePairs},
	StageFractions:           {stage: StageFractions, run: loadFractions},
	StageCorrelations:        {stage: StageCorrelations, weight: 0.9, run: computeCorrelations},
}

func fetchPercentileThreshold(ctx context.Context, r *run) (string, error) {
	pct := r.job.Params.PercentileThreshold
	values, total, err := r.gateway.Percentiles(ctx, r.query, []float64{pct})
	if err != nil {
		return "", err
	}
	if len(values) > 0 && values[0] != nil && total > 0 {
		v := *values[0]
		r.threshold = &v
		r.raw.PercentileThresholdValue = &v
	}
	return fmt.Sprintf("Fetched %sth percentile value of %s based on %d documents.",
		formatNumber(pct), formatOptional(r.threshold), total), nil
}

func checkPercentileThreshold(_ context.Context, r *run) (string, error) {
	if r.threshold == nil {
		return "", ErrUndeterminedThreshold
	}
	return "", nil
}

func loadHistogramRangeSteps(ctx context.Context, r *run) (string, error) {
	lo, hi, err := r.gateway.Extent(ctx, r.query)
	if err != nil {
		return "", err
	}
	var minValue, maxValue float64
	if lo != nil && hi != nil {
		minValue, maxValue = *lo, *hi
	}
	r.histogramRanges = correlation.HistogramRanges(
		correlation.HistogramRangeSteps(minValue, maxValue, r.opts.HistogramSteps))
	return "Loaded histogram range steps.", nil
}

func loadOverallHistogram(ctx context.Context, r *run) (string, error) {
	counts, err := r.gateway.Histogram(ctx, r.query, r.histogramRanges)
	if err != nil {
		return "", err
	}
	r.overallHistogram = counts
	r.raw.OverallHistogram = correlation.HistogramItems(r.histogramRanges, counts)
	return "Loaded overall histogram chart data.", nil
}

func loadPercentiles(ctx context.Context, r *run) (string, error) {
	values, _, err := r.gateway.Percentiles(ctx, r.query, correlation.CurvePercents())
	if err != nil {
		return "", err
	}
	curve := make([]float64, 0, len(values))
	for _, v := range values {
		if v != nil {
			curve = append(curve, *v)
		}
	}
	r.expectations, r.percentileRanges = correlation.ExpectationsAndRanges(curve)
	return "Loaded percentiles.", nil
}

func identifyFieldCandidates(ctx context.Context, r *run) (string, error) {
	fields, err := r.gateway.FieldCandidates(ctx, r.query, r.opts.Policy)
	if err != nil {
		return "", err
	}
	r.fieldCandidates = fields
	return fmt.Sprintf("Identified %d fieldCandidates.", len(fields)), nil
}

func identifyFieldValuePairs(ctx context.Context, r *run) (string, error) {
	slow := r.query.WithMinDuration(*r.threshold)
	perField := make([][]backend.FieldValue, len(r.fieldCandidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PairConcurrency)
	for i, field := range r.fieldCandidates {
		g.Go(func() error {
			values, err := r.gateway.FieldValues(gctx, slow, field, r.opts.TopK)
			if err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			perField[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var pairs []backend.FieldValue
	for _, values := range perField {
		pairs = append(pairs, values...)
	}
	r.pairs = pairs
	return fmt.Sprintf("Identified %d fieldValuePairs.", len(pairs)), nil
}

func loadFractions(ctx context.Context, r *run) (string, error) {
	counts, err := r.gateway.Histogram(ctx, r.query, r.percentileRanges)
	if err != nil {
		return "", err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	r.rangeFractions = make([]float64, len(counts))
	for i, c := range counts {
		if total > 0 {
			r.rangeFractions[i] = float64(c) / float64(total)
		}
	}

	r.pairFractions = make([]float64, len(r.pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PairConcurrency)
	for i, p := range r.pairs {
		g.Go(func() error {
			frac, _, err := r.gateway.Fraction(gctx, r.query, backend.Term{Field: p.Field, Value: p.Value})
			if err != nil {
				return fmt.Errorf("fraction of %s:%s: %w", p.Field, p.Value, err)
			}
			r.pairFractions[i] = frac
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	r.totalDocCount = total
	return fmt.Sprintf("Loaded fractions and totalDocCount of %d.", total), nil
}

func computeCorrelations(ctx context.Context, r *run) (string, error) {
	found := make([]*models.CorrelationValue, len(r.pairs))
	nPercentile := len(r.percentileRanges)
	ranges := make([]backend.Range, 0, nPercentile+len(r.histogramRanges))
	ranges = append(ranges, r.percentileRanges...)
	ranges = append(ranges, r.histogramRanges...)

	r.startUnits(len(r.pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PairConcurrency)
	for i, p := range r.pairs {
		g.Go(func() error {
			defer r.unitDone()
			if r.pairFractions[i] <= 0 {
				return nil
			}
			counts, err := r.gateway.Histogram(gctx, r.query.WithTerm(backend.Term{Field: p.Field, Value: p.Value}), ranges)
			if err != nil {
				return fmt.Errorf("histogram of %s:%s: %w", p.Field, p.Value, err)
			}
			if len(counts) != len(ranges) {
				return fmt.Errorf("histogram of %s:%s: got %d buckets, want %d", p.Field, p.Value, len(counts), len(ranges))
			}
			result, err := correlation.Evaluate(correlation.Input{
				Expectations:     r.expectations,
				RangeFractions:   r.rangeFractions,
				TotalDocCount:    r.totalDocCount,
				PairRangeCounts:  counts[:nPercentile],
				OverallHistogram: r.overallHistogram,
				PairHistogram:    counts[nPercentile:],
				PairFraction:     r.pairFractions[i],
			})
			if err != nil {
				if errors.Is(err, correlation.ErrNotEvaluable) {
					return nil
				}
				return err
			}
			if !result.Significant() {
				return nil
			}
			found[i] = &models.CorrelationValue{
				Field:       p.Field,
				Value:       p.Value,
				Correlation: result.Correlation,
				KSTest:      result.KSTest,
				Fraction:    r.pairFractions[i],
				Histogram:   correlation.HistogramItems(r.histogramRanges, counts[nPercentile:]),
			}
			return nil
		})
	}
	if err := r.wait(g); err != nil {
		return "", err
	}

	values := make([]models.CorrelationValue, 0, len(found))
	for _, v := range found {
		if v != nil {
			values = append(values, *v)
		}
	}
	correlation.Rank(values)
	r.raw.Values = values
	return fmt.Sprintf("Identified %d significant correlations out of %d field/value pairs.",
		len(values), len(r.pairs)), nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "undefined"
	}
	return formatNumber(*v)
}
