package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
)

const (
	goldenThreshold   = 1309695.875
	goldenDocs        = 1244
	goldenFields      = 69
	goldenPairs       = 379
	goldenSignificant = 13
)

// scriptedGateway serves a synthetic population where a known set of field/value pairs
// only occurs on the slowest transactions.
type scriptedGateway struct {
	latencies []float64
	threshold *float64
	fields    []string
	values    map[string][]string
	subsets   map[backend.Term][]float64

	failOn  string
	failErr error

	blockOn   string
	entered   chan struct{}
	enterOnce sync.Once
}

func newGoldenGateway() *scriptedGateway {
	g := &scriptedGateway{
		values:  map[string][]string{},
		subsets: map[backend.Term][]float64{},
	}
	for k := 0; k < goldenDocs; k++ {
		g.latencies = append(g.latencies, float64(1000+1000*k))
	}
	threshold := goldenThreshold
	g.threshold = &threshold

	nonSlow := 0
	pairs := 0
	for i := 0; i < goldenFields; i++ {
		field := fmt.Sprintf("field.%02d", i)
		g.fields = append(g.fields, field)
		n := 5
		if i < goldenPairs-goldenFields*5 {
			n = 6
		}
		for v := 0; v < n; v++ {
			value := fmt.Sprintf("v%d", v)
			g.values[field] = append(g.values[field], value)
			term := backend.Term{Field: field, Value: value}
			if v == 0 && i < goldenSignificant {
				g.subsets[term] = g.latencies[goldenDocs-(100+5*i):]
			} else {
				var subset []float64
				for k, l := range g.latencies {
					if k%9 == nonSlow%9 {
						subset = append(subset, l)
					}
				}
				g.subsets[term] = subset
				nonSlow++
			}
			pairs++
		}
	}
	if pairs != goldenPairs {
		panic(fmt.Sprintf("fixture built %d pairs", pairs))
	}
	return g
}

func newEmptyGateway() *scriptedGateway {
	return &scriptedGateway{values: map[string][]string{}, subsets: map[backend.Term][]float64{}}
}

func (g *scriptedGateway) hook(ctx context.Context, method string) error {
	if g.blockOn == method {
		g.enterOnce.Do(func() { close(g.entered) })
		<-ctx.Done()
		return ctx.Err()
	}
	if g.failOn == method {
		return g.failErr
	}
	return ctx.Err()
}

func (g *scriptedGateway) population(q backend.Query) []float64 {
	if len(q.Terms) == 0 {
		return g.latencies
	}
	return g.subsets[q.Terms[len(q.Terms)-1]]
}

func (g *scriptedGateway) Percentiles(ctx context.Context, q backend.Query, percents []float64) ([]*float64, int64, error) {
	if err := g.hook(ctx, "Percentiles"); err != nil {
		return nil, 0, err
	}
	pop := g.population(q)
	out := make([]*float64, len(percents))
	if len(percents) == 1 {
		out[0] = g.threshold
		return out, int64(len(pop)), nil
	}
	if len(pop) == 0 {
		return out, 0, nil
	}
	sorted := append([]float64(nil), pop...)
	sort.Float64s(sorted)
	for i, p := range percents {
		v := stat.Quantile(p/100, stat.LinInterp, sorted, nil)
		out[i] = &v
	}
	return out, int64(len(pop)), nil
}

func (g *scriptedGateway) Extent(ctx context.Context, q backend.Query) (*float64, *float64, error) {
	if err := g.hook(ctx, "Extent"); err != nil {
		return nil, nil, err
	}
	pop := g.population(q)
	if len(pop) == 0 {
		return nil, nil, nil
	}
	lo, hi := pop[0], pop[len(pop)-1]
	return &lo, &hi, nil
}

func (g *scriptedGateway) Histogram(ctx context.Context, q backend.Query, ranges []backend.Range) ([]int64, error) {
	if err := g.hook(ctx, "Histogram"); err != nil {
		return nil, err
	}
	counts := make([]int64, len(ranges))
	for _, l := range g.population(q) {
		for i, r := range ranges {
			if r.Contains(l) {
				counts[i]++
			}
		}
	}
	return counts, nil
}

func (g *scriptedGateway) FieldCandidates(ctx context.Context, _ backend.Query, _ backend.ExclusionPolicy) ([]string, error) {
	if err := g.hook(ctx, "FieldCandidates"); err != nil {
		return nil, err
	}
	return g.fields, nil
}

func (g *scriptedGateway) FieldValues(ctx context.Context, _ backend.Query, field string, topK int) ([]backend.FieldValue, error) {
	if err := g.hook(ctx, "FieldValues"); err != nil {
		return nil, err
	}
	var out []backend.FieldValue
	for _, v := range g.values[field] {
		term := backend.Term{Field: field, Value: v}
		out = append(out, backend.FieldValue{Field: field, Value: v, Count: int64(len(g.subsets[term]))})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (g *scriptedGateway) Fraction(ctx context.Context, _ backend.Query, term backend.Term) (float64, int64, error) {
	if err := g.hook(ctx, "Fraction"); err != nil {
		return 0, 0, err
	}
	if len(g.latencies) == 0 {
		return 0, 0, nil
	}
	return float64(len(g.subsets[term])) / float64(len(g.latencies)), int64(len(g.latencies)), nil
}

var errBackendDown = errors.New("connection refused")

func termOf(v models.CorrelationValue) backend.Term {
	return backend.Term{Field: v.Field, Value: v.Value}
}
