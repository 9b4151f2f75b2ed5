package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"latency-correlations/internal/models"
)

// Document is one transaction held by the in-memory gateway.
type Document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Duration  float64           `json:"duration_us"`
	Fields    map[string]string `json:"fields"`
}

// Memory is a Gateway over an in-process slice of documents. It backs the CLI's
// file mode and the tests.
type Memory struct {
	docs []Document
}

// NewMemory wraps docs; the slice must not be modified afterwards.
func NewMemory(docs []Document) *Memory {
	return &Memory{docs: docs}
}

// LoadDocuments reads newline-delimited JSON documents.
func LoadDocuments(r io.Reader) ([]Document, error) {
	var docs []Document
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			return nil, fmt.Errorf("decode document on line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return docs, nil
}

func (m *Memory) Percentiles(ctx context.Context, q Query, percents []float64) ([]*float64, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	durations := m.durations(q)
	out := make([]*float64, len(percents))
	if len(durations) == 0 {
		return out, 0, nil
	}
	sort.Float64s(durations)
	for i, p := range percents {
		v := stat.Quantile(p/100, stat.LinInterp, durations, nil)
		out[i] = &v
	}
	return out, int64(len(durations)), nil
}

func (m *Memory) Extent(ctx context.Context, q Query) (*float64, *float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	durations := m.durations(q)
	if len(durations) == 0 {
		return nil, nil, nil
	}
	lo, hi := durations[0], durations[0]
	for _, d := range durations[1:] {
		lo = min(lo, d)
		hi = max(hi, d)
	}
	return &lo, &hi, nil
}

func (m *Memory) Histogram(ctx context.Context, q Query, ranges []Range) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make([]int64, len(ranges))
	for _, d := range m.durations(q) {
		for i, r := range ranges {
			if r.Contains(d) {
				counts[i]++
			}
		}
	}
	return counts, nil
}

func (m *Memory) FieldCandidates(ctx context.Context, q Query, policy ExclusionPolicy) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	sampled := 0
	for _, d := range m.docs {
		if !q.matches(d) {
			continue
		}
		if policy.SampleSize > 0 && sampled >= policy.SampleSize {
			break
		}
		sampled++
		for f, v := range d.Fields {
			if v != "" && policy.Allows(f) {
				seen[f] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) FieldValues(ctx context.Context, q Query, field string, topK int) ([]FieldValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, d := range m.docs {
		if !q.matches(d) {
			continue
		}
		if v, ok := d.Fields[field]; ok && v != "" {
			counts[v]++
		}
	}
	out := make([]FieldValue, 0, len(counts))
	for v, c := range counts {
		out = append(out, FieldValue{Field: field, Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *Memory) Fraction(ctx context.Context, q Query, term Term) (float64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	var total, hits int64
	for _, d := range m.docs {
		if !q.matches(d) {
			continue
		}
		total++
		if d.Fields[term.Field] == term.Value {
			hits++
		}
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(hits) / float64(total), total, nil
}

func (m *Memory) durations(q Query) []float64 {
	var out []float64
	for _, d := range m.docs {
		if q.matches(d) {
			out = append(out, d.Duration)
		}
	}
	return out
}

func (q Query) matches(d Document) bool {
	if !q.Start.IsZero() && d.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !d.Timestamp.Before(q.End) {
		return false
	}
	switch q.Environment {
	case "", models.EnvironmentAll:
	case models.EnvironmentNotDefined:
		if d.Fields["service.environment"] != "" {
			return false
		}
	default:
		if d.Fields["service.environment"] != q.Environment {
			return false
		}
	}
	if q.ServiceName != "" && d.Fields["service.name"] != q.ServiceName {
		return false
	}
	if q.TransactionName != "" && d.Fields["transaction.name"] != q.TransactionName {
		return false
	}
	if q.TransactionType != "" && d.Fields["transaction.type"] != q.TransactionType {
		return false
	}
	for _, t := range q.Terms {
		if d.Fields[t.Field] != t.Value {
			return false
		}
	}
	if q.MinDuration != nil && d.Duration < *q.MinDuration {
		return false
	}
	return true
}
