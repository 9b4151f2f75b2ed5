// Package backend defines the aggregation capability the correlation pipeline consumes,
// the population query model shared by every implementation, and an in-memory gateway.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"latency-correlations/internal/models"
)

// LatencyField is the document field whose distribution is analysed.
const LatencyField = "transaction.duration.us"

// Gateway runs aggregation queries against the transaction store. Every call is
// request/response and any error is a transport or query failure.
type Gateway interface {
	// Percentiles returns the latency value at each percent (nil when undetermined)
	// and the number of documents in the population.
	Percentiles(ctx context.Context, q Query, percents []float64) ([]*float64, int64, error)
	// Extent returns the smallest and largest latency in the population, nil when empty.
	Extent(ctx context.Context, q Query) (min, max *float64, err error)
	// Histogram counts the population's documents falling into each range.
	Histogram(ctx context.Context, q Query, ranges []Range) ([]int64, error)
	// FieldCandidates lists populated fields the policy allows, sorted by name.
	FieldCandidates(ctx context.Context, q Query, policy ExclusionPolicy) ([]string, error)
	// FieldValues returns the topK most frequent values of field, by count then value.
	FieldValues(ctx context.Context, q Query, field string, topK int) ([]FieldValue, error)
	// Fraction returns the share of the population carrying term and the population size.
	Fraction(ctx context.Context, q Query, term Term) (float64, int64, error)
}

// Term is an exact field/value match.
type Term struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// FieldValue is a term with its document count.
type FieldValue struct {
	Field string
	Value string
	Count int64
}

// Range is a half-open latency interval [From, To). A nil bound is unbounded.
type Range struct {
	From *float64 `json:"from,omitempty"`
	To   *float64 `json:"to,omitempty"`
}

// Contains reports whether v falls into the range.
func (r Range) Contains(v float64) bool {
	if r.From != nil && v < *r.From {
		return false
	}
	if r.To != nil && v >= *r.To {
		return false
	}
	return true
}

// Query describes a population of transactions.
type Query struct {
	Start           time.Time
	End             time.Time
	Environment     string
	ServiceName     string
	TransactionName string
	TransactionType string
	Terms           []Term
	MinDuration     *float64
}

// WithTerm narrows the population to documents carrying t.
func (q Query) WithTerm(t Term) Query {
	terms := make([]Term, 0, len(q.Terms)+1)
	terms = append(terms, q.Terms...)
	q.Terms = append(terms, t)
	return q
}

// WithMinDuration narrows the population to documents at least as slow as v.
func (q Query) WithMinDuration(v float64) Query {
	q.MinDuration = &v
	return q
}

// ExclusionPolicy decides which fields may become correlation candidates.
type ExclusionPolicy struct {
	Exclude         []string
	ExcludePrefixes []string
	Include         []string
	SampleSize      int
}

// Allows reports whether field is eligible.
func (p ExclusionPolicy) Allows(field string) bool {
	if field == "" || field == LatencyField {
		return false
	}
	for _, f := range p.Include {
		if f == field {
			return true
		}
	}
	for _, f := range p.Exclude {
		if f == field {
			return false
		}
	}
	for _, prefix := range p.ExcludePrefixes {
		if strings.HasPrefix(field, prefix) {
			return false
		}
	}
	return true
}

// QueryFromParams translates request parameters into a population query.
func QueryFromParams(p models.SearchParams) (Query, error) {
	q := Query{
		Environment:     p.Environment,
		ServiceName:     p.ServiceName,
		TransactionName: p.TransactionName,
		TransactionType: p.TransactionType,
	}
	var err error
	if q.Start, err = ParseTime(p.Start); err != nil {
		return Query{}, fmt.Errorf("parse start: %w", err)
	}
	if q.End, err = ParseTime(p.End); err != nil {
		return Query{}, fmt.Errorf("parse end: %w", err)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return Query{}, fmt.Errorf("end %s is before start %s", p.End, p.Start)
	}
	if q.Terms, err = ParseKuery(p.Kuery); err != nil {
		return Query{}, err
	}
	return q, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseTime accepts RFC3339 timestamps, truncated dates down to a bare year, and epoch
// milliseconds. An empty string is the zero time (unbounded).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if len(s) > 4 {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
