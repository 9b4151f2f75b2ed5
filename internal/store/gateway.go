package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
)

const defaultSampleSize = 1000

// sqlBuilder accumulates positional arguments while a statement is assembled.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// where renders the population filter of q.
func (b *sqlBuilder) where(q backend.Query) (string, error) {
	var conds []string
	if !q.Start.IsZero() {
		conds = append(conds, "ts >= "+b.arg(q.Start))
	}
	if !q.End.IsZero() {
		conds = append(conds, "ts < "+b.arg(q.End))
	}

	contains := map[string]string{}
	switch q.Environment {
	case "", models.EnvironmentAll:
	case models.EnvironmentNotDefined:
		conds = append(conds, "COALESCE(fields->>'service.environment', '') = ''")
	default:
		contains["service.environment"] = q.Environment
	}
	if q.ServiceName != "" {
		contains["service.name"] = q.ServiceName
	}
	if q.TransactionName != "" {
		contains["transaction.name"] = q.TransactionName
	}
	if q.TransactionType != "" {
		contains["transaction.type"] = q.TransactionType
	}
	for _, t := range q.Terms {
		if prev, ok := contains[t.Field]; ok && prev != t.Value {
			// Contradicting terms match nothing.
			conds = append(conds, "FALSE")
			continue
		}
		contains[t.Field] = t.Value
	}
	if len(contains) > 0 {
		body, err := json.Marshal(contains)
		if err != nil {
			return "", fmt.Errorf("marshal term filter: %w", err)
		}
		conds = append(conds, "fields @> "+b.arg(string(body))+"::jsonb")
	}
	if q.MinDuration != nil {
		conds = append(conds, "duration_us >= "+b.arg(*q.MinDuration))
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), nil
}

// rangeFilter renders a half-open duration range.
func (b *sqlBuilder) rangeFilter(r backend.Range) string {
	var conds []string
	if r.From != nil {
		conds = append(conds, "duration_us >= "+b.arg(*r.From))
	}
	if r.To != nil {
		conds = append(conds, "duration_us < "+b.arg(*r.To))
	}
	if len(conds) == 0 {
		return "TRUE"
	}
	return strings.Join(conds, " AND ")
}

func (s *Store) Percentiles(ctx context.Context, q backend.Query, percents []float64) ([]*float64, int64, error) {
	var b sqlBuilder
	fractions := make([]float64, len(percents))
	for i, p := range percents {
		fractions[i] = p / 100
	}
	fracArg := b.arg(fractions)
	where, err := b.where(q)
	if err != nil {
		return nil, 0, err
	}
	sql := "SELECT percentile_cont(" + fracArg + "::float8[]) WITHIN GROUP (ORDER BY duration_us), count(*) FROM transactions WHERE " + where

	var values []pgtype.Float8
	var total int64
	if err := s.pool.QueryRow(ctx, sql, b.args...).Scan(&values, &total); err != nil {
		return nil, 0, fmt.Errorf("query percentiles: %w", err)
	}
	out := make([]*float64, len(percents))
	for i := range out {
		if i < len(values) && values[i].Valid {
			v := values[i].Float64
			out[i] = &v
		}
	}
	return out, total, nil
}

func (s *Store) Extent(ctx context.Context, q backend.Query) (*float64, *float64, error) {
	var b sqlBuilder
	where, err := b.where(q)
	if err != nil {
		return nil, nil, err
	}
	var lo, hi pgtype.Float8
	if err := s.pool.QueryRow(ctx, "SELECT min(duration_us), max(duration_us) FROM transactions WHERE "+where, b.args...).Scan(&lo, &hi); err != nil {
		return nil, nil, fmt.Errorf("query extent: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return nil, nil, nil
	}
	return &lo.Float64, &hi.Float64, nil
}

// histogramSQL selects one filtered count per range from a single scan.
func histogramSQL(q backend.Query, ranges []backend.Range) (string, []any, error) {
	var b sqlBuilder
	cols := make([]string, len(ranges))
	for i, r := range ranges {
		cols[i] = "count(*) FILTER (WHERE " + b.rangeFilter(r) + ")"
	}
	where, err := b.where(q)
	if err != nil {
		return "", nil, err
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM transactions WHERE " + where, b.args, nil
}

func (s *Store) Histogram(ctx context.Context, q backend.Query, ranges []backend.Range) ([]int64, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	sql, args, err := histogramSQL(q, ranges)
	if err != nil {
		return nil, err
	}
	counts := make([]int64, len(ranges))
	dest := make([]any, len(ranges))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("query histogram: %w", err)
	}
	return counts, nil
}

func (s *Store) FieldCandidates(ctx context.Context, q backend.Query, policy backend.ExclusionPolicy) ([]string, error) {
	var b sqlBuilder
	where, err := b.where(q)
	if err != nil {
		return nil, err
	}
	size := policy.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}
	sql := `SELECT DISTINCT k FROM (
		SELECT fields FROM transactions WHERE ` + where + ` ORDER BY ts DESC LIMIT ` + b.arg(size) + `
	) sample, jsonb_object_keys(sample.fields) AS k ORDER BY k`

	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query field candidates: %w", err)
	}
	defer rows.Close()
	var fields []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan field candidate: %w", err)
		}
		if policy.Allows(k) {
			fields = append(fields, k)
		}
	}
	return fields, rows.Err()
}

func (s *Store) FieldValues(ctx context.Context, q backend.Query, field string, topK int) ([]backend.FieldValue, error) {
	var b sqlBuilder
	fieldArg := b.arg(field)
	where, err := b.where(q)
	if err != nil {
		return nil, err
	}
	sql := "SELECT fields->>" + fieldArg + " AS v, count(*) AS n FROM transactions WHERE " + where +
		" AND fields->>" + fieldArg + " IS NOT NULL GROUP BY v ORDER BY n DESC, v ASC"
	if topK > 0 {
		sql += " LIMIT " + b.arg(topK)
	}

	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query values of %s: %w", field, err)
	}
	defer rows.Close()
	var out []backend.FieldValue
	for rows.Next() {
		fv := backend.FieldValue{Field: field}
		if err := rows.Scan(&fv.Value, &fv.Count); err != nil {
			return nil, fmt.Errorf("scan value of %s: %w", field, err)
		}
		out = append(out, fv)
	}
	return out, rows.Err()
}

func (s *Store) Fraction(ctx context.Context, q backend.Query, term backend.Term) (float64, int64, error) {
	var b sqlBuilder
	body, err := json.Marshal(map[string]string{term.Field: term.Value})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal term: %w", err)
	}
	termArg := b.arg(string(body))
	where, err := b.where(q)
	if err != nil {
		return 0, 0, err
	}
	var hits, total int64
	err = s.pool.QueryRow(ctx,
		"SELECT count(*) FILTER (WHERE fields @> "+termArg+"::jsonb), count(*) FROM transactions WHERE "+where,
		b.args...).Scan(&hits, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("query fraction: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(hits) / float64(total), total, nil
}
