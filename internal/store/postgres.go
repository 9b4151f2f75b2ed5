// Package store is the Postgres side of the service: the aggregation gateway over the
// transactions table and the audit trail of search jobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ backend.Gateway = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordJob inserts the job row; recording the same id twice keeps the first row.
func (s *Store) RecordJob(ctx context.Context, rec models.JobRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO search_jobs (id, params, state, loaded, last_error, originator, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, params, rec.State, rec.Loaded, rec.LastError, rec.Originator, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert search job: %w", err)
	}
	return nil
}

// UpdateJobState stores the latest state of a job.
func (s *Store) UpdateJobState(ctx context.Context, id string, state models.State, loaded int, lastErr *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE search_jobs
		SET state = $2, loaded = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, state, loaded, lastErr)
	return err
}

// GetJob fetches a job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, params, state, loaded, last_error, originator, created_at, updated_at
		FROM search_jobs WHERE id = $1
	`, id)

	var rec models.JobRecord
	var params []byte
	var lastErr pgtype.Text
	if err := row.Scan(&rec.ID, &params, &rec.State, &rec.Loaded, &lastErr, &rec.Originator, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, fmt.Errorf("job not found: %w", err)
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(params, &rec.Params); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal params: %w", err)
	}
	rec.LastError = textPtr(lastErr)
	return rec, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail lists a job's audit events, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.JobID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit logs: %w", err)
	}
	return logs, nil
}

// InsertTransactions bulk-loads documents with COPY and returns how many were written.
func (s *Store) InsertTransactions(ctx context.Context, docs []backend.Document) (int64, error) {
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"transactions"},
		[]string{"ts", "duration_us", "fields"},
		pgx.CopyFromSlice(len(docs), func(i int) ([]any, error) {
			fields := docs[i].Fields
			if fields == nil {
				fields = map[string]string{}
			}
			body, err := json.Marshal(fields)
			if err != nil {
				return nil, err
			}
			ts := docs[i].Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			return []any{ts, docs[i].Duration, body}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy transactions: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
