package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
)

var testStore *Store

// TestMain starts a Postgres container when INTEGRATION=1.
func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION") != "1" {
		os.Exit(m.Run())
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "correlations",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/correlations?sslmode=disable", host, port.Port())
	testStore, err = New(ctx, dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := testStore.RunMigrations(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	code := m.Run()
	testStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("set INTEGRATION=1 to run against Postgres")
	}
	return testStore
}

func TestGatewayAgainstPostgres(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	ts := time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
	var docs []backend.Document
	for i := 1; i <= 10; i++ {
		result := "success"
		if i > 8 {
			result = "failure"
		}
		docs = append(docs, backend.Document{
			Timestamp: ts,
			Duration:  float64(i * 100),
			Fields: map[string]string{
				"service.environment": "production",
				"transaction.result":  result,
				"agent.name":          "go",
			},
		})
	}
	n, err := s.InsertTransactions(ctx, docs)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	q := backend.Query{Environment: "production", Start: ts.Add(-time.Hour), End: ts.Add(time.Hour)}

	values, total, err := s.Percentiles(ctx, q, []float64{50})
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)
	require.NotNil(t, values[0])
	assert.InDelta(t, 550, *values[0], 1e-9)

	lo, hi, err := s.Extent(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *lo)
	assert.Equal(t, 1000.0, *hi)

	counts, err := s.Histogram(ctx, q, []backend.Range{{To: f(500)}, {From: f(500)}})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 6}, counts)

	fields, err := s.FieldCandidates(ctx, q, backend.ExclusionPolicy{ExcludePrefixes: []string{"agent."}})
	require.NoError(t, err)
	assert.Equal(t, []string{"service.environment", "transaction.result"}, fields)

	top, err := s.FieldValues(ctx, q.WithMinDuration(850), "transaction.result", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, backend.FieldValue{Field: "transaction.result", Value: "failure", Count: 2}, top[0])

	frac, total, err := s.Fraction(ctx, q, backend.Term{Field: "transaction.result", Value: "failure"})
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)
	assert.InDelta(t, 0.2, frac, 1e-9)

	empty, total, err := s.Percentiles(ctx, backend.Query{Environment: "staging"}, []float64{95})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Nil(t, empty[0])
}

func TestJobAuditTrail(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.JobRecord{
		ID:         "job-audit",
		Params:     models.SearchParams{Environment: models.EnvironmentAll, PercentileThreshold: 95},
		State:      models.StateRunning,
		Originator: "req-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.RecordJob(ctx, rec))
	require.NoError(t, s.RecordJob(ctx, rec), "recording twice is a no-op")
	require.NoError(t, s.AppendAudit(ctx, rec.ID, "created", "req-1"))

	msg := "field_candidates: backend query failed: timeout"
	require.NoError(t, s.UpdateJobState(ctx, rec.ID, models.StateErrored, 100, &msg))
	require.NoError(t, s.AppendAudit(ctx, rec.ID, "errored", msg))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateErrored, got.State)
	assert.Equal(t, 100, got.Loaded)
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)
	assert.Equal(t, 95.0, got.Params.PercentileThreshold)

	trail, err := s.AuditTrail(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "created", trail[0].Event)
	assert.Equal(t, "errored", trail[1].Event)

	_, err = s.GetJob(ctx, "missing")
	assert.Error(t, err)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	require.NoError(t, s.RunMigrations(ctx))

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations WHERE version = '001_init'`).Scan(&n))
	assert.Equal(t, 1, n)
}
