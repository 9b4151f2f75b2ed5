package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latency-correlations/internal/config"
	"latency-correlations/internal/models"
	"latency-correlations/internal/worker"
)

func TestArchiveLocal(t *testing.T) {
	dir := t.TempDir()
	a := NewLocal(dir, nil)
	finished := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	snap := &worker.Snapshot{
		State:     models.StateComplete,
		Loaded:    100,
		Raw:       models.RawResponse{Took: 12, Values: []models.CorrelationValue{}, Log: []string{"done"}},
		UpdatedAt: finished,
	}

	require.NoError(t, a.Archive(context.Background(), "job-1", snap))

	body, err := os.ReadFile(filepath.Join(dir, "job-1.json"))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "job-1", rec.ID)
	assert.Equal(t, models.StateComplete, rec.State)
	assert.Equal(t, []string{"done"}, rec.RawResponse.Log)
	assert.NotNil(t, rec.RawResponse.Values)
	assert.True(t, finished.Equal(rec.FinishedAt))
}

func TestArchiveRejectsRunningJobs(t *testing.T) {
	a := NewLocal(t.TempDir(), nil)
	err := a.Archive(context.Background(), "job-1", &worker.Snapshot{State: models.StateRunning})
	assert.Error(t, err)
}

func TestArchiveKeysStayInsideDir(t *testing.T) {
	dir := t.TempDir()
	a := NewLocal(dir, nil)
	require.NoError(t, a.Archive(context.Background(), "../escape", &worker.Snapshot{State: models.StateAborted}))
	_, err := os.Stat(filepath.Join(dir, "escape.json"))
	assert.NoError(t, err)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, config.Config{ArchiveDestination: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(ctx, config.Config{ArchiveDestination: "local", ArchiveDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = New(ctx, config.Config{ArchiveDestination: "s3"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, config.Config{ArchiveDestination: "ftp"}, nil)
	assert.Error(t, err)
}
