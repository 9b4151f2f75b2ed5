package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latency-correlations/internal/models"
)

var goldenParams = models.SearchParams{
	Environment:         models.EnvironmentAll,
	Start:               "2020",
	End:                 "2021",
	PercentileThreshold: 95,
}

func newTestExecutor(gw *scriptedGateway, onPublish func(*Job, *Snapshot)) *Executor {
	return NewExecutor(gw, Options{PairConcurrency: 4, OnPublish: onPublish}, nil)
}

func TestRunEmptyPopulationAborts(t *testing.T) {
	exec := newTestExecutor(newEmptyGateway(), nil)
	j := NewJob("empty", goldenParams, "req-1", time.Now())

	s := exec.Run(context.Background(), j)

	assert.Equal(t, models.StateAborted, s.State)
	assert.Equal(t, 100, s.Loaded)
	assert.Equal(t, []string{
		"Fetched 95th percentile value of undefined based on 0 documents.",
		"Abort service since percentileThresholdValue could not be determined.",
	}, s.Raw.Log)
	assert.Nil(t, s.Raw.PercentileThresholdValue)
	assert.Nil(t, s.Raw.OverallHistogram)
	assert.Nil(t, s.Raw.Values)
	assert.Empty(t, s.Err)
	select {
	case <-j.Done():
	default:
		t.Fatal("job not marked done")
	}
}

func TestRunPopulatedScenario(t *testing.T) {
	gw := newGoldenGateway()
	exec := newTestExecutor(gw, nil)
	j := NewJob("golden", goldenParams, "req-1", time.Now())

	s := exec.Run(context.Background(), j)

	require.Equal(t, models.StateComplete, s.State, "log: %v", s.Raw.Log)
	assert.Equal(t, 100, s.Loaded)
	assert.Equal(t, []string{
		"Fetched 95th percentile value of 1309695.875 based on 1244 documents.",
		"Loaded histogram range steps.",
		"Loaded overall histogram chart data.",
		"Loaded percentiles.",
		"Identified 69 fieldCandidates.",
		"Identified 379 fieldValuePairs.",
		"Loaded fractions and totalDocCount of 1244.",
		"Identified 13 significant correlations out of 379 field/value pairs.",
	}, s.Raw.Log)
	require.NotNil(t, s.Raw.PercentileThresholdValue)
	assert.Equal(t, goldenThreshold, *s.Raw.PercentileThresholdValue)
	assert.Len(t, s.Raw.OverallHistogram, 101)

	require.Len(t, s.Raw.Values, goldenSignificant)
	want := map[string]bool{}
	for i := 0; i < goldenSignificant; i++ {
		want[fmt.Sprintf("field.%02d", i)] = true
	}
	for _, v := range s.Raw.Values {
		assert.True(t, want[v.Field], "unexpected field %s", v.Field)
		assert.Equal(t, "v0", v.Value)
		assert.Greater(t, v.Correlation, 0.3)
		assert.Less(t, v.KSTest, 0.1)
		assert.Len(t, v.Histogram, 101)
		assert.InDelta(t, float64(len(gw.subsets[termOf(v)]))/goldenDocs, v.Fraction, 1e-9)
	}
	assert.True(t, sort.SliceIsSorted(s.Raw.Values, func(a, b int) bool {
		return s.Raw.Values[a].Correlation > s.Raw.Values[b].Correlation
	}))
}

func TestRunBackendErrorMarksErrored(t *testing.T) {
	gw := newGoldenGateway()
	gw.failOn = "FieldCandidates"
	gw.failErr = errBackendDown
	exec := newTestExecutor(gw, nil)

	s := exec.Run(context.Background(), NewJob("broken", goldenParams, "req-1", time.Now()))

	assert.Equal(t, models.StateErrored, s.State)
	assert.Equal(t, 100, s.Loaded)
	require.Len(t, s.Raw.Log, 5)
	assert.Equal(t, "Failed to load field_candidates: connection refused.", s.Raw.Log[4])
	assert.Equal(t, "field_candidates: backend query failed: connection refused", s.Err)
	assert.Nil(t, s.Raw.Values)
	assert.Len(t, s.Raw.OverallHistogram, 101, "partial results stay visible")
}

func TestRunRejectsInvalidParams(t *testing.T) {
	exec := newTestExecutor(newGoldenGateway(), nil)
	params := goldenParams
	params.PercentileThreshold = 0

	s := exec.Run(context.Background(), NewJob("invalid", params, "req-1", time.Now()))

	assert.Equal(t, models.StateErrored, s.State)
	require.Len(t, s.Raw.Log, 1)
	assert.Contains(t, s.Raw.Log[0], "Invalid search parameters")
}

func TestCancelAbortsRunningJob(t *testing.T) {
	gw := newGoldenGateway()
	gw.blockOn = "FieldCandidates"
	gw.entered = make(chan struct{})
	exec := newTestExecutor(gw, nil)
	j := NewJob("cancel", goldenParams, "req-1", time.Now())

	require.True(t, exec.Start(context.Background(), j))
	assert.False(t, exec.Start(context.Background(), j), "second start must be a no-op")

	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never reached field candidates")
	}
	j.Cancel(ErrCancelled)

	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	s := j.Snapshot()
	assert.Equal(t, models.StateAborted, s.State)
	assert.Equal(t, 100, s.Loaded)
	assert.Equal(t, "Abort service: search cancelled by client.", s.Raw.Log[len(s.Raw.Log)-1])
	assert.Equal(t, ErrCancelled.Error(), s.Err)
}

func TestCancelBeforeStart(t *testing.T) {
	exec := newTestExecutor(newGoldenGateway(), nil)
	j := NewJob("early", goldenParams, "req-1", time.Now())
	j.Cancel(ErrEvicted)

	s := exec.Run(context.Background(), j)

	assert.Equal(t, models.StateAborted, s.State)
	assert.Equal(t, []string{"Abort service: search session evicted."}, s.Raw.Log)
}

func TestPublishedSnapshotsAreMonotonic(t *testing.T) {
	var published []*Snapshot
	exec := newTestExecutor(newGoldenGateway(), func(_ *Job, s *Snapshot) {
		published = append(published, s)
	})

	exec.Run(context.Background(), NewJob("mono", goldenParams, "req-1", time.Now()))

	require.NotEmpty(t, published)
	sawPartial := false
	for i, s := range published {
		if s.State == models.StatePartialComplete {
			sawPartial = true
		}
		if i == len(published)-1 {
			assert.Equal(t, models.StateComplete, s.State)
			continue
		}
		assert.False(t, s.State.Terminal(), "terminal state published before the end")
		next := published[i+1]
		assert.LessOrEqual(t, s.Loaded, next.Loaded)
		require.LessOrEqual(t, len(s.Raw.Log), len(next.Raw.Log))
		assert.Equal(t, s.Raw.Log, next.Raw.Log[:len(s.Raw.Log)], "log entries are only appended")
		if s.Raw.PercentileThresholdValue != nil {
			assert.Equal(t, *s.Raw.PercentileThresholdValue, *next.Raw.PercentileThresholdValue)
		}
	}
	assert.True(t, sawPartial)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	exec := newTestExecutor(newGoldenGateway(), nil)
	j := NewJob("readers", goldenParams, "req-1", time.Now())
	require.True(t, exec.Start(context.Background(), j))

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				s := j.Snapshot()
				if s.Loaded < last {
					t.Errorf("loaded went backwards: %d -> %d", last, s.Loaded)
				}
				last = s.Loaded
				if (s.Loaded == 100) != s.State.Terminal() {
					t.Errorf("torn snapshot: loaded=%d state=%s", s.Loaded, s.State)
				}
				if s.State.Terminal() {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, models.StateComplete, j.Snapshot().State)
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "percentile_threshold", StagePercentileThreshold.String())
	assert.Equal(t, "correlations", StageCorrelations.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
	for i, def := range pipeline {
		assert.Equal(t, Stage(i), def.stage)
	}
}
