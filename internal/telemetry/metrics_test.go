package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	JobsFinished.WithLabelValues("complete").Inc()
	StageDuration.WithLabelValues("percentile_threshold").Observe(0.01)

	// Registration is guarded, so a second call must not panic.
	_ = Handler()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `correlations_jobs_finished_total{state="complete"}`)
	assert.Contains(t, string(body), "correlations_stage_duration_seconds_bucket")
}
