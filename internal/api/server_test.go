package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
	"latency-correlations/internal/ratelimit"
	"latency-correlations/internal/session"
	"latency-correlations/internal/worker"
)

func testDocs() []backend.Document {
	ts := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	var docs []backend.Document
	for i := 0; i < 300; i++ {
		version := fmt.Sprintf("1.%d", i%3)
		if i >= 270 {
			version = "2.0-beta"
		}
		docs = append(docs, backend.Document{
			Timestamp: ts,
			Duration:  float64(2000 + 25*i),
			Fields:    map[string]string{"service.version": version, "service.environment": "production"},
		})
	}
	return docs
}

func newTestServer(t *testing.T, docs []backend.Document, limiter *ratelimit.TokenBucket) *httptest.Server {
	t.Helper()
	reg := session.NewRegistry(backend.NewMemory(docs), worker.Options{}, session.Options{}, nil)
	ts := httptest.NewServer(New(reg, limiter, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, header map[string]string) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) models.SearchResponse {
	t.Helper()
	defer resp.Body.Close()
	var out models.SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func pollUntilDone(t *testing.T, base, id string) models.SearchResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	last := -1
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/internal/correlations/search/" + id)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode(t, resp)
		assert.GreaterOrEqual(t, out.Loaded, last, "loaded never decreases")
		last = out.Loaded
		if !out.IsRunning {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s still running", id)
	return models.SearchResponse{}
}

var searchParams = models.SearchParams{
	Environment:         "production",
	Start:               "2021-01-01",
	End:                 "2022-01-01",
	PercentileThreshold: 95,
}

func TestSubmitAndPoll(t *testing.T) {
	ts := newTestServer(t, testDocs(), nil)

	resp := postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: searchParams}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode(t, resp)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, 100, first.Total)
	assert.False(t, first.IsRestored)

	final := pollUntilDone(t, ts.URL, first.ID)
	assert.Equal(t, models.StateComplete, final.State)
	assert.Equal(t, 100, final.Loaded)
	assert.False(t, final.IsPartial)
	assert.True(t, final.IsRestored, "polls come from other requests")
	assert.Len(t, final.RawResponse.Log, 8)
	assert.Len(t, final.RawResponse.OverallHistogram, 101)
	require.NotEmpty(t, final.RawResponse.Values)
	assert.Equal(t, "service.version", final.RawResponse.Values[0].Field)
	assert.Equal(t, "2.0-beta", final.RawResponse.Values[0].Value)

	attach := postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{ID: first.ID}, nil)
	require.Equal(t, http.StatusOK, attach.StatusCode)
	assert.Equal(t, first.ID, decode(t, attach).ID)
}

func TestEmptyPopulationAborts(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: searchParams}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := pollUntilDone(t, ts.URL, decode(t, resp).ID)

	assert.Equal(t, models.StateAborted, final.State)
	assert.Equal(t, []string{
		"Fetched 95th percentile value of undefined based on 0 documents.",
		"Abort service since percentileThresholdValue could not be determined.",
	}, final.RawResponse.Log)
	assert.Nil(t, final.RawResponse.Values)
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t, testDocs(), nil)

	resp, err := http.Get(ts.URL + "/internal/correlations/search/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{ID: "does-not-exist"}, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/internal/correlations/search/does-not-exist/cancel", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectsInvalidRequests(t *testing.T) {
	ts := newTestServer(t, testDocs(), nil)

	resp, err := http.Post(ts.URL+"/internal/correlations/search", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	params := searchParams
	params.PercentileThreshold = 120
	resp = postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: params}, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvictThenPoll(t *testing.T) {
	ts := newTestServer(t, testDocs(), nil)
	resp := postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: searchParams}, nil)
	id := decode(t, resp).ID

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/internal/correlations/search/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	poll, err := http.Get(ts.URL + "/internal/correlations/search/" + id)
	require.NoError(t, err)
	poll.Body.Close()
	assert.Equal(t, http.StatusNotFound, poll.StatusCode)
}

func TestSubmissionsAreRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, 0.001)
	ts := newTestServer(t, testDocs(), limiter)
	header := map[string]string{"X-Client-ID": "dashboard"}

	resp := postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: searchParams}, header)
	id := decode(t, resp).ID
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/internal/correlations/search", models.SearchRequest{Params: searchParams}, header)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	poll, err := http.Get(ts.URL + "/internal/correlations/search/" + id)
	require.NoError(t, err)
	poll.Body.Close()
	assert.Equal(t, http.StatusOK, poll.StatusCode, "polls are not rate limited")
}

func TestBuildResponse(t *testing.T) {
	running := BuildResponse("a", &worker.Snapshot{State: models.StatePartialComplete, Loaded: 42}, false)
	assert.True(t, running.IsRunning)
	assert.True(t, running.IsPartial)
	assert.Equal(t, 42, running.Loaded)
	assert.Equal(t, 100, running.Total)

	done := BuildResponse("a", &worker.Snapshot{State: models.StateErrored, Loaded: 10, Err: "boom"}, true)
	assert.False(t, done.IsRunning)
	assert.False(t, done.IsPartial)
	assert.True(t, done.IsRestored)
	assert.Equal(t, 100, done.Loaded)
	assert.Equal(t, "boom", done.Error)

	body, err := json.Marshal(done)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"log":[]`)
	assert.NotContains(t, string(body), `"values"`)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
