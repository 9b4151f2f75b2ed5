package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlations_jobs_started_total", Help: "Correlation search jobs started"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "correlations_jobs_finished_total", Help: "Correlation search jobs that reached a terminal state"}, []string{"state"})
	ActiveJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "correlations_jobs_active", Help: "Pipelines currently executing"})
	TrackedSessions  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "correlations_sessions_tracked", Help: "Sessions held by the registry"})
	SessionsEvicted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlations_sessions_evicted_total", Help: "Sessions removed by eviction"})
	Polls            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "correlations_polls_total", Help: "Poll requests by outcome"}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlations_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "correlations_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsFinished,
			ActiveJobs,
			TrackedSessions,
			SessionsEvicted,
			Polls,
			RateLimitRejects,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
