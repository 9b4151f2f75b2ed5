package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
	"latency-correlations/internal/telemetry"
)

var tracer = otel.Tracer("latency-correlations/worker")

// Options tune the pipeline.
type Options struct {
	Policy          backend.ExclusionPolicy
	TopK            int
	HistogramSteps  int
	PairConcurrency int
	// OnPublish is called from the pipeline goroutine after every snapshot swap, in
	// publication order.
	OnPublish func(j *Job, s *Snapshot)
}

// Executor drives jobs through the stage pipeline.
type Executor struct {
	gateway backend.Gateway
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor builds an executor over gw. A nil logger uses slog.Default().
func NewExecutor(gw backend.Gateway, opts Options, logger *slog.Logger) *Executor {
	if opts.TopK <= 0 {
		opts.TopK = 20
	}
	if opts.HistogramSteps <= 1 {
		opts.HistogramSteps = 100
	}
	if opts.PairConcurrency <= 0 {
		opts.PairConcurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gateway: gw, opts: opts, logger: logger, now: time.Now}
}

// Start launches the pipeline for j in the background and reports whether it did.
// Only the first call per job has an effect. ctx bounds the pipeline's lifetime and
// must outlive the request that created the job.
func (e *Executor) Start(ctx context.Context, j *Job) bool {
	if !j.started.CompareAndSwap(false, true) {
		return false
	}
	go e.execute(ctx, j)
	return true
}

// Run executes the pipeline for j synchronously and returns its final snapshot.
func (e *Executor) Run(ctx context.Context, j *Job) *Snapshot {
	if !j.started.CompareAndSwap(false, true) {
		select {
		case <-j.Done():
		case <-ctx.Done():
		}
		return j.Snapshot()
	}
	e.execute(ctx, j)
	return j.Snapshot()
}

func (e *Executor) execute(ctx context.Context, j *Job) {
	defer j.release()
	ctx = j.bind(ctx)
	ctx, span := tracer.Start(ctx, "correlations.search", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.Float64("percentile_threshold", j.Params.PercentileThreshold),
	))
	defer span.End()

	telemetry.JobsStarted.Inc()
	telemetry.ActiveJobs.Inc()
	defer telemetry.ActiveJobs.Dec()

	r := &run{
		job:        j,
		exec:       e,
		gateway:    e.gateway,
		opts:       e.opts,
		started:    e.now(),
		state:      models.StateRunning,
		progressCh: make(chan struct{}, 1),
		logger:     e.logger.With("job_id", j.ID),
	}

	q, err := backend.QueryFromParams(j.Params)
	if err == nil {
		err = j.Params.Validate()
	}
	if err != nil {
		r.finish(models.StateErrored, fmt.Sprintf("Invalid search parameters: %v.", err), err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	r.query = q

	for _, def := range pipeline {
		if ctx.Err() != nil {
			r.abort(context.Cause(ctx))
			return
		}
		r.begin(def)

		start := e.now()
		sctx, sspan := tracer.Start(ctx, "stage."+def.stage.String())
		msg, err := def.run(sctx, r)
		elapsed := e.now().Sub(start)
		telemetry.StageDuration.WithLabelValues(def.stage.String()).Observe(elapsed.Seconds())
		if err != nil {
			sspan.RecordError(err)
			sspan.SetStatus(codes.Error, err.Error())
			sspan.End()
			r.fail(ctx, def.stage, err)
			return
		}
		sspan.End()
		r.logger.Debug("stage completed", "stage", def.stage.String(), "duration", elapsed)
		r.complete(def, msg)
	}
}

// run is the mutable state of one pipeline execution. It is owned by the pipeline
// goroutine; stage workers only touch unitsDone and progressCh.
type run struct {
	job     *Job
	exec    *Executor
	gateway backend.Gateway
	opts    Options
	query   backend.Query
	started time.Time
	logger  *slog.Logger

	state     models.State
	raw       models.RawResponse
	completed float64
	current   float64
	// unitsTotal/unitsDone report progress inside an incremental stage.
	unitsTotal int64
	unitsDone  atomic.Int64
	progressCh chan struct{}
	lastLoaded int

	threshold        *float64
	histogramRanges  []backend.Range
	overallHistogram []int64
	expectations     []float64
	percentileRanges []backend.Range
	fieldCandidates  []string
	pairs            []backend.FieldValue
	rangeFractions   []float64
	pairFractions    []float64
	totalDocCount    int64
}

func (r *run) begin(def stageDef) {
	r.current = def.weight
	r.unitsTotal = 0
	r.unitsDone.Store(0)
	if r.state != models.StateRunning {
		r.publish(models.StateRunning, "")
	}
}

func (r *run) complete(def stageDef, msg string) {
	r.completed += def.weight
	r.current = 0
	r.unitsTotal = 0
	if def.stage == pipeline[len(pipeline)-1].stage {
		r.finish(models.StateComplete, msg, nil)
		return
	}
	if msg == "" && def.weight == 0 {
		return
	}
	if msg != "" {
		r.raw.Log = append(r.raw.Log, msg)
	}
	r.publish(models.StatePartialComplete, "")
}

func (r *run) fail(ctx context.Context, stage Stage, err error) {
	switch {
	case ctx.Err() != nil:
		r.abort(context.Cause(ctx))
	case errors.Is(err, ErrUndeterminedThreshold):
		r.finish(models.StateAborted, "Abort service since percentileThresholdValue could not be determined.", nil)
	default:
		qerr := &BackendQueryError{Stage: stage, Err: err}
		r.finish(models.StateErrored, fmt.Sprintf("Failed to load %s: %v.", stage, err), qerr)
	}
}

func (r *run) abort(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	r.finish(models.StateAborted, fmt.Sprintf("Abort service: %v.", cause), cause)
}

func (r *run) finish(state models.State, msg string, err error) {
	if msg != "" {
		r.raw.Log = append(r.raw.Log, msg)
	}
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	r.publish(state, errMsg)
	telemetry.JobsFinished.WithLabelValues(string(state)).Inc()

	attrs := []any{"state", state, "took", time.Duration(r.raw.Took) * time.Millisecond}
	if err != nil && state == models.StateErrored {
		r.logger.Error("correlation search failed", append(attrs, "error", err)...)
		return
	}
	r.logger.Info("correlation search finished", attrs...)
}

// publish swaps in a new snapshot built from the run's current state.
func (r *run) publish(state models.State, errMsg string) {
	r.state = state
	now := r.exec.now()
	r.raw.Took = now.Sub(r.started).Milliseconds()

	raw := r.raw
	raw.Log = slices.Clip(r.raw.Log)
	s := &Snapshot{State: state, Loaded: r.loaded(), Err: errMsg, Raw: raw, UpdatedAt: now}
	r.lastLoaded = s.Loaded
	r.job.snap.Store(s)
	if r.opts.OnPublish != nil {
		r.opts.OnPublish(r.job, s)
	}
}

func (r *run) loaded() int {
	if r.state.Terminal() {
		return 100
	}
	p := r.completed
	if r.unitsTotal > 0 {
		p += r.current * float64(r.unitsDone.Load()) / float64(r.unitsTotal)
	}
	return min(99, int(math.Round(p*100)))
}

// startUnits declares how many units of work the running stage reports progress for.
func (r *run) startUnits(n int) {
	r.unitsTotal = int64(n)
	r.unitsDone.Store(0)
}

// unitDone is called by stage workers; the pipeline goroutine picks the signal up in wait.
func (r *run) unitDone() {
	r.unitsDone.Add(1)
	select {
	case r.progressCh <- struct{}{}:
	default:
	}
}

// wait blocks until g finishes, publishing progress in between from the pipeline goroutine.
func (r *run) wait(g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	for {
		select {
		case err := <-done:
			return err
		case <-r.progressCh:
			if r.loaded() != r.lastLoaded {
				r.publish(r.state, "")
			}
		}
	}
}
