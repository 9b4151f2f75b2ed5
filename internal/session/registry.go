// Package session tracks the correlation search jobs of this process by id: it creates
// and attaches to jobs, evicts idle ones and forwards published snapshots to the mirror,
// the audit trail and the archive.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/models"
	"latency-correlations/internal/telemetry"
	"latency-correlations/internal/worker"
)

// ErrUnknownSession is returned for ids that are neither tracked nor mirrored.
var ErrUnknownSession = errors.New("unknown search session")

// Mirror persists snapshots outside the process.
type Mirror interface {
	Save(ctx context.Context, id string, snap *worker.Snapshot) error
	Load(ctx context.Context, id string) (*worker.Snapshot, bool, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Auditor records job lifecycle events.
type Auditor interface {
	RecordJob(ctx context.Context, rec models.JobRecord) error
	UpdateJobState(ctx context.Context, id string, state models.State, loaded int, lastErr *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Archiver stores final results.
type Archiver interface {
	Archive(ctx context.Context, id string, snap *worker.Snapshot) error
}

// Options configure a Registry. Mirror, Auditor and Archiver are optional.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Mirror        Mirror
	Auditor       Auditor
	Archiver      Archiver
	// SideEffectTimeout bounds each mirror, audit or archive call, and how long eviction
	// waits for cancelled pipelines to stop.
	SideEffectTimeout time.Duration
	// StaleAfter is how long a mirrored, unfinished snapshot may go without an update
	// before it is reported as aborted.
	StaleAfter time.Duration
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Job      *worker.Job
	Created  bool
	Restored bool
}

// Registry maps ids to jobs. Its lock only guards the map; no backend or side-effect
// call runs while holding it.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*worker.Job
	attached map[string]bool

	exec   *worker.Executor
	base   context.Context
	stop   context.CancelCauseFunc
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewRegistry builds a registry and the executor its jobs run on. Pipelines run under a
// context owned by the registry, detached from any request.
func NewRegistry(gw backend.Gateway, wopts worker.Options, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	base, stop := context.WithCancelCause(context.Background())
	r := &Registry{
		jobs:     make(map[string]*worker.Job),
		attached: make(map[string]bool),
		base:     base,
		stop:     stop,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	next := wopts.OnPublish
	wopts.OnPublish = func(j *worker.Job, s *worker.Snapshot) {
		r.published(j, s)
		if next != nil {
			next(j, s)
		}
	}
	r.exec = worker.NewExecutor(gw, wopts, logger)
	return r
}

// Resolve creates a job when id is empty, otherwise attaches to the job with that id.
// A job is restored when the caller is not the request that created it. Jobs only known
// to the mirror come back as read-only restored jobs.
func (r *Registry) Resolve(ctx context.Context, id string, params models.SearchParams, originator string) (Resolution, error) {
	now := r.now()
	if id == "" {
		return r.create(ctx, params, originator, now), nil
	}

	r.mu.Lock()
	j, ok := r.jobs[id]
	firstAttach := false
	if ok && j.Originator != originator && !r.attached[id] {
		r.attached[id] = true
		firstAttach = true
	}
	r.mu.Unlock()

	if ok {
		j.Touch(now)
		if r.opts.Mirror != nil {
			r.sideEffect(func(ctx context.Context) error { return r.opts.Mirror.Touch(ctx, id) }, "touch mirror", id)
		}
		if firstAttach {
			r.audit(id, "attached", originator)
		}
		return Resolution{Job: j, Restored: j.Originator != originator}, nil
	}

	if r.opts.Mirror != nil {
		snap, found, err := r.opts.Mirror.Load(ctx, id)
		if err != nil {
			r.logger.Warn("mirror lookup failed", "job_id", id, "error", err)
		} else if found {
			if !snap.State.Terminal() && now.Sub(snap.UpdatedAt) > r.opts.StaleAfter {
				r.logger.Warn("mirrored search went stale", "job_id", id, "updated_at", snap.UpdatedAt)
				snap = snap.Abandoned(worker.ErrAbandoned, now)
			}
			return Resolution{Job: worker.RestoredJob(id, snap, now), Restored: true}, nil
		}
	}
	return Resolution{}, ErrUnknownSession
}

func (r *Registry) create(ctx context.Context, params models.SearchParams, originator string, now time.Time) Resolution {
	j := worker.NewJob(r.newID(), params, originator, now)

	r.mu.Lock()
	r.jobs[j.ID] = j
	n := len(r.jobs)
	r.mu.Unlock()
	telemetry.TrackedSessions.Set(float64(n))

	if r.opts.Auditor != nil {
		rec := models.JobRecord{
			ID:         j.ID,
			Params:     params,
			State:      models.StateRunning,
			Originator: originator,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.sideEffect(func(ctx context.Context) error { return r.opts.Auditor.RecordJob(ctx, rec) }, "record job", j.ID)
		r.audit(j.ID, "created", originator)
	}
	r.logger.InfoContext(ctx, "correlation search created", "job_id", j.ID, "originator", originator)
	r.exec.Start(r.base, j)
	return Resolution{Job: j, Created: true}
}

// Get returns the tracked job with id.
func (r *Registry) Get(id string) (*worker.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Len reports how many jobs are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Cancel stops the job with id at its next yield point. The job stays tracked so its
// aborted result can still be polled.
func (r *Registry) Cancel(id string) (*worker.Job, error) {
	j, ok := r.Get(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	j.Cancel(worker.ErrCancelled)
	r.audit(id, "cancelled", "")
	return j, nil
}

// Evict forgets the job with id, cancelling it if still running, and drops its mirror
// entry. Evicting an id that is only mirrored drops the mirror entry.
func (r *Registry) Evict(ctx context.Context, id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if ok {
		r.forget(id)
	}
	r.mu.Unlock()

	if !ok {
		if r.opts.Mirror == nil {
			return ErrUnknownSession
		}
		_, found, err := r.opts.Mirror.Load(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownSession
		}
	}
	r.evicted([]evictee{{id: id, job: j}})
	return nil
}

// Sweep evicts every job idle for longer than the idle timeout and returns how many.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.opts.IdleTimeout)
	var stale []evictee

	r.mu.Lock()
	for id, j := range r.jobs {
		if j.LastAccessed().Before(cutoff) {
			stale = append(stale, evictee{id: id, job: j})
			r.forget(id)
		}
	}
	r.mu.Unlock()

	r.evicted(stale)
	if len(stale) > 0 {
		r.logger.Info("evicted idle correlation searches", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps idle sessions on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Shutdown cancels every running pipeline and waits for them to publish their final
// state, or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stop(worker.ErrShutdown)

	r.mu.Lock()
	jobs := make([]*worker.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// forget must be called with mu held.
func (r *Registry) forget(id string) {
	delete(r.jobs, id)
	delete(r.attached, id)
	telemetry.TrackedSessions.Set(float64(len(r.jobs)))
}

// evictee is a job already removed from the map; job is nil for mirror-only ids.
type evictee struct {
	id  string
	job *worker.Job
}

// evicted cancels every job first and then waits for all of them under one deadline, so a
// batch of stuck pipelines costs a single SideEffectTimeout.
func (r *Registry) evicted(batch []evictee) {
	for _, e := range batch {
		if e.job != nil {
			e.job.Cancel(worker.ErrEvicted)
		}
	}
	// A pipeline may be mid-publish; let it finish so the mirror entry stays deleted.
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SideEffectTimeout)
	defer cancel()
	for _, e := range batch {
		if e.job == nil {
			continue
		}
		select {
		case <-e.job.Done():
		case <-ctx.Done():
		}
	}

	for _, e := range batch {
		telemetry.SessionsEvicted.Inc()
		if r.opts.Mirror != nil {
			id := e.id
			r.sideEffect(func(ctx context.Context) error { return r.opts.Mirror.Delete(ctx, id) }, "delete mirror", id)
		}
		r.audit(e.id, "evicted", "")
	}
}

func (r *Registry) tracked(j *worker.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[j.ID] == j
}

// published runs on the pipeline goroutine after every snapshot swap.
func (r *Registry) published(j *worker.Job, s *worker.Snapshot) {
	if !r.tracked(j) {
		return
	}
	if r.opts.Mirror != nil {
		r.sideEffect(func(ctx context.Context) error { return r.opts.Mirror.Save(ctx, j.ID, s) }, "mirror snapshot", j.ID)
	}
	if !s.State.Terminal() {
		return
	}
	if r.opts.Auditor != nil {
		var lastErr *string
		if s.Err != "" {
			lastErr = &s.Err
		}
		r.sideEffect(func(ctx context.Context) error {
			return r.opts.Auditor.UpdateJobState(ctx, j.ID, s.State, s.Loaded, lastErr)
		}, "update job state", j.ID)
		r.audit(j.ID, string(s.State), s.Err)
	}
	if r.opts.Archiver != nil {
		r.sideEffect(func(ctx context.Context) error { return r.opts.Archiver.Archive(ctx, j.ID, s) }, "archive result", j.ID)
	}
}

func (r *Registry) audit(id, event, detail string) {
	if r.opts.Auditor == nil {
		return
	}
	r.sideEffect(func(ctx context.Context) error { return r.opts.Auditor.AppendAudit(ctx, id, event, detail) }, "append audit", id)
}

// sideEffect runs fn with its own timeout; failures are logged and never reach the job.
func (r *Registry) sideEffect(fn func(ctx context.Context) error, what, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.base), r.opts.SideEffectTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn(what+" failed", "job_id", id, "error", err)
	}
}
