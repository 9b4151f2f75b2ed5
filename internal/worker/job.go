package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"latency-correlations/internal/models"
)

// Snapshot is an immutable view of a job, replaced as a whole on every publish.
type Snapshot struct {
	State     models.State       `json:"state"`
	Loaded    int                `json:"loaded"`
	Err       string             `json:"error,omitempty"`
	Raw       models.RawResponse `json:"rawResponse"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Abandoned returns a terminal copy of s for a pipeline that will never publish again,
// ending with the same abort entry a cancelled run would log.
func (s *Snapshot) Abandoned(cause error, now time.Time) *Snapshot {
	raw := s.Raw
	raw.Log = append(slices.Clip(s.Raw.Log), fmt.Sprintf("Abort service: %v.", cause))
	raw.Values = nil
	return &Snapshot{State: models.StateAborted, Loaded: 100, Err: cause.Error(), Raw: raw, UpdatedAt: now}
}

// Job is one resumable execution of the correlation pipeline. The pipeline is its only
// writer; any number of readers may call Snapshot concurrently.
type Job struct {
	ID         string
	Params     models.SearchParams
	Originator string
	CreatedAt  time.Time

	lastAccess atomic.Int64
	snap       atomic.Pointer[Snapshot]
	started    atomic.Bool
	done       chan struct{}

	mu           sync.Mutex
	cancel       context.CancelCauseFunc
	pendingCause error
}

// NewJob creates a job in the running state with nothing loaded yet.
func NewJob(id string, params models.SearchParams, originator string, now time.Time) *Job {
	j := &Job{
		ID:         id,
		Params:     params,
		Originator: originator,
		CreatedAt:  now,
		done:       make(chan struct{}),
	}
	j.lastAccess.Store(now.UnixNano())
	j.snap.Store(&Snapshot{State: models.StateRunning, UpdatedAt: now})
	return j
}

// RestoredJob wraps a snapshot read back from a mirror. The job is read-only: the snapshot
// may still be non-terminal when another process runs the pipeline, but nothing here
// will ever publish for it.
func RestoredJob(id string, snap *Snapshot, now time.Time) *Job {
	j := &Job{ID: id, CreatedAt: now, done: make(chan struct{})}
	j.lastAccess.Store(now.UnixNano())
	j.snap.Store(snap)
	j.started.Store(true)
	close(j.done)
	return j
}

// Snapshot returns the latest published state.
func (j *Job) Snapshot() *Snapshot { return j.snap.Load() }

// Touch records an access for idle eviction.
func (j *Job) Touch(now time.Time) { j.lastAccess.Store(now.UnixNano()) }

// LastAccessed returns the time of the latest access.
func (j *Job) LastAccessed() time.Time { return time.Unix(0, j.lastAccess.Load()) }

// Done is closed once the job reached a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel asks the pipeline to stop at its next yield point. It is a no-op for jobs that
// already finished.
func (j *Job) Cancel(cause error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		j.cancel(cause)
		return
	}
	if j.pendingCause == nil {
		j.pendingCause = cause
	}
}

// bind derives the pipeline context, honouring a cancellation that arrived before start.
func (j *Job) bind(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancelCause(ctx)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
	if j.pendingCause != nil {
		cancel(j.pendingCause)
	}
	return ctx
}

func (j *Job) release() {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel(context.Canceled)
	}
	j.mu.Unlock()
	close(j.done)
}
