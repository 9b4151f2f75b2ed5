package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrUndeterminedThreshold means the population had no data to compute the percentile
	// from. It is an expected outcome and ends the job as aborted, not errored.
	ErrUndeterminedThreshold = errors.New("percentile threshold could not be determined")
	// ErrCancelled is the cancellation cause of a client request.
	ErrCancelled = errors.New("search cancelled by client")
	// ErrEvicted is the cancellation cause of a session removed from the registry.
	ErrEvicted = errors.New("search session evicted")
	// ErrShutdown is the cancellation cause of jobs still running when the service stops.
	ErrShutdown = errors.New("service shutting down")
	// ErrAbandoned marks a mirrored search whose owner stopped publishing before it finished.
	ErrAbandoned = errors.New("search session abandoned by its owner")
)

// BackendQueryError wraps a transport or query failure raised during a stage.
type BackendQueryError struct {
	Stage Stage
	Err   error
}

func (e *BackendQueryError) Error() string {
	return fmt.Sprintf("%s: backend query failed: %v", e.Stage, e.Err)
}

func (e *BackendQueryError) Unwrap() error { return e.Err }
