package api

import (
	"latency-correlations/internal/models"
	"latency-correlations/internal/worker"
)

// TotalProgress is the fixed denominator of the loaded counter.
const TotalProgress = 100

// BuildResponse maps a job snapshot onto the polling protocol. A job keeps reporting
// itself as running and partial until it reaches a terminal state.
func BuildResponse(id string, snap *worker.Snapshot, restored bool) models.SearchResponse {
	running := !snap.State.Terminal()
	loaded := snap.Loaded
	if !running {
		loaded = TotalProgress
	}
	return models.SearchResponse{
		ID:          id,
		Loaded:      loaded,
		Total:       TotalProgress,
		IsRunning:   running,
		IsPartial:   running,
		IsRestored:  restored,
		State:       snap.State,
		Error:       snap.Err,
		RawResponse: snap.Raw,
	}
}
