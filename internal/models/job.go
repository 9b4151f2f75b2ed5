package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a correlation search job.
type State string

const (
	StateRunning         State = "running"
	StatePartialComplete State = "partial_complete"
	StateComplete        State = "complete"
	StateAborted         State = "aborted"
	StateErrored         State = "errored"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateAborted, StateErrored:
		return true
	default:
		return false
	}
}

// Environment filter sentinels understood by every gateway.
const (
	EnvironmentAll        = "ENVIRONMENT_ALL"
	EnvironmentNotDefined = "ENVIRONMENT_NOT_DEFINED"
)

// SearchParams is the immutable query snapshot a job is created from.
type SearchParams struct {
	Environment         string  `json:"environment"`
	Start               string  `json:"start"`
	End                 string  `json:"end"`
	Kuery               string  `json:"kuery"`
	PercentileThreshold float64 `json:"percentileThreshold"`
	ServiceName         string  `json:"serviceName,omitempty"`
	TransactionName     string  `json:"transactionName,omitempty"`
	TransactionType     string  `json:"transactionType,omitempty"`
}

// Validate checks the parameters that do not depend on the backend.
func (p SearchParams) Validate() error {
	if p.PercentileThreshold <= 0 || p.PercentileThreshold > 100 {
		return fmt.Errorf("percentileThreshold must be in (0, 100], got %v", p.PercentileThreshold)
	}
	return nil
}

// SearchRequest is the body of a submit/attach call.
type SearchRequest struct {
	ID     string       `json:"id,omitempty"`
	Params SearchParams `json:"params"`
}

// HistogramItem is one latency bucket: its lower bound and document count.
type HistogramItem struct {
	Key      float64 `json:"key"`
	DocCount int64   `json:"doc_count"`
}

// CorrelationValue is a field/value pair whose latency distribution differs significantly
// from the overall population.
type CorrelationValue struct {
	Field       string          `json:"field"`
	Value       string          `json:"value"`
	Correlation float64         `json:"correlation"`
	KSTest      float64         `json:"ksTest"`
	Fraction    float64         `json:"fraction"`
	Histogram   []HistogramItem `json:"histogram"`
}

// RawResponse carries the results published so far.
type RawResponse struct {
	Took                     int64              `json:"took"`
	PercentileThresholdValue *float64           `json:"percentileThresholdValue,omitempty"`
	OverallHistogram         []HistogramItem    `json:"overallHistogram,omitempty"`
	Values                   []CorrelationValue `json:"values,omitempty"`
	Log                      []string           `json:"log"`
}

// MarshalJSON keeps an empty, non-nil Values as [] while a nil Values is omitted.
func (r RawResponse) MarshalJSON() ([]byte, error) {
	type alias RawResponse
	out := struct {
		alias
		Values *[]CorrelationValue `json:"values,omitempty"`
	}{alias: alias(r)}
	if r.Values != nil {
		out.Values = &r.Values
	}
	if out.Log == nil {
		out.Log = []string{}
	}
	return json.Marshal(out)
}

// SearchResponse is what every poll observes.
type SearchResponse struct {
	ID          string      `json:"id"`
	Loaded      int         `json:"loaded"`
	Total       int         `json:"total"`
	IsRunning   bool        `json:"isRunning"`
	IsPartial   bool        `json:"isPartial"`
	IsRestored  bool        `json:"isRestored"`
	State       State       `json:"state"`
	Error       string      `json:"error,omitempty"`
	RawResponse RawResponse `json:"rawResponse"`
}

// JobRecord is the persisted summary of a search job.
type JobRecord struct {
	ID         string       `json:"id"`
	Params     SearchParams `json:"params"`
	State      State        `json:"state"`
	Loaded     int          `json:"loaded"`
	LastError  *string      `json:"last_error,omitempty"`
	Originator string       `json:"originator"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
