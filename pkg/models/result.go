package models

import "time"

// DispatchStatus is the terminal status of one task execution.
type DispatchStatus string

const (
	// StatusCompleted indicates the worker finished and produced output.
	StatusCompleted DispatchStatus = "completed"
	// StatusFailed indicates a worker-local failure (violation, tool, timeout).
	StatusFailed DispatchStatus = "failed"
	// StatusCancelled indicates cooperative cancellation was honored.
	StatusCancelled DispatchStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s DispatchStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DispatchResult is the outcome of one Task execution.
type DispatchResult struct {
	// TaskID is the task this result belongs to.
	TaskID string `json:"task_id"`
	// Profile is the capability profile the task ran under.
	Profile string `json:"profile"`
	// Status is completed, failed or cancelled.
	Status DispatchStatus `json:"status"`
	// Output is the worker's result payload.
	Output string `json:"output,omitempty"`
	// Err holds the worker-local failure, nil on success.
	Err error `json:"-"`
	// Error is the string form of Err, kept for serialization.
	Error string `json:"error,omitempty"`
	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`
	// SessionID is the session the task was attached to.
	SessionID string `json:"session_id,omitempty"`
	// Round is the round that issued the task.
	Round int `json:"round"`
}

// Succeeded reports whether the task completed.
func (r DispatchResult) Succeeded() bool {
	return r.Status == StatusCompleted
}

// NewFailure builds a failed or cancelled result from a worker-local error.
// Cancellation maps to StatusCancelled, everything else to StatusFailed.
func NewFailure(task Task, err error, d time.Duration) DispatchResult {
	status := StatusFailed
	if IsCancellation(err) {
		status = StatusCancelled
	}
	r := DispatchResult{
		TaskID:    task.ID,
		Profile:   task.Profile,
		Status:    status,
		Err:       err,
		Duration:  d,
		SessionID: task.SessionID,
		Round:     task.Round,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
