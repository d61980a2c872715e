package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventGoalStarted indicates Run accepted a goal.
	EventGoalStarted EventType = "goal_started"
	// EventStateChanged indicates a lifecycle transition.
	EventStateChanged EventType = "state_changed"
	// EventRoundStarted indicates a delegation round is being dispatched.
	EventRoundStarted EventType = "round_started"
	// EventTaskDispatched indicates a task was handed to the scheduler.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task honored cancellation.
	EventTaskCancelled EventType = "task_cancelled"
	// EventNotification indicates a background result reached the inbox.
	EventNotification EventType = "notification"
	// EventGoalDone indicates the goal finished with a final action.
	EventGoalDone EventType = "goal_done"
	// EventGoalFailed indicates the goal ended in failure.
	EventGoalFailed EventType = "goal_failed"
)

// Event is emitted by the orchestrator for observers such as the TUI.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// State is the lifecycle state after the event.
	State State `json:"state,omitempty"`
	// Round is the current round number.
	Round int `json:"round,omitempty"`
	// TaskID is the ID of the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// Profile is the capability profile of the related task.
	Profile string `json:"profile,omitempty"`
	// Mode is the related task's execution mode.
	Mode string `json:"mode,omitempty"`
	// SessionID is the related session, if applicable.
	SessionID string `json:"session_id,omitempty"`
	// HandleID is the background handle, if applicable.
	HandleID string `json:"handle_id,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains error details for failure events.
	Error error `json:"-"`
	// Duration is the task or goal execution time.
	Duration time.Duration `json:"duration,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
