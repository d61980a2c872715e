package models

import (
	"errors"
	"fmt"
)

// Structural errors are returned to the caller of the registry, session
// store or scheduler and abort the current dispatch attempt.
var (
	// ErrUnknownProfile is returned when a task names an unregistered profile.
	ErrUnknownProfile = errors.New("unknown capability profile")
	// ErrDuplicateProfile is returned when a profile type is registered twice.
	ErrDuplicateProfile = errors.New("duplicate capability profile")
	// ErrRegistryFrozen is returned when registering after the registry was frozen.
	ErrRegistryFrozen = errors.New("profile registry is frozen")
	// ErrSessionBusy is returned when resuming a session that is already active.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when resuming or appending to a terminated session.
	ErrSessionClosed = errors.New("session terminated")
	// ErrProfileMismatch is returned when a resumed session belongs to another profile.
	ErrProfileMismatch = errors.New("session profile mismatch")
	// ErrRoundLimitExceeded is returned when the orchestrator hits its round ceiling.
	ErrRoundLimitExceeded = errors.New("round limit exceeded")
	// ErrUnknownShorthand is returned by request expansion for unknown commands.
	ErrUnknownShorthand = errors.New("unknown shorthand")
)

// Worker-local errors are captured into a DispatchResult and never
// propagate to sibling tasks.
var (
	// ErrCapabilityViolation is returned when a worker uses a non-permitted operation.
	ErrCapabilityViolation = errors.New("capability violation")
	// ErrToolFailure is returned when an external tool fails unrecoverably.
	ErrToolFailure = errors.New("tool failure")
	// ErrTimeout is returned when a dispatch exceeds its deadline.
	ErrTimeout = errors.New("dispatch timeout")
	// ErrCancelled is returned when a dispatch was cancelled.
	ErrCancelled = errors.New("dispatch cancelled")
)

// CapabilityViolationError records which operation a profile refused.
type CapabilityViolationError struct {
	Profile   string
	Operation string
}

func (e *CapabilityViolationError) Error() string {
	return fmt.Sprintf("%s: profile %q does not permit operation %q", ErrCapabilityViolation, e.Profile, e.Operation)
}

// Is makes errors.Is(err, ErrCapabilityViolation) succeed.
func (e *CapabilityViolationError) Is(target error) bool {
	return target == ErrCapabilityViolation
}

// ToolFailureError wraps an unrecoverable tool error.
type ToolFailureError struct {
	Operation string
	Err       error
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrToolFailure, e.Operation, e.Err)
}

// Is makes errors.Is(err, ErrToolFailure) succeed.
func (e *ToolFailureError) Is(target error) bool {
	return target == ErrToolFailure
}

func (e *ToolFailureError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err represents a cancelled dispatch.
// Timeouts are failures, not cancellations.
func IsCancellation(err error) bool {
	return err != nil && errors.Is(err, ErrCancelled) && !errors.Is(err, ErrTimeout)
}

// IsWorkerLocal reports whether err belongs in a DispatchResult rather
// than the caller's control flow.
func IsWorkerLocal(err error) bool {
	return errors.Is(err, ErrCapabilityViolation) ||
		errors.Is(err, ErrToolFailure) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCancelled)
}
