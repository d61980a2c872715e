// Package policy defines configurable limits for orchestrator behavior.
// Tunables live here rather than as literals in the orchestration loop so
// they can be set from configuration and overridden in tests.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Round limits
	Rounds RoundPolicy

	// Dispatch limits
	Dispatch DispatchPolicy

	// Session lifecycle
	Sessions SessionPolicy

	// Event delivery
	Events EventPolicy
}

// RoundPolicy bounds the planning loop.
type RoundPolicy struct {
	// MaxRounds is the hard ceiling on delegation rounds per goal.
	MaxRounds int
}

// DispatchPolicy controls task execution.
type DispatchPolicy struct {
	// DefaultTimeout applies to tasks without their own deadline.
	DefaultTimeout time.Duration

	// MaxConcurrency bounds the tasks of one foreground batch running at once.
	MaxConcurrency int

	// InboxBuffer is the capacity of the background notification inbox.
	InboxBuffer int
}

// SessionPolicy controls what happens to sessions when a goal ends.
type SessionPolicy struct {
	// TeardownOnDone closes the sessions a goal created once it finishes.
	TeardownOnDone bool
}

// EventPolicy controls the observer event stream.
type EventPolicy struct {
	// BufferSize is the capacity of the event channel.
	BufferSize int

	// DropAfter is how long Emit waits on a full channel before dropping.
	DropAfter time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Rounds: RoundPolicy{
			MaxRounds: 10,
		},
		Dispatch: DispatchPolicy{
			DefaultTimeout: 10 * time.Minute,
			MaxConcurrency: 8,
			InboxBuffer:    64,
		},
		Sessions: SessionPolicy{
			TeardownOnDone: true,
		},
		Events: EventPolicy{
			BufferSize: 100,
			DropAfter:  100 * time.Millisecond,
		},
	}
}

// Validate checks that policy values are within acceptable ranges,
// replacing out-of-range values with defaults.
func (c *Config) Validate() error {
	if c.Rounds.MaxRounds < 1 {
		c.Rounds.MaxRounds = 10
	}
	if c.Dispatch.DefaultTimeout < 0 {
		c.Dispatch.DefaultTimeout = 10 * time.Minute
	}
	if c.Dispatch.MaxConcurrency < 0 {
		c.Dispatch.MaxConcurrency = 8
	}
	if c.Dispatch.InboxBuffer < 1 {
		c.Dispatch.InboxBuffer = 64
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = 100
	}
	if c.Events.DropAfter < time.Millisecond {
		c.Events.DropAfter = 100 * time.Millisecond
	}
	return nil
}
