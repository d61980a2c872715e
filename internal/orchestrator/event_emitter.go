package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventEmitter handles event emission for the orchestrator.
// It provides a simple, thread-safe way to emit events to one subscriber.
type EventEmitter struct {
	events       chan Event
	dropAfter    time.Duration
	droppedCount atomic.Uint64
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, dropAfter time.Duration, logger *zap.Logger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		events:    make(chan Event, bufferSize),
		dropAfter: dropAfter,
		logger:    logger,
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it waits up to dropAfter before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(e.dropAfter)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // every 10th drop
			e.logger.Warn("event channel full, dropping event",
				zap.Uint64("dropped_total", count),
				zap.String("type", string(event.Type)),
			)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later Emit calls are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
