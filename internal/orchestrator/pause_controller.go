package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by WaitIfPaused after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// PauseController holds planning between rounds. Running tasks are not
// affected; a pause only delays the next planning step.
type PauseController struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	// wake is closed whenever the controller leaves the paused state.
	wake   chan struct{}
	logger *zap.Logger
}

// NewPauseController creates a new PauseController.
func NewPauseController(logger *zap.Logger) *PauseController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PauseController{wake: make(chan struct{}), logger: logger}
}

// Pause stops new rounds from being planned.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused && !p.stopped {
		p.paused = true
		p.wake = make(chan struct{})
		p.logger.Info("paused, no new rounds will be planned")
	}
}

// Resume lets planning continue.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.wake)
		p.logger.Info("resumed")
	}
}

// Stop unblocks any WaitIfPaused call, which then returns ErrStopped.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.paused {
		p.paused = false
		close(p.wake)
	}
}

// IsPaused returns whether planning is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsStopped returns whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// WaitIfPaused blocks while paused. It returns ctx's error when ctx ends
// first and ErrStopped once stopped.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return ErrStopped
		}
		if !p.paused {
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
