package orchestrator

import (
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/session"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Decider chooses what to delegate in each planning step.
	Decider Decider
	// Scheduler runs the delegated tasks. The Orchestrator becomes the only
	// consumer of its inbox.
	Scheduler *dispatch.Scheduler
	// Sessions is the store the Scheduler routes sessions through.
	Sessions session.Store
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	policyConfig *policy.Config
	synthesizer  Synthesizer
	logger       *zap.Logger
	metrics      *Metrics
	pause        *PauseController
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithMaxRounds overrides the policy's round ceiling.
func WithMaxRounds(n int) Option {
	return func(o *orchestratorOptions) {
		if o.policyConfig == nil {
			o.policyConfig = policy.Default()
		}
		o.policyConfig.Rounds.MaxRounds = n
	}
}

// WithSynthesizer sets how the final action is produced.
func WithSynthesizer(s Synthesizer) Option {
	return func(o *orchestratorOptions) { o.synthesizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithPauseController shares a pause controller, for example with a
// signal-file watcher.
func WithPauseController(p *PauseController) Option {
	return func(o *orchestratorOptions) { o.pause = p }
}
