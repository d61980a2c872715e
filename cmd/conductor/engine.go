package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/profile"
	"github.com/ShayCichocki/conductor/internal/protect"
	"github.com/ShayCichocki/conductor/internal/session"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/internal/worker"
)

// Worker runner kinds.
const (
	runnerClaude = "claude"
	runnerScript = "script"
)

// engine holds the components one command invocation shares.
type engine struct {
	cfg      *config.Config
	root     string
	logger   *zap.Logger
	profiles *profile.Registry
	sessions session.Store
	executor dispatch.Executor
	client   *llm.Client

	closers []func() error
}

type engineOptions struct {
	// runner is claude or script.
	runner string
	// quiet keeps logs off the terminal, for the TUI.
	quiet bool
	// needClient creates the model client even for script runners.
	needClient bool
}

func newEngine(ctx context.Context, cfg *config.Config, opts engineOptions) (*engine, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	e := &engine{cfg: cfg, root: root}

	logCfg := cfg.Logging
	logCfg.Quiet = logCfg.Quiet || opts.quiet
	e.logger = logging.ForProject(root, logCfg)
	e.closers = append(e.closers, func() error {
		_ = e.logger.Sync()
		return nil
	})

	if e.profiles, err = profile.NewDefaultRegistry(cfg.ProfilesFile); err != nil {
		return nil, err
	}
	e.profiles.Freeze()

	if err := e.openSessions(ctx); err != nil {
		return nil, err
	}

	if opts.runner == "" {
		opts.runner = runnerClaude
	}
	if opts.runner == runnerClaude || opts.needClient {
		if e.client, err = llm.NewClient(ctx, cfg.Anthropic); err != nil {
			e.Close()
			return nil, fmt.Errorf("create model client: %w", err)
		}
	}

	var runner worker.Runner
	switch opts.runner {
	case runnerClaude:
		runner = llm.NewRunner(e.client,
			llm.WithMaxIterations(cfg.Dispatch.MaxIterations),
			llm.WithRunnerLogger(e.logger))
	case runnerScript:
		runner = worker.ScriptRunner{}
	default:
		e.Close()
		return nil, fmt.Errorf("unknown runner %q (want %s or %s)", opts.runner, runnerClaude, runnerScript)
	}
	local := tools.NewLocal(root, tools.WithGuard(protect.New(cfg.Dispatch.ProtectedPaths...)))
	e.executor = worker.New(runner, local,
		worker.WithReadRetries(cfg.Dispatch.ReadRetries),
		worker.WithLogger(e.logger))
	return e, nil
}

// openSessions opens the configured session store.
func (e *engine) openSessions(ctx context.Context) error {
	switch e.cfg.Sessions.Driver {
	case config.SessionDriverMemory:
		e.sessions = session.NewMemoryStore(e.cfg.Sessions.RetainClosed)
		return nil
	case config.SessionDriverSQLite, config.SessionDriverSQLite3:
		path := e.cfg.Sessions.Path
		if path == "" {
			path = session.ProjectDBPath(e.root)
		}
		store, err := session.OpenSQL(path, e.cfg.Sessions.Driver, session.WithLease(e.cfg.Sessions.Lease))
		if err != nil {
			return err
		}
		if n, err := store.RecoverStale(ctx, store.Lease()); err != nil {
			_ = store.Shutdown()
			return err
		} else if n > 0 {
			e.logger.Warn("suspended sessions whose claim lease expired", zap.Int64("count", n))
		}
		e.sessions = store
		e.closers = append(e.closers, store.Shutdown)
		return nil
	default:
		return fmt.Errorf("unknown session driver %q", e.cfg.Sessions.Driver)
	}
}

func (e *engine) newScheduler() *dispatch.Scheduler {
	p := e.cfg.Policy()
	return dispatch.New(e.profiles, e.sessions, e.executor,
		dispatch.WithDefaultTimeout(p.Dispatch.DefaultTimeout),
		dispatch.WithMaxConcurrency(p.Dispatch.MaxConcurrency),
		dispatch.WithInboxBuffer(p.Dispatch.InboxBuffer),
		dispatch.WithMetrics(dispatch.DefaultMetrics()),
		dispatch.WithLogger(e.logger))
}

func (e *engine) newOrchestrator(d orchestrator.Decider, sched *dispatch.Scheduler, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	base := []orchestrator.Option{
		orchestrator.WithPolicy(e.cfg.Policy()),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithMetrics(orchestrator.DefaultMetrics()),
	}
	return orchestrator.New(orchestrator.RequiredConfig{
		Decider:   d,
		Scheduler: sched,
		Sessions:  e.sessions,
	}, append(base, opts...)...)
}

// Close releases the store and flushes logs.
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
