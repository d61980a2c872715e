// Package server exposes the orchestrator over HTTP: scripted goals, the
// spawn/collect API, session inspection and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/profile"
	"github.com/ShayCichocki/conductor/internal/session"
)

// Config wires the server to the engine components it drives.
type Config struct {
	Profiles *profile.Registry
	Sessions session.Store
	Executor dispatch.Executor
	Policy   *policy.Config
	Logger   *zap.Logger
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// DispatchMetrics and GoalMetrics are shared by every scheduler and
	// orchestrator the server creates.
	DispatchMetrics *dispatch.Metrics
	GoalMetrics     *orchestrator.Metrics
	Debug           bool
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine

	// sched and orch serve the spawn/collect API across requests.
	sched *dispatch.Scheduler
	orch  *orchestrator.Orchestrator

	httpServer *http.Server
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := logging.OrNop(cfg.Logger).Named("server")

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{cfg: cfg, logger: logger, engine: engine}
	s.sched = s.newScheduler()
	s.orch = orchestrator.New(orchestrator.RequiredConfig{
		Scheduler: s.sched,
		Sessions:  cfg.Sessions,
	}, s.orchestratorOptions()...)
	go discardEvents(s.orch)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.POST("/goals", s.runGoal)
	v1.POST("/tasks", s.spawn)
	v1.DELETE("/tasks/:id", s.cancel)
	v1.POST("/collect", s.collect)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.GET("/profiles", s.listProfiles)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close cancels background tasks started through the API.
func (s *Server) Close() {
	s.sched.Close()
	s.orch.Close()
}

func (s *Server) newScheduler() *dispatch.Scheduler {
	p := s.cfg.Policy
	return dispatch.New(s.cfg.Profiles, s.cfg.Sessions, s.cfg.Executor,
		dispatch.WithDefaultTimeout(p.Dispatch.DefaultTimeout),
		dispatch.WithMaxConcurrency(p.Dispatch.MaxConcurrency),
		dispatch.WithInboxBuffer(p.Dispatch.InboxBuffer),
		dispatch.WithMetrics(s.cfg.DispatchMetrics),
		dispatch.WithLogger(s.cfg.Logger))
}

func (s *Server) orchestratorOptions() []orchestrator.Option {
	p := *s.cfg.Policy
	return []orchestrator.Option{
		orchestrator.WithPolicy(&p),
		orchestrator.WithLogger(s.cfg.Logger),
		orchestrator.WithMetrics(s.cfg.GoalMetrics),
	}
}

// discardEvents keeps the event stream flowing when nobody observes it.
func discardEvents(o *orchestrator.Orchestrator) {
	for range o.Events() {
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
