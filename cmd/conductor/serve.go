package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/server"
)

var (
	serveAddr   string
	serveRunner string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve scripted goals, the spawn/collect task API, session inspection and
Prometheus metrics over HTTP.

  POST   /v1/goals          run a goal with a scripted decider
  POST   /v1/tasks          spawn a foreground or background task
  DELETE /v1/tasks/:id      cancel a running task
  POST   /v1/collect        collect completed results by handle
  GET    /v1/sessions[/:id] inspect worker sessions
  GET    /v1/profiles       list capability profiles
  GET    /metrics           Prometheus metrics
  GET    /healthz           liveness`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveRunner, "runner", runnerClaude, "Worker runner: claude or script")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cfg, engineOptions{runner: serveRunner})
	if err != nil {
		return err
	}
	defer e.Close()

	srv := server.New(server.Config{
		Profiles:        e.profiles,
		Sessions:        e.sessions,
		Executor:        e.executor,
		Policy:          cfg.Policy(),
		Logger:          e.logger,
		DispatchMetrics: dispatch.DefaultMetrics(),
		GoalMetrics:     orchestrator.DefaultMetrics(),
		Debug:           verbose,
	})
	defer srv.Close()

	printStatus("●", "listening on http://"+cfg.Server.Addr, color.FgGreen)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}
