package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/expand"
	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/tui"
)

var (
	runScript    string
	runTUI       bool
	runJSON      bool
	runRunner    string
	runMaxRounds int
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Drive a goal to completion",
	Long: `Run a goal through the orchestrator.

By default a Claude model decides what to delegate each round and workers
reason with Claude too. --script replaces the decision policy with a fixed
YAML script of rounds; --runner script makes workers interpret their
instructions as tool directives, which needs no API key.

A goal starting with '/' is a shorthand and is expanded from the template
catalogue first, e.g. 'conductor run /fix the flaky login test'.

While running, 'conductor signal stop|pause|resume' from another terminal
controls the goal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

func init() {
	runCmd.Flags().StringVar(&runScript, "script", "", "YAML script of delegation rounds instead of a model decider")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live terminal view")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the outcome as JSON")
	runCmd.Flags().StringVar(&runRunner, "runner", runnerClaude, "Worker runner: claude or script")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "Override the round ceiling")
}

// expandGoal resolves a shorthand goal through the template catalogue.
func expandGoal(cfg *config.Config, input string) (string, error) {
	if !expand.IsShorthand(input) {
		return input, nil
	}
	ex, err := expand.NewDefault(cfg.TemplatesFile)
	if err != nil {
		return "", err
	}
	return ex.Expand(input)
}

func runGoal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxRounds > 0 {
		cfg.Orchestrator.MaxRounds = runMaxRounds
	}

	goal, err := expandGoal(cfg, strings.Join(args, " "))
	if err != nil {
		return err
	}

	var script *orchestrator.Script
	if runScript != "" {
		if script, err = orchestrator.LoadScript(runScript); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := newEngine(ctx, cfg, engineOptions{
		runner:     runRunner,
		quiet:      runTUI || runJSON,
		needClient: script == nil,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	var decider orchestrator.Decider
	if script != nil {
		decider = orchestrator.NewScriptedDecider(*script)
	} else {
		decider = llm.NewDecider(e.client, e.profiles, e.logger)
	}

	sched := e.newScheduler()
	defer sched.Close()
	orch := e.newOrchestrator(decider, sched)

	if err := signals.Clear(e.root); err != nil {
		return err
	}
	watcher, err := signals.Watch(e.root, orch, e.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			orch.Stop()
		}
	}()

	var outcome *orchestrator.Outcome
	if runTUI {
		outcome, err = runWithTUI(ctx, orch, goal)
	} else {
		outcome, err = runPlain(ctx, orch, goal)
	}
	return report(outcome, err)
}

func runPlain(ctx context.Context, orch *orchestrator.Orchestrator, goal string) (*orchestrator.Outcome, error) {
	var wg sync.WaitGroup
	if !runJSON {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range orch.Events() {
				printEvent(ev)
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range orch.Events() {
			}
		}()
	}
	outcome, err := orch.Run(ctx, goal)
	orch.Close()
	wg.Wait()
	return outcome, err
}

func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, goal string) (*orchestrator.Outcome, error) {
	program, _ := tui.NewGoalProgram(goal, orch)

	fwdCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go tui.Forward(fwdCtx, program, orch.Events())

	var (
		outcome *orchestrator.Outcome
		runErr  error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		outcome, runErr = orch.Run(ctx, goal)
		program.Send(tui.DoneMsg{Outcome: outcome, Err: runErr})
	}()

	if _, err := program.Run(); err != nil {
		orch.Stop()
		<-done
		orch.Close()
		return outcome, fmt.Errorf("tui: %w", err)
	}
	// quitting the view stops an unfinished goal
	orch.Stop()
	<-done
	orch.Close()
	return outcome, runErr
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventRoundStarted:
		printStatus("»", fmt.Sprintf("round %d", ev.Round), color.FgCyan)
	case orchestrator.EventTaskDispatched:
		printStatus("→", fmt.Sprintf("%s %s (%s)", ev.TaskID, ev.Profile, ev.Mode), color.FgBlue)
	case orchestrator.EventTaskCompleted:
		printStatus("✓", fmt.Sprintf("%s completed in %s", ev.TaskID, ev.Duration.Round(time.Millisecond)), color.FgGreen)
	case orchestrator.EventTaskFailed:
		printStatus("✗", fmt.Sprintf("%s failed: %v", ev.TaskID, ev.Error), color.FgRed)
	case orchestrator.EventTaskCancelled:
		printStatus("⚠", fmt.Sprintf("%s cancelled", ev.TaskID), color.FgYellow)
	case orchestrator.EventNotification:
		printStatus("✉", fmt.Sprintf("%s reported from the background", ev.TaskID), color.FgMagenta)
	}
}

// report prints the outcome and returns the goal's error.
func report(outcome *orchestrator.Outcome, err error) error {
	if runJSON && outcome != nil {
		if encErr := printJSON(outcome); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		if errors.Is(err, orchestrator.ErrStopped) {
			printStatus("■", "goal stopped", color.FgYellow)
		}
		return err
	}
	fmt.Println()
	fmt.Println(outcome.Final)
	if len(outcome.Abandoned) > 0 {
		printStatus("⚠", fmt.Sprintf("%d background task(s) abandoned", len(outcome.Abandoned)), color.FgYellow)
	}
	printStatus("✓", fmt.Sprintf("done in %d round(s), %s", outcome.Rounds, outcome.Duration.Round(time.Millisecond)), color.FgGreen)
	return nil
}
