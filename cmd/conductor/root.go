package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Adaptive task orchestration",
	Long: `conductor drives a goal to completion by delegating work to isolated
workers. Each round a decision policy picks worker profiles and instructions,
workers run under capability restrictions, and their results feed the next
round until the goal is finalized.

Workers keep conversational sessions that later rounds can resume. Tasks run
in the foreground (the round waits) or in the background (results arrive on
an inbox and are picked up at the next planning step).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config plus .conductor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig honours --config and --verbose.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// printStatus prints a colored status symbol followed by a message.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
