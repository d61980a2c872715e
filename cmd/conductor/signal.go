package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/signals"
)

var signalCmd = &cobra.Command{
	Use:       "signal stop|pause|resume|clear",
	Short:     "Control a goal running in this directory",
	Long:      `Write or remove a signal file under .conductor/signals that a running 'conductor run' picks up.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"stop", "pause", "resume", "clear"},
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		if err := sendSignal(root, args[0]); err != nil {
			return err
		}
		printStatus("✓", args[0]+" signal sent", color.FgGreen)
		return nil
	},
}

func sendSignal(root, name string) error {
	switch name {
	case "stop":
		return signals.SendStop(root)
	case "pause":
		return signals.SendPause(root)
	case "resume":
		return signals.SendResume(root)
	case "clear":
		return signals.Clear(root)
	default:
		return fmt.Errorf("unknown signal %q (want stop, pause, resume or clear)", name)
	}
}
