package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/expand"
)

var expandCmd = &cobra.Command{
	Use:   "expand [/shorthand args...]",
	Short: "Expand a shorthand request or list templates",
	Long: `Expand a '/name args' shorthand into the full request text that 'run'
would use. Without arguments, lists the available templates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			ex, err := expand.NewDefault(cfg.TemplatesFile)
			if err != nil {
				return err
			}
			for _, t := range ex.Templates() {
				fmt.Printf("/%-10s %s\n", t.Name, t.Description)
			}
			return nil
		}

		input := strings.Join(args, " ")
		if !expand.IsShorthand(input) {
			return fmt.Errorf("%q is not a shorthand (it must start with '/')", input)
		}
		out, err := expandGoal(cfg, input)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}
