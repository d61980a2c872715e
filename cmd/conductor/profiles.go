package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/profile"
	"github.com/ShayCichocki/conductor/internal/tools"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List capability profiles",
	Long: `List the worker capability profiles: the built-ins plus any loaded from
profiles_file. Read-only operations are shown dimmed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := profile.NewDefaultRegistry(cfg.ProfilesFile)
		if err != nil {
			return err
		}
		fmt.Print(renderProfiles(reg))
		return nil
	},
}

var (
	profileNameStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Width(12)
	profileDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	profileOpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func renderProfiles(reg *profile.Registry) string {
	var b strings.Builder
	for _, p := range reg.All() {
		ops := make([]string, 0, len(p.Operations))
		for _, op := range p.Operations {
			if tools.IsReadOnly(op) {
				ops = append(ops, profileDimStyle.Render(op))
			} else {
				ops = append(ops, profileOpStyle.Render(op))
			}
		}
		b.WriteString(profileNameStyle.Render(p.Type))
		b.WriteString(p.Description)
		b.WriteString("\n")
		b.WriteString(strings.Repeat(" ", 12))
		b.WriteString(strings.Join(ops, " "))
		b.WriteString("\n")
	}
	return b.String()
}
