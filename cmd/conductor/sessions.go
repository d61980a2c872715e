package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/session"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	sessionsStatus string
	sessionsJSON   bool
	purgeOlderThan time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted worker sessions",
	Long: `List, show, close and purge the worker sessions kept in the project's
session database (.conductor/sessions.db unless sessions.path is set).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionDB(cmd.Context(), func(ctx context.Context, store *session.SQLStore) error {
			list, err := store.List(ctx, models.SessionStatus(sessionsStatus))
			if err != nil {
				return err
			}
			if sessionsJSON {
				return printJSON(list)
			}
			printSessions(list)
			return nil
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionDB(cmd.Context(), func(ctx context.Context, store *session.SQLStore) error {
			s, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if sessionsJSON {
				return printJSON(s)
			}
			fmt.Printf("%s  %s  %s  updated %s\n", s.ID, s.Profile, s.Status, s.UpdatedAt.Format(time.RFC3339))
			for i, ex := range s.History {
				fmt.Printf("\n[%d] %s\n", i+1, color.New(color.Bold).Sprint(ex.Instruction))
				fmt.Println(ex.Result)
			}
			return nil
		})
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <id>...",
	Short: "Terminate sessions so they can no longer be resumed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionDB(cmd.Context(), func(ctx context.Context, store *session.SQLStore) error {
			for _, id := range args {
				if err := store.Close(ctx, id); err != nil {
					return fmt.Errorf("close %s: %w", id, err)
				}
				printStatus("✓", "closed "+id, color.FgGreen)
			}
			return nil
		})
	},
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminated sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionDB(cmd.Context(), func(ctx context.Context, store *session.SQLStore) error {
			n, err := store.PurgeTerminated(ctx, purgeOlderThan)
			if err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("purged %d terminated sessions", n), color.FgGreen)
			return nil
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Print JSON")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status: active, suspended or terminated")
	sessionsPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Only purge sessions terminated at least this long ago")

	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
}

// withSessionDB opens the configured SQL session store for fn.
func withSessionDB(ctx context.Context, fn func(context.Context, *session.SQLStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Sessions.Driver == config.SessionDriverMemory {
		return fmt.Errorf("sessions.driver is %q: nothing is persisted", cfg.Sessions.Driver)
	}
	path := cfg.Sessions.Path
	if path == "" {
		root, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		path = session.ProjectDBPath(root)
	}
	store, err := session.OpenSQL(path, cfg.Sessions.Driver, session.WithLease(cfg.Sessions.Lease))
	if err != nil {
		return err
	}
	defer store.Shutdown()
	return fn(ctx, store)
}

func printSessions(list []*models.Session) {
	if len(list) == 0 {
		fmt.Println("no sessions")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROFILE\tSTATUS\tEXCHANGES\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Profile, statusColor(s.Status), len(s.History), s.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func statusColor(s models.SessionStatus) string {
	switch s {
	case models.SessionActive:
		return color.GreenString(string(s))
	case models.SessionTerminated:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
