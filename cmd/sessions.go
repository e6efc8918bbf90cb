package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func openSessionStore() (*sessions.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return sessions.NewStore(cfg.SessionsPath(), 0), nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			entries, err := store.Load()
			if err != nil {
				if errors.Is(err, sessions.ErrCorrupt) {
					fmt.Fprintln(os.Stderr, "warning: sessions file is corrupt, showing nothing")
				} else {
					return err
				}
			}
			if len(entries) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSESSION ID\tUPDATED\tTOKENS")
			for _, k := range keys {
				e := entries[k]
				updated := ""
				if !e.UpdatedAt.IsZero() {
					updated = e.UpdatedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", k, e.SessionID, updated, e.TotalTokens)
			}
			return w.Flush()
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Rotate a session's id, starting a fresh conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			entry, err := store.Reset(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s reset, new session id %s\n", args[0], entry.SessionID)
			return nil
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-key>",
		Short: "Remove a session entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("session %s deleted\n", args[0])
			return nil
		},
	}
}
