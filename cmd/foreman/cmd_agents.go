package main

import (
	"fmt"

	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newAgentsCmd creates the "foreman agents" subcommand group.
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage the agent registry",
	}
	cmd.AddCommand(newAgentsListCmd(), newAgentsSyncCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			st, err := store.Open(paths.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			agents, err := st.ListAgents(cmd.Context(), store.AgentFilter{ActiveOnly: !all})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range agents {
				state := "active"
				if !a.Active {
					state = "inactive"
				}
				mode := string(a.WorkerMode)
				if a.StewardFocus != "" {
					mode = "focus=" + a.StewardFocus
				}
				fmt.Fprintf(out, "%-20s %-9s %-10s %s\n", a.ID, a.Role, mode, state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated agents")
	return cmd
}

func newAgentsSyncCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "sync [roster.yaml]",
		Short: "Register agents from a YAML roster",
		Long:  "Upserts every agent in the roster. With --prune, active agents\nmissing from the roster are deactivated (never deleted).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			rosterPath := paths.RosterPath
			if len(args) == 1 {
				rosterPath = args[0]
			}
			roster, err := LoadRoster(rosterPath)
			if err != nil {
				return err
			}
			if err := paths.EnsureHome(); err != nil {
				return err
			}
			st, err := store.Open(paths.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := SyncRoster(cmd.Context(), st, roster, prune)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d created, %d updated, %d deactivated\n",
				sum.Created, sum.Updated, sum.Deactivated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "deactivate agents missing from the roster")
	return cmd
}
