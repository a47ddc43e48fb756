package main

import (
	"fmt"

	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current fleet state",
		Long:  "Displays agent counts by role and task counts by assignment status\nfrom the runtime database.",
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

			ctx := cmd.Context()
			agents, err := st.ListAgents(ctx, store.AgentFilter{ActiveOnly: true})
			if err != nil {
				return err
			}
			byRole := map[protocol.Role]int{}
			for _, a := range agents {
				byRole[a.Role]++
			}

			tasks, err := st.ListTasks(ctx, store.TaskFilter{})
			if err != nil {
				return err
			}
			byStatus := map[protocol.AssignmentStatus]int{}
			for _, t := range tasks {
				byStatus[protocol.DeriveAssignmentStatus(t)]++
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agents: %d active (%d directors, %d workers, %d stewards)\n",
				len(agents), byRole[protocol.RoleDirector], byRole[protocol.RoleWorker], byRole[protocol.RoleSteward])
			fmt.Fprintf(out, "tasks:  %d total\n", len(tasks))
			for _, status := range []protocol.AssignmentStatus{
				protocol.AssignmentUnassigned,
				protocol.AssignmentAssigned,
				protocol.AssignmentInProgress,
				protocol.AssignmentCompleted,
				protocol.AssignmentMerged,
			} {
				if n := byStatus[status]; n > 0 {
					fmt.Fprintf(out, "  %-11s %d\n", status, n)
				}
			}
			return nil
		},
	}
}
