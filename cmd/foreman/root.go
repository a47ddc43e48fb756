package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Foreman agent fleet orchestrator",
		Long:          "foreman coordinates a fleet of autonomous agents:\nit assigns tasks, supervises sessions, and corrects failures.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newAgentsCmd(),
		newEventsCmd(),
		newCleanupCmd(),
	)

	return cmd
}
