package main

import (
	"fmt"

	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newEventsCmd creates the "foreman events" subcommand.
func newEventsCmd() *cobra.Command {
	var (
		agentID   string
		taskID    string
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent orchestration events",
		Long:  "Queries the event log, newest first. Filter by agent, task, or type.",
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

			events, err := st.QueryEvents(cmd.Context(), store.EventQuery{
				AgentID:   agentID,
				TaskID:    taskID,
				EventType: eventType,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%s  %-22s %-12s agent=%s task=%s %s\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.Source, ev.AgentID, ev.TaskID, ev.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}
