package main

import (
	"fmt"

	"foreman/pkg/worktree"

	"github.com/spf13/cobra"
)

// newCleanupCmd creates the "foreman cleanup" subcommand. It reclaims
// worktree state left behind by a crashed daemon; task branches survive, so
// the next dispatch re-attaches where work left off.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned task worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}

			wt, err := worktree.NewGitManager(cfg.RepoRoot, cfg.BaseBranch, nil)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			before, err := wt.List(ctx)
			if err != nil {
				return err
			}
			if len(before) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no task worktrees found")
				return nil
			}
			for _, p := range before {
				fmt.Fprintf(cmd.OutOrStdout(), "removing %s\n", p)
			}
			_ = wt.Prune(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned up %d worktree(s)\n", len(before))
			return nil
		},
	}
}
