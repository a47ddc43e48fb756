package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"foreman/pkg/assignment"
	"foreman/pkg/daemon"
	"foreman/pkg/dispatch"
	"foreman/pkg/health"
	"foreman/pkg/merge"
	"foreman/pkg/session"
	"foreman/pkg/steward"
	"foreman/pkg/store"
	"foreman/pkg/worktree"

	"github.com/spf13/cobra"
)

// newDaemonCmd creates the "foreman daemon" subcommand.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatch daemon",
		Long:  "Runs the polling loop that assigns tasks to idle agents,\nroutes inbox messages, and supervises agent health.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cmd)
		},
	}
}

func runDaemon(ctx context.Context, cmd *cobra.Command) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return err
	}

	st, err := store.Open(paths.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if roster, err := LoadRoster(paths.RosterPath); err == nil {
		sum, err := SyncRoster(ctx, st, roster, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "roster: %d created, %d updated\n", sum.Created, sum.Updated)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	spawner := session.NewExecSpawner(cfg.AgentBin)
	sessions := session.NewManager(spawner, st)
	merges := merge.NewCoordinator(cfg.RepoRoot, nil)
	assignments := assignment.NewService(st, merges)
	notifier := &dispatch.StoreNotifier{Store: st}
	dispatcher := dispatch.NewService(dispatch.Config{}, st, assignments, notifier, nil)

	healthSteward := health.NewSteward(health.Config{
		NoOutputThreshold:   time.Duration(cfg.Health.NoOutputThresholdMS) * time.Millisecond,
		ErrorWindow:         time.Duration(cfg.Health.ErrorWindowMS) * time.Millisecond,
		ErrorCountThreshold: cfg.Health.ErrorCountThreshold,
		MaxPingAttempts:     cfg.Health.MaxPingAttempts,
	}, st, sessions, assignments, dispatcher, notifier)

	sessions.SetHooks(session.Hooks{
		Output: healthSteward.RecordOutput,
		Error:  healthSteward.RecordError,
		Exit: func(agentID string, code int, crashed bool) {
			if crashed {
				healthSteward.RecordCrash(agentID, fmt.Sprintf("process exited with code %d", code))
			}
		},
		Stopped: healthSteward.ResetCounters,
	})

	// Worktree support is optional: a non-git repo root disables it rather
	// than aborting the daemon.
	var worktrees daemon.WorktreeManager
	if gm, err := worktree.NewGitManager(cfg.RepoRoot, cfg.BaseBranch, nil); err == nil {
		worktrees = gm
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; running without worktrees\n", err)
	}

	scheduler := steward.NewScheduler(steward.Config{
		ExecutionTimeout:     time.Duration(cfg.Steward.ExecutionTimeoutMS) * time.Millisecond,
		MaxHistoryPerSteward: cfg.Steward.MaxHistoryPerSteward,
	})
	err = scheduler.RegisterSteward(steward.Registration{
		StewardID: "health",
		Cron:      cfg.Steward.HealthCheckSchedule,
		Events:    []steward.EventSubscription{{Event: "agent:crashed"}},
		Logic: steward.LogicFunc(func(ctx context.Context, _ steward.Trigger) (string, error) {
			check, err := healthSteward.RunHealthCheck(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("checked %d agents: %d new, %d resolved, %d active",
				check.AgentsChecked, len(check.NewIssues), len(check.ResolvedIssues), len(check.ActiveIssues)), nil
		}),
	})
	if err != nil {
		return err
	}

	// External tools touch a file under nudge/ to wake the daemon early.
	nudgeDir := filepath.Join(paths.ForemanHome, "nudge")
	if err := os.MkdirAll(nudgeDir, 0o755); err != nil {
		return err
	}

	d := daemon.New(daemon.Config{
		PollInterval:   cfg.PollInterval(),
		InboxBatchSize: cfg.InboxBatchSize,
		RepoRoot:       cfg.RepoRoot,
		BaseBranch:     cfg.BaseBranch,
		WatchPath:      nudgeDir,
	}, st, assignments, dispatcher, sessions, worktrees, scheduler, healthSteward)

	fmt.Fprintf(cmd.OutOrStdout(), "foreman daemon: polling every %s (db %s)\n", d.Interval(), paths.DBPath)

	err = d.Run(ctx)
	scheduler.Stop()
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), "foreman daemon: stopped")
		return nil
	}
	return err
}
