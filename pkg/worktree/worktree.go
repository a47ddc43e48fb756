// Package worktree manages the isolated git worktree checkouts agents work
// in. One worktree hosts one task; branch and directory names are derived
// deterministically from the agent and task.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"foreman/pkg/protocol"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Checkout describes a created worktree.
type Checkout struct {
	Path          string
	Branch        string
	BranchCreated bool
}

// GitManager creates and removes git worktrees by shelling out to git.
type GitManager struct {
	repoRoot   string
	baseBranch string
	runner     CommandRunner
}

// NewGitManager returns a manager rooted at repoRoot, branching worktrees off
// baseBranch (default "main"). It fails if repoRoot is not a git repository;
// callers decide whether that disables worktree support or aborts startup.
func NewGitManager(repoRoot, baseBranch string, runner CommandRunner) (*GitManager, error) {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	g := &GitManager{repoRoot: repoRoot, baseBranch: baseBranch, runner: runner}
	if _, err := g.runner.Run(context.Background(), "git", "-C", repoRoot, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("worktree support unavailable: %s is not a git repository: %w", repoRoot, err)
	}
	return g, nil
}

// Create adds a worktree for the given agent/task under .worktrees/ and
// returns its path and branch. If the branch already exists (a prior
// assignment or handoff left it behind), the worktree is attached to it
// instead of creating a new one, and BranchCreated is false.
func (g *GitManager) Create(ctx context.Context, agentName, taskID, taskTitle string) (*Checkout, error) {
	if err := protocol.ValidateID(taskID); err != nil {
		return nil, fmt.Errorf("invalid task id: %w", err)
	}

	path := filepath.Join(g.repoRoot, protocol.WorktreesDir, protocol.WorktreeName(taskID, taskTitle))
	branch := protocol.BranchName(agentName, taskID, taskTitle)

	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "add", path, "-b", branch, g.baseBranch)
	if err == nil {
		return &Checkout{Path: path, Branch: branch, BranchCreated: true}, nil
	}

	// Branch may already exist from a previous assignment; attach to it.
	_, attachErr := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "add", path, branch)
	if attachErr != nil {
		return nil, fmt.Errorf("worktree add %s: %w", taskID, err)
	}
	return &Checkout{Path: path, Branch: branch, BranchCreated: false}, nil
}

// Attach ensures a worktree exists at .worktrees/<name> checked out to the
// given branch, for continuing work whose names were resolved earlier (a
// handoff or prior assignment). The branch is created off the base branch
// only when it does not already exist.
func (g *GitManager) Attach(ctx context.Context, name, branch string) (*Checkout, error) {
	if err := protocol.ValidateID(name); err != nil {
		return nil, fmt.Errorf("invalid worktree name: %w", err)
	}

	path := filepath.Join(g.repoRoot, protocol.WorktreesDir, name)
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot, "worktree", "add", path, branch)
	if err == nil {
		return &Checkout{Path: path, Branch: branch}, nil
	}

	_, createErr := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "add", path, "-b", branch, g.baseBranch)
	if createErr != nil {
		return nil, fmt.Errorf("worktree attach %s: %w", name, err)
	}
	return &Checkout{Path: path, Branch: branch, BranchCreated: true}, nil
}

// Remove runs `git worktree remove <path> --force`.
func (g *GitManager) Remove(ctx context.Context, path string) error {
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "remove", path, "--force")
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the worktree directory is still present on disk.
func (g *GitManager) Exists(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// List returns the paths of all worktrees under the managed directory,
// parsed from `git worktree list --porcelain`.
func (g *GitManager) List(ctx context.Context) ([]string, error) {
	out, err := g.runner.Run(ctx, "git", "-C", g.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	prefix := filepath.Join(g.repoRoot, protocol.WorktreesDir)
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		rest, ok := strings.CutPrefix(line, "worktree ")
		if !ok {
			continue
		}
		if strings.HasPrefix(rest, prefix) {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// Prune cleans up orphaned worktree state left by a previous crash. It runs
// `git worktree prune`, then removes all directories under .worktrees/.
// Errors are non-fatal; this method always returns nil.
func (g *GitManager) Prune(ctx context.Context) error {
	_, _ = g.runner.Run(ctx, "git", "-C", g.repoRoot, "worktree", "prune")

	worktreesDir := filepath.Join(g.repoRoot, protocol.WorktreesDir)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
	}
	return nil
}
