// Package merge lands completed task branches on the base branch. A
// lock-protected Coordinator performs serialized rebase + fast-forward
// merges, with conflict detection and abort; only one merge runs at a time
// so the base branch never moves mid-rebase.
package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"foreman/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	Branch     string // branch to merge (e.g. "agent/ada/t-1-fix")
	Worktree   string // path to the task's worktree
	BaseBranch string // branch to land on (default "main")
	TaskID     string // for errors and logging
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA string
}

// ConflictError is returned when a rebase hits merge conflicts. The caller
// decides what to do: the assignment service records merge_status=failed and
// leaves the branch intact for a human or steward.
type ConflictError struct {
	Files  []string
	TaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on task %s: conflicting files: %s",
		e.TaskID, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge operations behind a mutex so only one merge
// runs at a time: the base branch moving during a rebase is the classic
// fast-forward race.
type Coordinator struct {
	mu       sync.Mutex
	git      GitRunner
	repoRoot string
}

// NewCoordinator creates a Coordinator for the repository at repoRoot.
func NewCoordinator(repoRoot string, git GitRunner) *Coordinator {
	if git == nil {
		git = &ExecGitRunner{}
	}
	return &Coordinator{git: git, repoRoot: repoRoot}
}

// OpenMergeRequest lands the task's branch on the base branch. It satisfies
// the assignment service's merge hook: the merge is synchronous, so success
// reports MergeMerged directly and a conflict or race surfaces as an error
// for the completion flow to record as merge_status=failed.
func (c *Coordinator) OpenMergeRequest(ctx context.Context, task protocol.Task, baseBranch string) (protocol.MergeStatus, error) {
	if task.Meta.Branch == "" {
		return protocol.MergeNone, fmt.Errorf("merge task %s: no branch recorded", task.ID)
	}
	worktree := filepath.Join(c.repoRoot, protocol.WorktreesDir, task.Meta.Worktree)
	_, err := c.Merge(ctx, Opts{
		Branch:     task.Meta.Branch,
		Worktree:   worktree,
		BaseBranch: baseBranch,
		TaskID:     task.ID,
	})
	if err != nil {
		return protocol.MergeNone, err
	}
	return protocol.MergeMerged, nil
}

// Merge performs a serialized rebase + fast-forward merge:
//  1. git rebase <base> <branch> (in the worktree)
//  2. if clean: remove the worktree, then git merge --ff-only <branch> in the
//     primary repo
//  3. on conflict: git rebase --abort, return *ConflictError
//
// The fast-forward keeps commit SHAs identical between branch and base.
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}

	// The agent may have landed its work already; don't rebase twice.
	merged, sha, checkErr := c.isBranchMerged(ctx, opts)
	if checkErr == nil && merged {
		return &Result{CommitSHA: sha}, nil
	}

	_, stderr, err := c.git.Run(ctx, opts.Worktree, "rebase", opts.BaseBranch, opts.Branch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		return nil, c.handleRebaseFailure(ctx, opts, stderr)
	}

	return c.removeAndFastForward(ctx, opts)
}

// removeAndFastForward removes the task worktree, then fast-forwards the
// base branch in the primary repo. The worktree must go first: the branch is
// checked out there, and git refuses to ff-merge a checked-out branch.
func (c *Coordinator) removeAndFastForward(ctx context.Context, opts Opts) (*Result, error) {
	if _, _, err := c.git.Run(ctx, c.repoRoot, "worktree", "remove", opts.Worktree, "--force"); err != nil {
		return nil, fmt.Errorf("worktree remove failed (branch %s still intact): %w", opts.Branch, err)
	}

	if _, _, err := c.git.Run(ctx, c.repoRoot, "merge", "--ff-only", opts.Branch); err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (%s may have moved; retry rebase): %w",
			opts.Branch, opts.BaseBranch, err)
	}

	stdout, _, err := c.git.Run(ctx, c.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(stdout)}, nil
}

// isBranchMerged checks whether every commit on the branch is already
// reachable from the base branch.
func (c *Coordinator) isBranchMerged(ctx context.Context, opts Opts) (merged bool, commitSHA string, err error) {
	out, _, err := c.git.Run(ctx, opts.Worktree, "rev-list", "--count", opts.BaseBranch+".."+opts.Branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count failed: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	diffOut, _, diffErr := c.git.Run(ctx, opts.Worktree, "diff", opts.BaseBranch+".."+opts.Branch)
	if diffErr != nil {
		return false, "", nil //nolint:nilerr // fail-open: diff error means proceed to rebase
	}
	if strings.TrimSpace(diffOut) != "" {
		return false, "", nil
	}
	sha, _, err := c.git.Run(ctx, opts.Worktree, "rev-parse", opts.BaseBranch)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s failed: %w", opts.BaseBranch, err)
	}
	return true, strings.TrimSpace(sha), nil
}

// handleRebaseFailure aborts the in-progress rebase and returns a
// ConflictError with the parsed conflicting file paths.
func (c *Coordinator) handleRebaseFailure(ctx context.Context, opts Opts, rebaseStderr string) error {
	// Best-effort abort; the conflict error is returned either way.
	_, _, _ = c.git.Run(ctx, opts.Worktree, "rebase", "--abort")
	return &ConflictError{Files: parseConflictFiles(rebaseStderr), TaskID: opts.TaskID}
}

// conflictPattern matches git's CONFLICT output lines, e.g.
//
//	CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase stderr output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
