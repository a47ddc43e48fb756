package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

type call struct {
	Name string
	Args []string
}

// fakeRunner records commands and returns scripted responses. failOn maps a
// substring of the joined command to an error.
type fakeRunner struct {
	calls  []call
	out    []byte
	failOn map[string]error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, call{Name: name, Args: args})
	joined := name + " " + strings.Join(args, " ")
	for substr, err := range r.failOn {
		if strings.Contains(joined, substr) {
			return nil, err
		}
	}
	return r.out, nil
}

func newTestManager(t *testing.T, runner *fakeRunner) *GitManager {
	t.Helper()
	mgr, err := NewGitManager("/repo/root", "main", runner)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestCreateNewBranch(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	co, err := mgr.Create(context.Background(), "Ada Worker", "t-42", "Fix login bug")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if co.Path != "/repo/root/.worktrees/t-42-fix-login-bug" {
		t.Errorf("path = %q", co.Path)
	}
	if co.Branch != "agent/ada-worker/t-42-fix-login-bug" {
		t.Errorf("branch = %q", co.Branch)
	}
	if !co.BranchCreated {
		t.Error("expected BranchCreated")
	}

	// rev-parse at construction + worktree add
	last := runner.calls[len(runner.calls)-1]
	want := []string{"-C", "/repo/root", "worktree", "add", co.Path, "-b", co.Branch, "main"}
	if strings.Join(last.Args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", last.Args, want)
	}
}

func TestCreateAttachesToExistingBranch(t *testing.T) {
	// The flag needs surrounding spaces: a bare "-b" would also match the
	// slug inside the branch and path arguments of the fallback command.
	runner := &fakeRunner{failOn: map[string]error{" -b ": fmt.Errorf("branch already exists")}}
	mgr := newTestManager(t, runner)

	co, err := mgr.Create(context.Background(), "ada", "t-42", "Fix login bug")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if co.BranchCreated {
		t.Error("expected attach to existing branch")
	}

	last := runner.calls[len(runner.calls)-1]
	want := []string{"-C", "/repo/root", "worktree", "add", co.Path, co.Branch}
	if strings.Join(last.Args, " ") != strings.Join(want, " ") {
		t.Errorf("fallback args = %v, want %v", last.Args, want)
	}
}

func TestCreateRejectsTraversal(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	if _, err := mgr.Create(context.Background(), "ada", "../escape", "title"); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestAttachExistingBranch(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	co, err := mgr.Attach(context.Background(), "t-42-fix-login-bug", "agent/ada/t-42-fix-login-bug")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if co.Path != "/repo/root/.worktrees/t-42-fix-login-bug" || co.BranchCreated {
		t.Errorf("checkout = %+v", co)
	}
	last := runner.calls[len(runner.calls)-1]
	want := []string{"-C", "/repo/root", "worktree", "add", co.Path, co.Branch}
	if strings.Join(last.Args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", last.Args, want)
	}
}

func TestAttachCreatesMissingBranch(t *testing.T) {
	// First add fails because the branch is gone; the retry recreates it
	// off the base branch.
	runner := &fakeRunner{failOn: map[string]error{
		"add /repo/root/.worktrees/t-42 agent/ada/t-42": fmt.Errorf("invalid reference"),
	}}
	mgr := newTestManager(t, runner)

	co, err := mgr.Attach(context.Background(), "t-42", "agent/ada/t-42")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !co.BranchCreated {
		t.Error("expected branch recreation")
	}
	last := runner.calls[len(runner.calls)-1]
	if !strings.Contains(strings.Join(last.Args, " "), "-b agent/ada/t-42 main") {
		t.Errorf("args = %v", last.Args)
	}
}

func TestRemove(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	if err := mgr.Remove(context.Background(), "/repo/root/.worktrees/t-42"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	last := runner.calls[len(runner.calls)-1]
	if !strings.Contains(strings.Join(last.Args, " "), "remove /repo/root/.worktrees/t-42 --force") {
		t.Errorf("unexpected remove args: %v", last.Args)
	}
}

func TestExists(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	dir := t.TempDir()
	if !mgr.Exists(context.Background(), dir) {
		t.Error("existing dir reported missing")
	}
	if mgr.Exists(context.Background(), filepath.Join(dir, "gone")) {
		t.Error("missing dir reported present")
	}
}

func TestListFiltersToManagedDir(t *testing.T) {
	porcelain := strings.Join([]string{
		"worktree /repo/root",
		"HEAD abc",
		"",
		"worktree /repo/root/.worktrees/t-1-fix",
		"HEAD def",
		"",
		"worktree /elsewhere/checkout",
		"",
	}, "\n")
	runner := &fakeRunner{out: []byte(porcelain)}
	mgr := newTestManager(t, runner)

	paths, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/repo/root/.worktrees/t-1-fix" {
		t.Errorf("paths = %v", paths)
	}
}

func TestPruneAlwaysNil(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]error{"prune": fmt.Errorf("boom")}}
	mgr := newTestManager(t, runner)

	if err := mgr.Prune(context.Background()); err != nil {
		t.Fatalf("prune should swallow errors: %v", err)
	}
}
