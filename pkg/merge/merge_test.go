package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"foreman/pkg/protocol"
)

// gitCall records one invocation of the fake runner.
type gitCall struct {
	dir  string
	args string
}

// fakeGit scripts responses per command prefix. Unscripted commands succeed
// with empty output.
type fakeGit struct {
	mu        sync.Mutex
	calls     []gitCall
	respond   map[string]fakeResp
	inFlight  int
	maxFlight int
}

type fakeResp struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeGit) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	key := strings.Join(args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, gitCall{dir: dir, args: key})
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	resp, ok := f.respond[key]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if !ok {
		return "", "", nil
	}
	return resp.stdout, resp.stderr, resp.err
}

func (f *fakeGit) argsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.args
	}
	return out
}

func newFakeGit() *fakeGit {
	return &fakeGit{respond: map[string]fakeResp{
		// Default: branch has unmerged commits, so Merge proceeds.
		"rev-list --count main..agent/ada/t-1-fix": {stdout: "3\n"},
		"rev-parse HEAD": {stdout: "abc123\n"},
	}}
}

func testOpts() Opts {
	return Opts{
		Branch:   "agent/ada/t-1-fix",
		Worktree: "/repo/.worktrees/ada-t-1",
		TaskID:   "t-1",
	}
}

func TestMergeCleanPath(t *testing.T) {
	git := newFakeGit()
	c := NewCoordinator("/repo", git)

	res, err := c.Merge(context.Background(), testOpts())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.CommitSHA != "abc123" {
		t.Errorf("sha = %q", res.CommitSHA)
	}

	want := []string{
		"rev-list --count main..agent/ada/t-1-fix",
		"rebase main agent/ada/t-1-fix",
		"worktree remove /repo/.worktrees/ada-t-1 --force",
		"merge --ff-only agent/ada/t-1-fix",
		"rev-parse HEAD",
	}
	got := git.argsSeen()
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Rebase runs in the worktree; the ff-merge runs in the primary repo.
	if git.calls[1].dir != "/repo/.worktrees/ada-t-1" {
		t.Errorf("rebase dir = %q", git.calls[1].dir)
	}
	if git.calls[3].dir != "/repo" {
		t.Errorf("merge dir = %q", git.calls[3].dir)
	}
}

func TestMergeDefaultsBaseBranch(t *testing.T) {
	git := newFakeGit()
	c := NewCoordinator("/repo", git)

	opts := testOpts()
	opts.BaseBranch = "" // must default to main
	if _, err := c.Merge(context.Background(), opts); err != nil {
		t.Fatalf("merge: %v", err)
	}
	for _, args := range git.argsSeen() {
		if strings.HasPrefix(args, "rebase ") && args != "rebase main agent/ada/t-1-fix" {
			t.Errorf("rebase args = %q", args)
		}
	}
}

func TestMergeAlreadyMergedShortCircuits(t *testing.T) {
	git := newFakeGit()
	git.respond["rev-list --count main..agent/ada/t-1-fix"] = fakeResp{stdout: "0\n"}
	git.respond["rev-parse main"] = fakeResp{stdout: "def456\n"}
	c := NewCoordinator("/repo", git)

	res, err := c.Merge(context.Background(), testOpts())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.CommitSHA != "def456" {
		t.Errorf("sha = %q", res.CommitSHA)
	}
	for _, args := range git.argsSeen() {
		if strings.HasPrefix(args, "rebase ") {
			t.Errorf("rebase ran on already-merged branch: %q", args)
		}
	}
}

func TestMergeZeroCountButDiffStillRebases(t *testing.T) {
	// rev-list can report 0 while the trees differ (e.g. squash landed a
	// different version); the diff check forces the rebase path.
	git := newFakeGit()
	git.respond["rev-list --count main..agent/ada/t-1-fix"] = fakeResp{stdout: "0\n"}
	git.respond["diff main..agent/ada/t-1-fix"] = fakeResp{stdout: "+changed\n"}
	c := NewCoordinator("/repo", git)

	if _, err := c.Merge(context.Background(), testOpts()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	sawRebase := false
	for _, args := range git.argsSeen() {
		if args == "rebase main agent/ada/t-1-fix" {
			sawRebase = true
		}
	}
	if !sawRebase {
		t.Error("rebase skipped despite tree diff")
	}
}

func TestMergeConflictAbortsAndReportsFiles(t *testing.T) {
	git := newFakeGit()
	git.respond["rebase main agent/ada/t-1-fix"] = fakeResp{
		stderr: "Auto-merging src/main.go\n" +
			"CONFLICT (content): Merge conflict in src/main.go\n" +
			"CONFLICT (content): Merge conflict in pkg/util/util.go\n" +
			"error: could not apply 1234abc... fix\n",
		err: errors.New("exit status 1"),
	}
	c := NewCoordinator("/repo", git)

	_, err := c.Merge(context.Background(), testOpts())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.TaskID != "t-1" {
		t.Errorf("task id = %q", conflict.TaskID)
	}
	if len(conflict.Files) != 2 || conflict.Files[0] != "src/main.go" || conflict.Files[1] != "pkg/util/util.go" {
		t.Errorf("files = %v", conflict.Files)
	}

	sawAbort := false
	for _, args := range git.argsSeen() {
		if args == "rebase --abort" {
			sawAbort = true
		}
		if strings.HasPrefix(args, "worktree remove") || strings.HasPrefix(args, "merge --ff-only") {
			t.Errorf("merge continued after conflict: %q", args)
		}
	}
	if !sawAbort {
		t.Error("conflicted rebase not aborted")
	}
}

func TestMergeFFFailureKeepsBranchError(t *testing.T) {
	git := newFakeGit()
	git.respond["merge --ff-only agent/ada/t-1-fix"] = fakeResp{err: errors.New("not a fast-forward")}
	c := NewCoordinator("/repo", git)

	_, err := c.Merge(context.Background(), testOpts())
	if err == nil || !strings.Contains(err.Error(), "ff-only merge") {
		t.Errorf("err = %v", err)
	}
}

func TestMergeSerialized(t *testing.T) {
	git := newFakeGit()
	c := NewCoordinator("/repo", git)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Merge(context.Background(), testOpts())
		}()
	}
	wg.Wait()

	if git.maxFlight != 1 {
		t.Errorf("max concurrent git calls = %d, want 1", git.maxFlight)
	}
}

func TestOpenMergeRequestBuildsOptsFromTask(t *testing.T) {
	git := newFakeGit()
	git.respond["rev-list --count release..agent/ada/t-1-fix"] = fakeResp{stdout: "1\n"}
	c := NewCoordinator("/repo", git)

	task := protocol.Task{
		ID: "t-1",
		Meta: protocol.OrchestratorMeta{
			Branch:   "agent/ada/t-1-fix",
			Worktree: "ada-t-1",
		},
	}
	status, err := c.OpenMergeRequest(context.Background(), task, "release")
	if err != nil {
		t.Fatalf("open merge request: %v", err)
	}
	if status != protocol.MergeMerged {
		t.Errorf("status = %q, want merged", status)
	}

	sawRebase := false
	for _, call := range git.calls {
		if call.args == "rebase release agent/ada/t-1-fix" {
			sawRebase = true
			if call.dir != "/repo/.worktrees/ada-t-1" {
				t.Errorf("rebase dir = %q", call.dir)
			}
		}
	}
	if !sawRebase {
		t.Errorf("calls = %v", git.argsSeen())
	}
}

func TestOpenMergeRequestRejectsBranchlessTask(t *testing.T) {
	c := NewCoordinator("/repo", newFakeGit())
	status, err := c.OpenMergeRequest(context.Background(), protocol.Task{ID: "t-9"}, "main")
	if err == nil || !strings.Contains(err.Error(), "no branch recorded") {
		t.Errorf("err = %v", err)
	}
	if status != protocol.MergeNone {
		t.Errorf("status = %q", status)
	}
}

func TestParseConflictFiles(t *testing.T) {
	cases := []struct {
		stderr string
		want   int
	}{
		{"CONFLICT (content): Merge conflict in a.go\n", 1},
		{"CONFLICT (add/add): Merge conflict in b.go\nCONFLICT (content): Merge conflict in c.go\n", 2},
		{"error: could not apply\n", 0},
		{"", 0},
	}
	for i, tc := range cases {
		got := parseConflictFiles(tc.stderr)
		if len(got) != tc.want {
			t.Errorf("case %d: files = %v", i, got)
		}
	}
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{TaskID: "t-3", Files: []string{"x.go", "y.go"}}
	msg := err.Error()
	for _, want := range []string{"t-3", "x.go", "y.go"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if fmt.Sprintf("%v", err) != msg {
		t.Error("formatting mismatch")
	}
}
