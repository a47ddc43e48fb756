package protocol

import (
	"testing"
	"time"
)

func TestDeriveAssignmentStatus(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		task Task
		want AssignmentStatus
	}{
		{"no assignee", Task{Status: TaskOpen}, AssignmentUnassigned},
		{"assigned not started", Task{Status: TaskOpen, Assignee: "w1"}, AssignmentAssigned},
		{"in progress by status", Task{Status: TaskInProgress, Assignee: "w1"}, AssignmentInProgress},
		{"in progress by started_at", Task{Status: TaskOpen, Assignee: "w1", Meta: OrchestratorMeta{StartedAt: &now}}, AssignmentInProgress},
		{"closed", Task{Status: TaskClosed, Assignee: "w1"}, AssignmentCompleted},
		{"closed unassigned", Task{Status: TaskClosed}, AssignmentCompleted},
		{"merged wins over closed", Task{Status: TaskClosed, Meta: OrchestratorMeta{MergeStatus: MergeMerged}}, AssignmentMerged},
		{"blocked keeps assignment", Task{Status: TaskBlocked, Assignee: "w1"}, AssignmentAssigned},
	}

	for _, tc := range cases {
		if got := DeriveAssignmentStatus(tc.task); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDeriveAssignmentStatusIsPure(t *testing.T) {
	now := time.Now()
	task := Task{Status: TaskOpen, Assignee: "w1", Meta: OrchestratorMeta{StartedAt: &now}}
	first := DeriveAssignmentStatus(task)
	for i := 0; i < 5; i++ {
		if got := DeriveAssignmentStatus(task); got != first {
			t.Fatalf("derivation not stable: %s then %s", first, got)
		}
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Fix login bug", "fix-login-bug"},
		{"  Weird  -- Spacing!!", "weird-spacing"},
		{"ALLCAPS", "allcaps"},
		{"", "task"},
		{"___", "task"},
		{"unicode ✓ title", "unicode-title"},
	}
	for _, tc := range cases {
		if got := Slug(tc.in); got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlugBounded(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "abcdefghij "
	}
	if got := Slug(long); len(got) > MaxSlugLen+1 {
		t.Errorf("slug too long: %d chars", len(got))
	}
}

func TestBranchName(t *testing.T) {
	got := BranchName("Ada Worker", "task-42", "Fix login bug")
	want := "agent/ada-worker/task-42-fix-login-bug"
	if got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("task-42"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	for _, bad := range []string{"", "../etc", "a/b", `a\b`} {
		if err := ValidateID(bad); err == nil {
			t.Errorf("ValidateID(%q) accepted", bad)
		}
	}
}

func TestHoldsUnreadMail(t *testing.T) {
	cases := []struct {
		agent Agent
		want  bool
	}{
		{Agent{Role: RoleDirector}, true},
		{Agent{Role: RoleWorker, WorkerMode: ModePersistent}, true},
		{Agent{Role: RoleWorker, WorkerMode: ModeEphemeral}, false},
		{Agent{Role: RoleSteward}, false},
	}
	for _, tc := range cases {
		if got := tc.agent.HoldsUnreadMail(); got != tc.want {
			t.Errorf("HoldsUnreadMail(%s/%s) = %v, want %v", tc.agent.Role, tc.agent.WorkerMode, got, tc.want)
		}
	}
}

func TestMaxConcurrentDefault(t *testing.T) {
	if got := (Agent{}).MaxConcurrent(); got != 1 {
		t.Errorf("default max concurrent = %d, want 1", got)
	}
	a := Agent{Capability: Capability{MaxConcurrentTasks: 3}}
	if got := a.MaxConcurrent(); got != 3 {
		t.Errorf("max concurrent = %d, want 3", got)
	}
}
