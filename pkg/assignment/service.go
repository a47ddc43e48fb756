// Package assignment owns task↔agent ownership bookkeeping: who holds a
// task, which branch and worktree it lives in, and the append-only handoff
// history that lets a task move between agents without losing its checkout.
// All operations are synchronous bookkeeping; retries belong to callers.
package assignment

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// MergeRequester opens a merge request for a completed task's branch and
// reports the resulting state: a synchronous merger (the local rebase
// coordinator) returns MergeMerged, an asynchronous one (a git forge client)
// returns MergePending. An empty status is treated as pending. nil disables
// merge requests.
type MergeRequester interface {
	OpenMergeRequest(ctx context.Context, task protocol.Task, baseBranch string) (protocol.MergeStatus, error)
}

// Service is the task assignment service.
type Service struct {
	store  *store.Store
	merges MergeRequester

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewService creates the assignment service. merges may be nil.
func NewService(st *store.Store, merges MergeRequester) *Service {
	return &Service{store: st, merges: merges, nowFunc: time.Now}
}

// AssignOpts overrides name generation for one assignment.
type AssignOpts struct {
	Branch   string
	Worktree string
}

// resolveNames picks the branch and worktree for an assignment. Priority:
// explicit override > last handoff metadata > prior assignment metadata >
// freshly generated deterministic names.
func resolveNames(task *protocol.Task, agent *protocol.Agent, opts AssignOpts) (branch, worktree string) {
	if opts.Branch != "" || opts.Worktree != "" {
		return opts.Branch, opts.Worktree
	}
	if h := task.Meta.LastHandoff(); h != nil && (h.Branch != "" || h.Worktree != "") {
		return h.Branch, h.Worktree
	}
	if task.Meta.Branch != "" || task.Meta.Worktree != "" {
		return task.Meta.Branch, task.Meta.Worktree
	}
	return protocol.BranchName(agent.Name, task.ID, task.Title),
		protocol.WorktreeName(task.ID, task.Title)
}

// AssignToAgent makes the agent the task's single assignee and resolves its
// branch/worktree. Missing task or agent fails with NotFoundError.
func (s *Service) AssignToAgent(ctx context.Context, taskID, agentID string, opts AssignOpts) (*protocol.Task, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		branch, worktree := resolveNames(t, agent, opts)
		t.Assignee = agent.ID
		t.Meta.AssignedAgent = agent.ID
		t.Meta.Branch = branch
		t.Meta.Worktree = worktree
		return nil
	})
}

// UnassignTask releases the task. Branch and worktree metadata survive so a
// later assignment can continue the same checkout.
func (s *Service) UnassignTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		t.Assignee = ""
		t.Meta.AssignedAgent = ""
		t.Meta.SessionID = ""
		t.Meta.StartedAt = nil
		if t.Status == protocol.TaskInProgress {
			t.Status = protocol.TaskOpen
		}
		return nil
	})
}

// StartTask marks an assigned task as actively being worked in a session.
func (s *Service) StartTask(ctx context.Context, taskID, sessionID string) (*protocol.Task, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		if t.Assignee == "" {
			return fmt.Errorf("start task %s: task is unassigned", taskID)
		}
		now := s.nowFunc().UTC()
		t.Status = protocol.TaskInProgress
		t.Meta.StartedAt = &now
		t.Meta.SessionID = sessionID
		return nil
	})
}

// CompleteOpts configures CompleteTask.
type CompleteOpts struct {
	OpenMergeRequest bool
	BaseBranch       string // default "main"
}

// CompleteTask closes the task and records completion metadata. When
// requested it opens a merge request against the base branch; merge-request
// failure is logged to the event log and never fails the completion.
func (s *Service) CompleteTask(ctx context.Context, taskID string, opts CompleteOpts) (*protocol.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		now := s.nowFunc().UTC()
		t.Status = protocol.TaskClosed
		t.Meta.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !opts.OpenMergeRequest || s.merges == nil {
		return task, nil
	}

	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}
	mergeStatus, mergeErr := s.merges.OpenMergeRequest(ctx, *task, base)
	if mergeErr != nil {
		mergeStatus = protocol.MergeFailed
		_ = s.store.LogEvent(ctx, "merge_request_failed", "assignment", task.ID, task.Assignee, mergeErr.Error())
	} else if mergeStatus == protocol.MergeNone {
		mergeStatus = protocol.MergePending
	}
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		t.Meta.MergeStatus = mergeStatus
		return nil
	})
}

// MarkMerged records that the task's branch landed on the base branch.
func (s *Service) MarkMerged(ctx context.Context, taskID string) (*protocol.Task, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		t.Meta.MergeStatus = protocol.MergeMerged
		return nil
	})
}

// HandoffTask releases the task while preserving its branch/worktree for the
// next assignee, appending one entry to the append-only handoff history.
func (s *Service) HandoffTask(ctx context.Context, taskID, message string) (*protocol.Task, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		t.Meta.Handoffs = append(t.Meta.Handoffs, protocol.HandoffEntry{
			SessionID: t.Meta.SessionID,
			Message:   message,
			Branch:    t.Meta.Branch,
			Worktree:  t.Meta.Worktree,
			HandoffAt: s.nowFunc().UTC(),
		})
		t.Assignee = ""
		t.Meta.AssignedAgent = ""
		t.Meta.SessionID = ""
		t.Meta.StartedAt = nil
		if t.Status == protocol.TaskInProgress {
			t.Status = protocol.TaskOpen
		}
		return nil
	})
}

// UpdateSessionID records the session currently carrying the task.
func (s *Service) UpdateSessionID(ctx context.Context, taskID, sessionID string) (*protocol.Task, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *protocol.Task) error {
		t.Meta.SessionID = sessionID
		return nil
	})
}

// --- Read queries ---

// GetAgentTasks returns all tasks currently assigned to the agent.
func (s *Service) GetAgentTasks(ctx context.Context, agentID string) ([]protocol.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{Assignee: agentID})
}

// Workload summarizes an agent's current load.
type Workload struct {
	Assigned   int
	InProgress int
}

// GetAgentWorkload counts the agent's assigned and in-progress tasks.
func (s *Service) GetAgentWorkload(ctx context.Context, agentID string) (Workload, error) {
	tasks, err := s.GetAgentTasks(ctx, agentID)
	if err != nil {
		return Workload{}, err
	}
	var w Workload
	for _, t := range tasks {
		switch protocol.DeriveAssignmentStatus(t) {
		case protocol.AssignmentAssigned:
			w.Assigned++
		case protocol.AssignmentInProgress:
			w.InProgress++
		}
	}
	return w, nil
}

// AgentHasCapacity reports whether the agent's in-progress count is below
// its configured max-concurrent-tasks (default 1).
func (s *Service) AgentHasCapacity(ctx context.Context, agentID string) (bool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	w, err := s.GetAgentWorkload(ctx, agentID)
	if err != nil {
		return false, err
	}
	return w.InProgress < agent.MaxConcurrent(), nil
}

// GetUnassignedTasks returns open tasks with no assignee, highest priority
// first.
func (s *Service) GetUnassignedTasks(ctx context.Context) ([]protocol.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{Status: protocol.TaskOpen, Unassigned: true})
}

// ListAssignments returns tasks whose derived assignment status matches.
// An empty status returns everything.
func (s *Service) ListAssignments(ctx context.Context, status protocol.AssignmentStatus) ([]protocol.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	if status == "" {
		return tasks, nil
	}
	out := tasks[:0]
	for _, t := range tasks {
		if protocol.DeriveAssignmentStatus(t) == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTasksAwaitingMerge returns closed tasks with an open merge request.
func (s *Service) GetTasksAwaitingMerge(ctx context.Context) ([]protocol.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Status: protocol.TaskClosed})
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Meta.MergeStatus == protocol.MergePending {
			out = append(out, t)
		}
	}
	return out, nil
}
