package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/store"
)

// pollWorkerAvailability spawns work for idle ephemeral workers: each one
// gets the highest-priority unassigned task, a verified worktree, a dispatch,
// and a fresh session rooted at that worktree.
func (d *Daemon) pollWorkerAvailability(ctx context.Context, res *PollResult) {
	agents, err := d.store.ListAgents(ctx, store.AgentFilter{Role: protocol.RoleWorker, ActiveOnly: true})
	if err != nil {
		res.fail(err)
		return
	}

	for _, agent := range agents {
		if agent.WorkerMode != protocol.ModeEphemeral || d.sessions.GetActiveSession(agent.ID) != nil {
			continue
		}
		tasks, err := d.assignments.GetUnassignedTasks(ctx)
		if err != nil {
			res.fail(err)
			return
		}
		if len(tasks) == 0 {
			return
		}
		if err := d.activateWorker(ctx, agent, tasks[0].ID); err != nil {
			res.fail(fmt.Errorf("activate %s: %w", agent.ID, err))
			continue
		}
		res.Processed++
	}
}

// activateWorker runs the dispatch-then-spawn sequence for one idle worker.
func (d *Daemon) activateWorker(ctx context.Context, agent protocol.Agent, taskID string) error {
	disp, err := d.dispatcher.Dispatch(ctx, taskID, agent.ID, dispatch.Opts{})
	if err != nil {
		return err
	}
	task := disp.Task
	d.emit(Event{Type: "task:dispatched", TaskID: task.ID, AgentID: agent.ID})

	// Branch and worktree names were resolved during dispatch (handoff
	// metadata wins over prior assignment, which wins over generated names);
	// here we only make sure the checkout still exists on disk.
	workingDir := ""
	if d.worktrees != nil && task.Meta.Worktree != "" {
		workingDir = filepath.Join(d.cfg.RepoRoot, protocol.WorktreesDir, task.Meta.Worktree)
		if !d.worktrees.Exists(ctx, workingDir) {
			checkout, err := d.worktrees.Attach(ctx, task.Meta.Worktree, task.Meta.Branch)
			if err != nil {
				return err
			}
			workingDir = checkout.Path
		}
	}

	sess, err := d.sessions.StartSession(ctx, agent, session.SpawnOpts{
		WorkingDir: workingDir,
		Prompt:     taskPrompt(task),
	})
	if err != nil {
		return err
	}
	d.emit(Event{Type: "agent:spawned", TaskID: task.ID, AgentID: agent.ID, Message: sess.ID})
	_ = d.store.LogEvent(ctx, "agent:spawned", "daemon", task.ID, agent.ID, sess.ID)

	_, err = d.assignments.StartTask(ctx, task.ID, sess.ID)
	return err
}

// taskPrompt assembles the context an agent starts its session with.
func taskPrompt(task *protocol.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assigned task %s: %s\n", task.ID, task.Title)
	if task.Meta.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", task.Meta.Branch)
	}
	if len(task.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(task.Tags, ", "))
	}
	if h := task.Meta.LastHandoff(); h != nil && h.Message != "" {
		fmt.Fprintf(&b, "Handoff from the previous session: %s\n", h.Message)
	}
	b.WriteString("The current directory is the task's worktree.")
	return b.String()
}

// pollInbox routes up to InboxBatchSize unread messages per agent. Routing
// depends on (dispatch-type) × (active session), with the undeliverable
// non-dispatch case split by role: ephemeral workers and stewards have no
// next session to deliver to, so the message is dropped; persistent workers
// and directors keep it unread.
func (d *Daemon) pollInbox(ctx context.Context, res *PollResult) {
	agents, err := d.store.ListAgents(ctx, store.AgentFilter{ActiveOnly: true})
	if err != nil {
		res.fail(err)
		return
	}

	for _, agent := range agents {
		msgs, err := d.store.ListUnread(ctx, agent.ID, d.cfg.InboxBatchSize)
		if err != nil {
			res.fail(err)
			continue
		}
		for _, msg := range msgs {
			active := d.sessions.GetActiveSession(agent.ID)
			switch {
			case active != nil:
				if err := d.sessions.SendInput(ctx, active.ID, msg.Content); err != nil {
					res.fail(fmt.Errorf("forward message %s: %w", msg.ID, err))
					continue
				}
				if err := d.store.SetMessageStatus(ctx, msg.ID, protocol.MessageRead); err != nil {
					res.fail(err)
					continue
				}
				d.emit(Event{Type: "message:forwarded", AgentID: agent.ID, TaskID: msg.TaskID, Message: msg.ID})
				_ = d.store.LogEvent(ctx, "message:forwarded", "daemon", msg.TaskID, agent.ID, msg.ID)
				res.Processed++

			case msg.Dispatch:
				// Already handled by the worker-availability poll.
				if err := d.store.SetMessageStatus(ctx, msg.ID, protocol.MessageRead); err != nil {
					res.fail(err)
					continue
				}
				res.Processed++

			case agent.HoldsUnreadMail():
				// Stays unread for the agent's next session.

			default:
				if err := d.store.SetMessageStatus(ctx, msg.ID, protocol.MessageRead); err != nil {
					res.fail(err)
					continue
				}
				res.Processed++
			}
		}
	}
}

// pollStewardTrigger keeps the steward scheduler alive and runs a health
// pass.
func (d *Daemon) pollStewardTrigger(ctx context.Context, res *PollResult) {
	if d.scheduler != nil {
		if !d.scheduler.Running() {
			d.scheduler.Start()
			res.Processed++
		}
		res.RunningExecutions = d.scheduler.RunningExecutions()
	}
	if d.health != nil {
		check, err := d.health.RunHealthCheck(ctx)
		if err != nil {
			res.fail(err)
			return
		}
		res.Processed += len(check.NewIssues)
	}
}

// pollWorkflowTask dispatches unassigned maintenance tasks to idle stewards:
// a task matches when its tags intersect {focus, "steward-"+focus,
// "workflow"}.
func (d *Daemon) pollWorkflowTask(ctx context.Context, res *PollResult) {
	stewards, err := d.store.ListAgents(ctx, store.AgentFilter{Role: protocol.RoleSteward, ActiveOnly: true})
	if err != nil {
		res.fail(err)
		return
	}

	for _, steward := range stewards {
		if d.sessions.GetActiveSession(steward.ID) != nil {
			continue
		}
		tasks, err := d.assignments.GetUnassignedTasks(ctx)
		if err != nil {
			res.fail(err)
			return
		}
		task := matchStewardTask(steward, tasks)
		if task == nil {
			continue
		}
		if _, err := d.dispatcher.Dispatch(ctx, task.ID, steward.ID, dispatch.Opts{}); err != nil {
			res.fail(fmt.Errorf("dispatch %s to steward %s: %w", task.ID, steward.ID, err))
			continue
		}
		d.emit(Event{Type: "task:dispatched", TaskID: task.ID, AgentID: steward.ID})
		res.Processed++
	}
}

// matchStewardTask returns the highest-priority task whose tags intersect
// the steward's interest set, or nil. Tasks arrive highest priority first.
func matchStewardTask(steward protocol.Agent, tasks []protocol.Task) *protocol.Task {
	interests := []string{"workflow"}
	if steward.StewardFocus != "" {
		interests = append(interests, steward.StewardFocus, "steward-"+steward.StewardFocus)
	}
	for i := range tasks {
		for _, tag := range interests {
			if tasks[i].HasTag(tag) {
				return &tasks[i]
			}
		}
	}
	return nil
}
