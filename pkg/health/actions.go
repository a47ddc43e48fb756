package health

import (
	"context"
	"fmt"

	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// ActionResult is the outcome of one corrective action. Local failures
// (unknown issue, no session to act on) are reported here, not as errors.
type ActionResult struct {
	IssueID   string                `json:"issue_id"`
	Action    protocol.HealthAction `json:"action"`
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Escalated bool                  `json:"escalated,omitempty"`
}

// TakeAction applies a corrective action to an active issue. Acting on an
// unknown issue id returns a failed result, never an error.
func (s *Steward) TakeAction(ctx context.Context, issueID string, action protocol.HealthAction) (*ActionResult, error) {
	issue, err := s.GetIssue(issueID)
	if err != nil {
		return &ActionResult{IssueID: issueID, Action: action, Message: "Issue not found"}, nil
	}

	res := &ActionResult{IssueID: issueID, Action: action}
	switch action {
	case protocol.ActionMonitor:
		res.Success = true
		res.Message = fmt.Sprintf("monitoring %s on agent %s", issue.Type, issue.AgentID)

	case protocol.ActionSendPing:
		res.Success, res.Message, res.Escalated = s.sendPing(ctx, issue)

	case protocol.ActionRestart:
		active := s.sessions.GetActiveSession(issue.AgentID)
		if active == nil {
			res.Message = fmt.Sprintf("agent %s has no active session to restart", issue.AgentID)
			break
		}
		if err := s.sessions.StopSession(ctx, active.ID, fmt.Sprintf("health restart: %s", issue.Type)); err != nil {
			res.Message = fmt.Sprintf("restart failed: %v", err)
			break
		}
		res.Success = true
		res.Message = fmt.Sprintf("session %s stopped; the daemon respawns on its next cycle", active.ID)

	case protocol.ActionReassign:
		task := s.currentTask(ctx, issue.AgentID)
		if task == nil {
			res.Message = fmt.Sprintf("agent %s has no task to reassign", issue.AgentID)
			break
		}
		if err := s.ReassignTask(ctx, issue.AgentID, task.ID); err != nil {
			res.Message = err.Error()
			break
		}
		res.Success = true
		res.Message = fmt.Sprintf("task %s reassigned away from %s", task.ID, issue.AgentID)

	case protocol.ActionNotifyDirector:
		res.Success, res.Message = s.notifyDirector(ctx, issue)

	default:
		return nil, fmt.Errorf("unknown health action %q", action)
	}

	_ = s.store.LogEvent(ctx, "health:action", "health", "", issue.AgentID, string(action))
	return res, nil
}

// sendPing messages the agent's running session and counts the attempt.
// Exceeding the configured max escalates to the director instead of pinging
// again.
func (s *Steward) sendPing(ctx context.Context, issue *protocol.HealthIssue) (ok bool, msg string, escalated bool) {
	s.mu.Lock()
	tr := s.trackerLocked(issue.AgentID)
	tr.pingAttempts++
	attempts := tr.pingAttempts
	s.mu.Unlock()

	if attempts > s.cfg.MaxPingAttempts {
		ok, msg = s.notifyDirector(ctx, issue)
		return ok, fmt.Sprintf("ping limit reached after %d attempts: %s", attempts-1, msg), true
	}

	active := s.sessions.GetActiveSession(issue.AgentID)
	if active == nil {
		return false, fmt.Sprintf("agent %s has no active session to ping", issue.AgentID), false
	}
	ping := fmt.Sprintf("Health check: no response observed (%s). Please report status.", issue.Type)
	if err := s.sessions.SendInput(ctx, active.ID, ping); err != nil {
		return false, fmt.Sprintf("ping failed: %v", err), false
	}
	return true, fmt.Sprintf("ping %d/%d sent to session %s", attempts, s.cfg.MaxPingAttempts, active.ID), false
}

// notifyDirector drops a message on the first director's channel.
func (s *Steward) notifyDirector(ctx context.Context, issue *protocol.HealthIssue) (bool, string) {
	if s.notifier == nil {
		return false, "no notifier configured"
	}
	directors, err := s.store.ListAgents(ctx, store.AgentFilter{Role: protocol.RoleDirector, ActiveOnly: true})
	if err != nil || len(directors) == 0 {
		return false, "no director registered"
	}
	director := directors[0]
	content := fmt.Sprintf("Health alert: agent %s has %s (%s, seen %dx): %s",
		issue.AgentID, issue.Type, issue.Severity, issue.OccurrenceCount, issue.Description)
	if _, _, err := s.notifier.NotifyAgent(ctx, director.ID, content, dispatch.NotifyMeta{Source: protocol.SourceDirect}); err != nil {
		return false, fmt.Sprintf("notify director %s: %v", director.ID, err)
	}
	return true, fmt.Sprintf("director %s notified", director.ID)
}

// ReassignTask takes the task away from the agent and smart-dispatches it
// elsewhere. When no eligible agent exists the task is left unassigned and
// the dispatch error is returned.
func (s *Steward) ReassignTask(ctx context.Context, agentID, taskID string) error {
	if s.dispatcher == nil {
		return fmt.Errorf("reassign task %s: no dispatcher configured", taskID)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Assignee != agentID {
		return fmt.Errorf("reassign task %s: not assigned to agent %s", taskID, agentID)
	}
	if _, err := s.assignments.UnassignTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.dispatcher.SmartDispatch(ctx, taskID, dispatch.Opts{Exclude: []string{agentID}}); err != nil {
		// The task stays unassigned rather than half-reassigned.
		return err
	}
	return nil
}

// currentTask returns the agent's in-progress task, falling back to any
// assigned task, or nil.
func (s *Steward) currentTask(ctx context.Context, agentID string) *protocol.Task {
	tasks, err := s.assignments.GetAgentTasks(ctx, agentID)
	if err != nil || len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		if protocol.DeriveAssignmentStatus(tasks[i]) == protocol.AssignmentInProgress {
			return &tasks[i]
		}
	}
	return &tasks[0]
}
