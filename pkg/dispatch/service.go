// Package dispatch composes task assignment with agent notification: one
// dispatch call assigns a task (when it is not already held by the target
// agent) and drops a dispatch message into the agent's inbox channel.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/assignment"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// NotifyMeta carries structured fields alongside a notification.
type NotifyMeta struct {
	TaskID   string
	Dispatch bool
	Source   protocol.MessageSource
}

// Notifier delivers a message to an agent's channel and returns the created
// message and the channel it landed on.
type Notifier interface {
	NotifyAgent(ctx context.Context, agentID, content string, meta NotifyMeta) (*protocol.InboxMessage, string, error)
}

// StoreNotifier writes notifications straight into the inbox table; the
// daemon's inbox poll is the consumer.
type StoreNotifier struct {
	Store *store.Store
}

// NotifyAgent creates an unread inbox message on the agent's channel.
func (n *StoreNotifier) NotifyAgent(ctx context.Context, agentID, content string, meta NotifyMeta) (*protocol.InboxMessage, string, error) {
	msg := &protocol.InboxMessage{
		AgentID:   agentID,
		ChannelID: "agent-" + agentID,
		Content:   content,
		Source:    meta.Source,
		Dispatch:  meta.Dispatch,
		TaskID:    meta.TaskID,
	}
	if err := n.Store.CreateMessage(ctx, msg); err != nil {
		return nil, "", err
	}
	return msg, msg.ChannelID, nil
}

// Config tunes smart dispatch.
type Config struct {
	MinScore float64 // candidates below this are filtered out (default 0.5)
}

func (c Config) withDefaults() Config {
	if c.MinScore == 0 {
		c.MinScore = 0.5
	}
	return c
}

// Service is the dispatch service.
type Service struct {
	cfg         Config
	store       *store.Store
	assignments *assignment.Service
	notifier    Notifier
	scorer      Scorer

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewService creates the dispatch service. A nil scorer falls back to
// SkillScorer.
func NewService(cfg Config, st *store.Store, assignments *assignment.Service, notifier Notifier, scorer Scorer) *Service {
	if scorer == nil {
		scorer = SkillScorer{}
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		store:       st,
		assignments: assignments,
		notifier:    notifier,
		scorer:      scorer,
		nowFunc:     time.Now,
	}
}

// Opts configures one dispatch.
type Opts struct {
	Assign  assignment.AssignOpts
	Content string   // notification body; assembled from the task when empty
	Exclude []string // agent ids SmartDispatch must not pick (e.g. the agent being replaced)
}

// Result is what one dispatch produced.
type Result struct {
	Task            *protocol.Task        `json:"task"`
	Agent           *protocol.Agent       `json:"agent"`
	Notification    *protocol.InboxMessage `json:"notification"`
	Channel         string                `json:"channel"`
	IsNewAssignment bool                  `json:"is_new_assignment"`
	DispatchedAt    time.Time             `json:"dispatched_at"`
}

// Dispatch assigns the task to the agent (unless it already holds it) and
// always sends a fresh dispatch notification. Re-dispatching the same task
// to the same agent never duplicates the assignment.
func (s *Service) Dispatch(ctx context.Context, taskID, agentID string, opts Opts) (*Result, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	isNew := task.Assignee != agentID
	if isNew {
		task, err = s.assignments.AssignToAgent(ctx, taskID, agentID, opts.Assign)
		if err != nil {
			return nil, err
		}
	}

	content := opts.Content
	if content == "" {
		content = fmt.Sprintf("Task %s dispatched to you: %s (branch %s)", task.ID, task.Title, task.Meta.Branch)
	}
	msg, channel, err := s.notifier.NotifyAgent(ctx, agentID, content, NotifyMeta{
		TaskID:   task.ID,
		Dispatch: true,
		Source:   protocol.SourceDirect,
	})
	if err != nil {
		return nil, fmt.Errorf("notify agent %s: %w", agentID, err)
	}

	_ = s.store.LogEvent(ctx, "task:dispatched", "dispatch", task.ID, agentID, msg.ID)

	return &Result{
		Task:            task,
		Agent:           agent,
		Notification:    msg,
		Channel:         channel,
		IsNewAssignment: isNew,
		DispatchedAt:    s.nowFunc().UTC(),
	}, nil
}

// GetCandidates ranks eligible agents for a task without dispatching,
// filtered the same way SmartDispatch filters.
func (s *Service) GetCandidates(ctx context.Context, taskID string) ([]Candidate, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, store.AgentFilter{Role: protocol.RoleWorker, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	ranked := s.scorer.Rank(*task, agents)
	out := ranked[:0]
	for _, c := range ranked {
		if !c.Eligible || c.Score < s.cfg.MinScore {
			continue
		}
		hasCapacity, err := s.assignments.AgentHasCapacity(ctx, c.Agent.ID)
		if err != nil {
			return nil, err
		}
		if hasCapacity {
			out = append(out, c)
		}
	}
	return out, nil
}

func excluded(ids []string, agentID string) bool {
	for _, id := range ids {
		if id == agentID {
			return true
		}
	}
	return false
}

// SmartDispatch picks the best-ranked eligible candidate and dispatches to
// it, failing with NoEligibleAgentsError when the filtered set is empty.
func (s *Service) SmartDispatch(ctx context.Context, taskID string, opts Opts) (*Result, error) {
	candidates, err := s.GetCandidates(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if excluded(opts.Exclude, c.Agent.ID) {
			continue
		}
		return s.Dispatch(ctx, taskID, c.Agent.ID, opts)
	}
	return nil, &protocol.NoEligibleAgentsError{TaskID: taskID}
}
