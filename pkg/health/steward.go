package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"foreman/pkg/assignment"
	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"github.com/google/uuid"
)

// Config tunes the detectors and remediation. Every threshold is independent;
// a single agent can trip more than one detector at once.
type Config struct {
	NoOutputThreshold   time.Duration // silence longer than this raises no_output
	ErrorWindow         time.Duration // rolling window for repeated_errors
	ErrorCountThreshold int           // errors within the window to raise repeated_errors
	MaxPingAttempts     int           // pings before send_ping escalates
}

func (c Config) withDefaults() Config {
	if c.NoOutputThreshold <= 0 {
		c.NoOutputThreshold = 5 * time.Minute
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 10 * time.Minute
	}
	if c.ErrorCountThreshold <= 0 {
		c.ErrorCountThreshold = 5
	}
	if c.MaxPingAttempts <= 0 {
		c.MaxPingAttempts = 3
	}
	return c
}

// SessionControl is the slice of the session manager the steward needs.
type SessionControl interface {
	GetActiveSession(agentID string) *protocol.Session
	ListSessions() []protocol.Session
	StopSession(ctx context.Context, sessionID, reason string) error
	SendInput(ctx context.Context, sessionID, text string) error
}

// Reassigner re-dispatches a task after its agent is deemed unhealthy.
type Reassigner interface {
	SmartDispatch(ctx context.Context, taskID string, opts dispatch.Opts) (*dispatch.Result, error)
}

type issueKey struct {
	agentID string
	typ     protocol.IssueType
}

// Steward detects and remediates agent failures. Issues are deduplicated by
// (agent, type): re-detection bumps the active issue in place, while a
// resolved issue that re-breaches starts a fresh detection cycle.
type Steward struct {
	cfg         Config
	store       *store.Store
	sessions    SessionControl
	assignments *assignment.Service
	dispatcher  Reassigner
	notifier    dispatch.Notifier

	mu         sync.Mutex
	trackers   map[string]*activityTracker
	issues     map[issueKey]*protocol.HealthIssue
	checkCount int

	// nowFunc and idFunc allow tests to control time and identifiers.
	nowFunc func() time.Time
	idFunc  func() string
}

// NewSteward creates the health steward. dispatcher and notifier may be nil;
// reassign and notify_director actions then fail locally instead of acting.
func NewSteward(cfg Config, st *store.Store, sessions SessionControl, assignments *assignment.Service, dispatcher Reassigner, notifier dispatch.Notifier) *Steward {
	return &Steward{
		cfg:         cfg.withDefaults(),
		store:       st,
		sessions:    sessions,
		assignments: assignments,
		dispatcher:  dispatcher,
		notifier:    notifier,
		trackers:    make(map[string]*activityTracker),
		issues:      make(map[issueKey]*protocol.HealthIssue),
		nowFunc:     time.Now,
		idFunc:      func() string { return uuid.New().String() },
	}
}

// upsertIssueLocked records a detection: a new issue for an unseen
// (agent, type) pair, or an occurrence bump on the active one. Caller holds
// s.mu. Returns a copy.
func (s *Steward) upsertIssueLocked(detected protocol.HealthIssue) *protocol.HealthIssue {
	key := issueKey{agentID: detected.AgentID, typ: detected.Type}
	now := s.nowFunc()
	if existing, ok := s.issues[key]; ok {
		existing.OccurrenceCount++
		existing.LastSeenAt = now
		existing.Description = detected.Description
		rec := *existing
		return &rec
	}
	detected.ID = s.idFunc()
	detected.DetectedAt = now
	detected.LastSeenAt = now
	detected.OccurrenceCount = 1
	s.issues[key] = &detected
	rec := detected
	return &rec
}

// CheckAgent runs the periodic detectors for one agent. Only agents with a
// running session are evaluated; an agent absent from the registry is itself
// reported unhealthy. Detections are recorded (with dedup) and returned.
func (s *Steward) CheckAgent(ctx context.Context, agentID string) ([]protocol.HealthIssue, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		s.mu.Lock()
		issue := s.upsertIssueLocked(protocol.HealthIssue{
			AgentID:     agentID,
			Type:        protocol.IssueAgentMissing,
			Severity:    protocol.SeverityCritical,
			Description: fmt.Sprintf("agent %s has a session but no registry record", agentID),
		})
		s.mu.Unlock()
		return []protocol.HealthIssue{*issue}, nil
	}

	active := s.sessions.GetActiveSession(agentID)
	if active == nil || active.Status != protocol.SessionRunning {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.trackerLocked(agentID)
	now := s.nowFunc()
	var found []protocol.HealthIssue

	if silence := now.Sub(tr.lastOutputAt); silence > s.cfg.NoOutputThreshold {
		issue := s.upsertIssueLocked(protocol.HealthIssue{
			AgentID:     agentID,
			Type:        protocol.IssueNoOutput,
			Severity:    protocol.SeverityWarning,
			Description: fmt.Sprintf("no output for %s", silence.Round(time.Second)),
		})
		found = append(found, *issue)
	}

	if n := s.errorsInWindowLocked(tr); n >= s.cfg.ErrorCountThreshold {
		issue := s.upsertIssueLocked(protocol.HealthIssue{
			AgentID:     agentID,
			Type:        protocol.IssueRepeatedErrors,
			Severity:    protocol.SeverityWarning,
			Description: fmt.Sprintf("%d errors within %s", n, s.cfg.ErrorWindow),
		})
		found = append(found, *issue)
	}

	return found, nil
}

// CheckResult is one full health check pass.
type CheckResult struct {
	CheckNumber    int                    `json:"check_number"`
	NewIssues      []protocol.HealthIssue `json:"new_issues"`
	ResolvedIssues []protocol.HealthIssue `json:"resolved_issues"`
	ActiveIssues   []protocol.HealthIssue `json:"active_issues"`
	AgentsChecked  int                    `json:"agents_checked"`
}

// RunHealthCheck evaluates every agent that has a session, diffs the active
// issue set against the previous pass, and auto-resolves conditions that
// cleared. Crash issues resolve once the agent is running again.
func (s *Steward) RunHealthCheck(ctx context.Context) (*CheckResult, error) {
	agents := make(map[string]bool)
	for _, sess := range s.sessions.ListSessions() {
		agents[sess.AgentID] = true
	}

	s.mu.Lock()
	before := make(map[issueKey]protocol.HealthIssue, len(s.issues))
	for k, v := range s.issues {
		before[k] = *v
	}
	s.mu.Unlock()

	detected := make(map[issueKey]bool)
	for agentID := range agents {
		issues, err := s.CheckAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			detected[issueKey{agentID: issue.AgentID, typ: issue.Type}] = true
		}
	}

	s.mu.Lock()
	var resolved []protocol.HealthIssue
	for key, issue := range s.issues {
		if detected[key] {
			continue
		}
		switch key.typ {
		case protocol.IssueNoOutput, protocol.IssueRepeatedErrors, protocol.IssueAgentMissing:
			// Detector-owned: gone from this pass means the condition cleared.
			if agents[key.agentID] {
				resolved = append(resolved, *issue)
				delete(s.issues, key)
			}
		case protocol.IssueProcessCrashed:
			if sess := s.sessions.GetActiveSession(key.agentID); sess != nil && sess.Status == protocol.SessionRunning {
				resolved = append(resolved, *issue)
				delete(s.issues, key)
			}
		}
	}

	var fresh []protocol.HealthIssue
	for key := range detected {
		if _, existed := before[key]; !existed {
			if issue, ok := s.issues[key]; ok {
				fresh = append(fresh, *issue)
			}
		}
	}

	s.checkCount++
	result := &CheckResult{
		CheckNumber:    s.checkCount,
		NewIssues:      fresh,
		ResolvedIssues: resolved,
		ActiveIssues:   s.activeIssuesLocked(),
		AgentsChecked:  len(agents),
	}
	s.mu.Unlock()

	for _, issue := range fresh {
		_ = s.store.LogEvent(ctx, "health:issue_detected", "health", "", issue.AgentID, string(issue.Type))
	}
	for _, issue := range resolved {
		_ = s.store.LogEvent(ctx, "health:issue_resolved", "health", "", issue.AgentID, string(issue.Type))
	}
	return result, nil
}

// ResolveIssue removes an active issue by id. A later re-breach of the same
// condition starts a new detection cycle with a fresh issue.
func (s *Steward) ResolveIssue(issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, issue := range s.issues {
		if issue.ID == issueID {
			delete(s.issues, key)
			return nil
		}
	}
	return &protocol.NotFoundError{Kind: "issue", ID: issueID}
}

// GetIssue returns a copy of an active issue by id.
func (s *Steward) GetIssue(issueID string) (*protocol.HealthIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, issue := range s.issues {
		if issue.ID == issueID {
			rec := *issue
			return &rec, nil
		}
	}
	return nil, &protocol.NotFoundError{Kind: "issue", ID: issueID}
}

// ActiveIssues returns copies of all active issues, oldest detection first.
func (s *Steward) ActiveIssues() []protocol.HealthIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIssuesLocked()
}

func (s *Steward) activeIssuesLocked() []protocol.HealthIssue {
	out := make([]protocol.HealthIssue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Stats summarizes the steward's runtime state for the status surface.
type Stats struct {
	ActiveIssues  int `json:"active_issues"`
	ChecksRun     int `json:"checks_run"`
	TrackedAgents int `json:"tracked_agents"`
}

// GetStats returns current health statistics.
func (s *Steward) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveIssues:  len(s.issues),
		ChecksRun:     s.checkCount,
		TrackedAgents: len(s.trackers),
	}
}
