// Package health watches agent activity and turns stalls, error streaks, and
// crashes into deduplicated, actionable health issues. Trackers and issues
// are in-memory runtime state owned by the Steward; the event log is the
// durable trail.
package health

import (
	"time"

	"foreman/pkg/protocol"
)

// activityTracker is the per-agent activity record the detectors read.
// Created on first signal, evicted with the agent's counters on stop.
type activityTracker struct {
	lastOutputAt time.Time
	errorTimes   []time.Time // rolling window, pruned on read
	pingAttempts int
}

// RecordOutput notes agent stdout activity. Output resets both the error
// streak and any outstanding ping attempts: the agent is demonstrably alive.
func (s *Steward) RecordOutput(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackerLocked(agentID)
	tr.lastOutputAt = s.nowFunc()
	tr.errorTimes = nil
	tr.pingAttempts = 0
}

// RecordError appends a timestamp to the agent's rolling error window.
func (s *Steward) RecordError(agentID string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackerLocked(agentID)
	tr.errorTimes = append(tr.errorTimes, s.nowFunc())
}

// RecordCrash raises an immediate process_crashed issue, bypassing periodic
// evaluation. Repeated crashes bump the existing issue's occurrence count.
func (s *Steward) RecordCrash(agentID string, description string) *protocol.HealthIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if description == "" {
		description = "agent process exited unexpectedly"
	}
	return s.upsertIssueLocked(protocol.HealthIssue{
		AgentID:     agentID,
		Type:        protocol.IssueProcessCrashed,
		Severity:    protocol.SeverityCritical,
		Description: description,
	})
}

// ResetCounters clears the agent's ping and error counters. The session
// manager calls this on every authoritative stop.
func (s *Steward) ResetCounters(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.trackers[agentID]; ok {
		tr.errorTimes = nil
		tr.pingAttempts = 0
	}
}

// trackerLocked returns the agent's tracker, creating it on first use.
// Caller holds s.mu.
func (s *Steward) trackerLocked(agentID string) *activityTracker {
	tr, ok := s.trackers[agentID]
	if !ok {
		tr = &activityTracker{lastOutputAt: s.nowFunc()}
		s.trackers[agentID] = tr
	}
	return tr
}

// errorsInWindowLocked counts error timestamps still inside the rolling
// window and prunes the rest. Caller holds s.mu.
func (s *Steward) errorsInWindowLocked(tr *activityTracker) int {
	cutoff := s.nowFunc().Add(-s.cfg.ErrorWindow)
	kept := tr.errorTimes[:0]
	for _, t := range tr.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	tr.errorTimes = kept
	return len(kept)
}
