package protocol

import "fmt"

// NotFoundError reports a missing entity. Kind names the entity class
// ("task", "agent", "session", "issue") so callers can render a precise
// message without string matching.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// SessionExistsError reports an attempt to start a session for an agent that
// already has a non-terminated one. The existing record is never replaced.
type SessionExistsError struct {
	AgentID   string
	SessionID string
}

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("agent %s already has active session %s", e.AgentID, e.SessionID)
}

// NoResumableSessionError reports that resume was requested but no prior
// session with a stored external handle exists for the agent.
type NoResumableSessionError struct {
	AgentID string
}

func (e *NoResumableSessionError) Error() string {
	return fmt.Sprintf("no resumable session for agent %s", e.AgentID)
}

// NoEligibleAgentsError reports that candidate ranking produced no agent that
// passes the eligibility and minimum-score filter.
type NoEligibleAgentsError struct {
	TaskID string
}

func (e *NoEligibleAgentsError) Error() string {
	return fmt.Sprintf("No suitable agent found for task %s", e.TaskID)
}
