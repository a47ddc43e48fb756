package protocol

import "time"

// Role classifies a registered agent.
type Role string

// Agent role constants.
const (
	RoleDirector Role = "director"
	RoleWorker   Role = "worker"
	RoleSteward  Role = "steward"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDirector, RoleWorker, RoleSteward:
		return true
	}
	return false
}

// WorkerMode distinguishes workers that exist only for the duration of one
// task from workers with a standing process.
type WorkerMode string

// Worker mode constants. Only meaningful for RoleWorker.
const (
	ModeEphemeral  WorkerMode = "ephemeral"
	ModePersistent WorkerMode = "persistent"
)

// Capability describes what an agent can work on and how much of it.
type Capability struct {
	Skills             []string `json:"skills,omitempty" yaml:"skills"`
	Languages          []string `json:"languages,omitempty" yaml:"languages"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty" yaml:"max_concurrent_tasks"`
}

// Agent is a registered actor capable of running a session. Agents are never
// deleted; deactivation flips Active off and removes them from dispatch.
type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	WorkerMode   WorkerMode `json:"worker_mode,omitempty"`
	StewardFocus string     `json:"steward_focus,omitempty"`
	Capability   Capability `json:"capability"`
	ReportsTo    string     `json:"reports_to,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MaxConcurrent returns the agent's configured concurrency limit, defaulting
// to 1 when unset.
func (a Agent) MaxConcurrent() int {
	if a.Capability.MaxConcurrentTasks > 0 {
		return a.Capability.MaxConcurrentTasks
	}
	return 1
}

// HoldsUnreadMail reports whether undeliverable non-dispatch messages stay
// unread for this agent's next session. Ephemeral workers and stewards have
// no mailbox continuity between sessions, so their undeliverable mail is
// dropped; persistent workers and directors must never lose a message.
func (a Agent) HoldsUnreadMail() bool {
	switch a.Role {
	case RoleDirector:
		return true
	case RoleWorker:
		return a.WorkerMode == ModePersistent
	case RoleSteward:
		return false
	}
	return false
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task status constants.
const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDeferred   TaskStatus = "deferred"
	TaskClosed     TaskStatus = "closed"
	TaskTombstone  TaskStatus = "tombstone"
)

// MergeStatus tracks the post-completion merge state of a task's branch.
type MergeStatus string

// Merge status constants.
const (
	MergeNone    MergeStatus = ""
	MergePending MergeStatus = "pending"
	MergeMerged  MergeStatus = "merged"
	MergeFailed  MergeStatus = "failed"
)

// HandoffEntry is one append-only record of a task changing hands. History is
// only ever extended, never rewritten.
type HandoffEntry struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Worktree  string    `json:"worktree,omitempty"`
	HandoffAt time.Time `json:"handoff_at"`
}

// OrchestratorMeta is the orchestration bookkeeping sub-record of a task.
// Branch and Worktree survive unassignment so a later assignment can continue
// where the previous one stopped.
type OrchestratorMeta struct {
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	Worktree      string         `json:"worktree,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	MergeStatus   MergeStatus    `json:"merge_status,omitempty"`
	Handoffs      []HandoffEntry `json:"handoffs,omitempty"`
}

// LastHandoff returns the most recent handoff entry, or nil if none.
func (m OrchestratorMeta) LastHandoff() *HandoffEntry {
	if len(m.Handoffs) == 0 {
		return nil
	}
	return &m.Handoffs[len(m.Handoffs)-1]
}

// Task is a unit of work with status, priority, and assignment metadata.
type Task struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Status    TaskStatus       `json:"status"`
	Priority  int              `json:"priority"`
	Assignee  string           `json:"assignee,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
	Meta      OrchestratorMeta `json:"meta"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// HasTag reports whether the task carries the given tag.
func (t Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// AssignmentStatus is derived from stored task fields and never persisted.
type AssignmentStatus string

// Assignment status constants.
const (
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentMerged     AssignmentStatus = "merged"
)

// DeriveAssignmentStatus computes the assignment status implied by the stored
// fields {assignee presence, task status, started-at, merge status}. The same
// inputs always yield the same status; it is never stored.
func DeriveAssignmentStatus(t Task) AssignmentStatus {
	if t.Meta.MergeStatus == MergeMerged {
		return AssignmentMerged
	}
	if t.Status == TaskClosed || t.Status == TaskTombstone {
		return AssignmentCompleted
	}
	if t.Assignee == "" {
		return AssignmentUnassigned
	}
	if t.Status == TaskInProgress || t.Meta.StartedAt != nil {
		return AssignmentInProgress
	}
	return AssignmentAssigned
}

// SessionStatus is the state machine position of a running agent process.
// Any state may transition directly to terminated on crash or exit.
type SessionStatus string

// Session status constants: starting → running → {suspended, terminating} →
// terminated.
const (
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionSuspended   SessionStatus = "suspended"
	SessionTerminating SessionStatus = "terminating"
	SessionTerminated  SessionStatus = "terminated"
)

// Terminal reports whether the status is the terminal state.
func (s SessionStatus) Terminal() bool { return s == SessionTerminated }

// Session is one lifecycle instance of a spawned agent process.
type Session struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	Role           Role          `json:"role"`
	WorkerMode     WorkerMode    `json:"worker_mode,omitempty"`
	PID            int           `json:"pid,omitempty"`
	Status         SessionStatus `json:"status"`
	WorkingDir     string        `json:"working_dir,omitempty"`
	Worktree       string        `json:"worktree,omitempty"`
	ExternalHandle string        `json:"external_handle,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	EndReason      string        `json:"end_reason,omitempty"`
}

// IssueType classifies a detected health condition.
type IssueType string

// Health issue type constants.
const (
	IssueNoOutput       IssueType = "no_output"
	IssueRepeatedErrors IssueType = "repeated_errors"
	IssueProcessCrashed IssueType = "process_crashed"
	IssueAgentMissing   IssueType = "agent_missing"
)

// IssueSeverity grades a health issue.
type IssueSeverity string

// Issue severity constants.
const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// HealthIssue is a detected, deduplicated failure condition for an agent.
// Issues are keyed by (AgentID, Type); repeated detection bumps
// OccurrenceCount and LastSeenAt in place instead of creating a duplicate.
type HealthIssue struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	Type            IssueType     `json:"type"`
	Severity        IssueSeverity `json:"severity"`
	Description     string        `json:"description"`
	DetectedAt      time.Time     `json:"detected_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
	OccurrenceCount int           `json:"occurrence_count"`
}

// HealthAction is a corrective action applied to a health issue.
type HealthAction string

// Health action constants.
const (
	ActionMonitor        HealthAction = "monitor"
	ActionSendPing       HealthAction = "send_ping"
	ActionRestart        HealthAction = "restart"
	ActionReassign       HealthAction = "reassign"
	ActionNotifyDirector HealthAction = "notify_director"
)

// MessageStatus is the read state of an inbox message.
type MessageStatus string

// Inbox message status constants.
const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// MessageSource distinguishes how a message reached the agent.
type MessageSource string

// Message source constants.
const (
	SourceDirect  MessageSource = "direct"
	SourceMention MessageSource = "mention"
)

// InboxMessage is one item in an agent's inbox. Dispatch marks messages that
// carry a task assignment; those are handled by the worker-availability poll
// rather than inbox delivery.
type InboxMessage struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	ChannelID string        `json:"channel_id"`
	Content   string        `json:"content"`
	Source    MessageSource `json:"source"`
	Dispatch  bool          `json:"dispatch"`
	TaskID    string        `json:"task_id,omitempty"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
