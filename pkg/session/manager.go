// Package session owns the lifecycle of spawned agent processes: the
// starting → running → {suspended, terminating} → terminated state machine,
// one event emitter per session, and resume/prune bookkeeping. Sessions are
// runtime state; the manager is the only mutator.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// EventLogger records session lifecycle events to the runtime event log.
// *store.Store satisfies it; a nil logger disables logging.
type EventLogger interface {
	LogEvent(ctx context.Context, evType, source, taskID, agentID, payload string) error
}

// Hooks let the health tracker observe session activity without the manager
// importing it. All hooks are optional and called outside the manager lock.
type Hooks struct {
	Output  func(agentID string)                        // any stdout line
	Error   func(agentID string, line string)           // any stderr line
	Exit    func(agentID string, code int, crashed bool) // process exit; crashed when not requested
	Stopped func(agentID string)                        // authoritative stop: reset ping/error counters
}

type managedSession struct {
	rec     protocol.Session
	emitter *Emitter
	detach  func() // manager's own subscription
}

// Manager tracks all sessions and enforces the one-active-session-per-agent
// invariant.
type Manager struct {
	spawner Spawner
	log     EventLogger
	hooks   Hooks

	mu       sync.Mutex
	sessions map[string]*managedSession

	// nowFunc and idFunc allow tests to control time and identifiers.
	nowFunc func() time.Time
	idFunc  func() string
}

// NewManager creates a session manager. log may be nil.
func NewManager(spawner Spawner, log EventLogger) *Manager {
	return &Manager{
		spawner:  spawner,
		log:      log,
		sessions: make(map[string]*managedSession),
		nowFunc:  time.Now,
		idFunc:   func() string { return uuid.New().String() },
	}
}

// SetHooks installs observer hooks. Call before the daemon starts.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// activeLocked returns the agent's non-terminated session, if any.
// Caller holds m.mu.
func (m *Manager) activeLocked(agentID string) *managedSession {
	for _, ms := range m.sessions {
		if ms.rec.AgentID == agentID && !ms.rec.Status.Terminal() {
			return ms
		}
	}
	return nil
}

// StartSession spawns a new process for the agent. It fails with
// SessionExistsError if a non-terminated session already exists; the
// existing record is never replaced.
func (m *Manager) StartSession(ctx context.Context, agent protocol.Agent, opts SpawnOpts) (*protocol.Session, error) {
	m.mu.Lock()
	if active := m.activeLocked(agent.ID); active != nil {
		m.mu.Unlock()
		return nil, &protocol.SessionExistsError{AgentID: agent.ID, SessionID: active.rec.ID}
	}

	now := m.nowFunc()
	ms := &managedSession{
		rec: protocol.Session{
			ID:             m.idFunc(),
			AgentID:        agent.ID,
			Role:           agent.Role,
			WorkerMode:     agent.WorkerMode,
			Status:         protocol.SessionStarting,
			WorkingDir:     opts.WorkingDir,
			Worktree:       opts.WorkingDir,
			StartedAt:      now,
			LastActivityAt: now,
		},
		emitter: newEmitter(),
	}
	ms.detach = ms.emitter.Subscribe(m.handleEvent)
	m.sessions[ms.rec.ID] = ms
	m.mu.Unlock()

	handle, err := m.spawner.Start(ctx, agent.ID, ms.rec.ID, opts, ms.emitter.Emit)
	if err != nil {
		m.terminate(ctx, ms.rec.ID, fmt.Sprintf("spawn failed: %v", err), false)
		return nil, fmt.Errorf("start session for %s: %w", agent.ID, err)
	}

	m.mu.Lock()
	// The process can exit before spawn bookkeeping finishes; never move a
	// terminated session back to running.
	if ms.rec.Status == protocol.SessionStarting {
		ms.rec.Status = protocol.SessionRunning
	}
	ms.rec.PID = handle.PID
	ms.rec.ExternalHandle = handle.ExternalHandle
	rec := ms.rec
	m.mu.Unlock()

	m.logEvent(ctx, "session:started", rec.AgentID, rec.ID)
	return &rec, nil
}

// ResumeSession restarts the agent's most recently active terminated session
// using its stored external handle. It fails with SessionExistsError when a
// session is already active and NoResumableSessionError when no prior handle
// exists.
func (m *Manager) ResumeSession(ctx context.Context, agent protocol.Agent, opts SpawnOpts) (*protocol.Session, error) {
	m.mu.Lock()
	if active := m.activeLocked(agent.ID); active != nil {
		m.mu.Unlock()
		return nil, &protocol.SessionExistsError{AgentID: agent.ID, SessionID: active.rec.ID}
	}

	var prior *managedSession
	for _, ms := range m.sessions {
		if ms.rec.AgentID != agent.ID || !ms.rec.Status.Terminal() || ms.rec.ExternalHandle == "" {
			continue
		}
		if prior == nil || ms.rec.LastActivityAt.After(prior.rec.LastActivityAt) {
			prior = ms
		}
	}
	m.mu.Unlock()

	if prior == nil {
		return nil, &protocol.NoResumableSessionError{AgentID: agent.ID}
	}

	opts.ResumeHandle = prior.rec.ExternalHandle
	if opts.WorkingDir == "" {
		opts.WorkingDir = prior.rec.WorkingDir
	}
	return m.StartSession(ctx, agent, opts)
}

// StopSession is the authoritative terminal transition: terminating →
// terminated with the given reason. It detaches all emitter subscribers and
// resets the agent's health counters via the Stopped hook. Stopping an
// already-terminated session is a no-op.
func (m *Manager) StopSession(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	if ms.rec.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	ms.rec.Status = protocol.SessionTerminating
	m.mu.Unlock()

	if err := m.spawner.Stop(ctx, sessionID); err != nil {
		return fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	m.terminate(ctx, sessionID, reason, true)
	return nil
}

// SuspendSession stops the process but keeps the session resumable. The
// record passes suspended → terminating → terminated with reason
// "suspended"; the external handle survives for ResumeSession.
func (m *Manager) SuspendSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	if ms.rec.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	ms.rec.Status = protocol.SessionSuspended
	m.mu.Unlock()

	if err := m.spawner.Stop(ctx, sessionID); err != nil {
		return fmt.Errorf("suspend session %s: %w", sessionID, err)
	}
	m.terminate(ctx, sessionID, "suspended", true)
	return nil
}

// InterruptSession signals the process best-effort. Recorded status never
// changes; stopping is the only durable cancellation.
func (m *Manager) InterruptSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	return m.spawner.Interrupt(ctx, sessionID)
}

// SendInput forwards a line of input to the session's process.
func (m *Manager) SendInput(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.rec.Status.Terminal() {
		m.mu.Unlock()
		return &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	ms.rec.LastActivityAt = m.nowFunc()
	m.mu.Unlock()
	return m.spawner.SendInput(ctx, sessionID, text)
}

// Resize forwards new terminal dimensions to the session's process.
func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	return m.spawner.Resize(ctx, sessionID, cols, rows)
}

// Subscribe attaches a consumer to the session's event stream and returns an
// idempotent unsubscribe handle. Consumers attach and detach independently.
func (m *Manager) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	return ms.emitter.Subscribe(fn), nil
}

// GetSession returns a copy of the session record.
func (m *Manager) GetSession(sessionID string) (*protocol.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	rec := ms.rec
	return &rec, nil
}

// GetActiveSession returns the agent's single non-terminated session, or nil.
func (m *Manager) GetActiveSession(agentID string) *protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := m.activeLocked(agentID); ms != nil {
		rec := ms.rec
		return &rec
	}
	return nil
}

// ListSessions returns copies of all tracked session records.
func (m *Manager) ListSessions() []protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.rec)
	}
	return out
}

// PruneInactiveSessions drops terminated sessions whose end time is older
// than the retention window and returns how many were reclaimed.
func (m *Manager) PruneInactiveSessions(retention time.Duration) int {
	cutoff := m.nowFunc().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, ms := range m.sessions {
		if ms.rec.Status.Terminal() && ms.rec.EndedAt != nil && ms.rec.EndedAt.Before(cutoff) {
			ms.emitter.Close()
			delete(m.sessions, id)
			pruned++
		}
	}
	return pruned
}

// terminate finalizes a session: terminal status, end bookkeeping, emitter
// closed so no subscriber leaks, Stopped hook when the stop was requested.
func (m *Manager) terminate(ctx context.Context, sessionID, reason string, requested bool) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.rec.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	now := m.nowFunc()
	ms.rec.Status = protocol.SessionTerminated
	ms.rec.EndedAt = &now
	ms.rec.EndReason = reason
	agentID := ms.rec.AgentID
	emitter := ms.emitter
	m.mu.Unlock()

	emitter.Close()
	if requested && m.hooks.Stopped != nil {
		m.hooks.Stopped(agentID)
	}
	m.logEvent(ctx, "session:ended", agentID, sessionID)
}

// handleEvent is the manager's own subscription on every session emitter:
// it tracks activity and turns unexpected process exits into terminal
// transitions.
func (m *Manager) handleEvent(ev Event) {
	switch ev.Type {
	case EventOutput:
		m.mu.Lock()
		ms, ok := m.sessions[ev.SessionID]
		var agentID string
		if ok {
			ms.rec.LastActivityAt = m.nowFunc()
			agentID = ms.rec.AgentID
		}
		m.mu.Unlock()
		if ok && m.hooks.Output != nil {
			m.hooks.Output(agentID)
		}

	case EventError:
		m.mu.Lock()
		ms, ok := m.sessions[ev.SessionID]
		var agentID string
		if ok {
			agentID = ms.rec.AgentID
		}
		m.mu.Unlock()
		if ok && m.hooks.Error != nil {
			m.hooks.Error(agentID, ev.Data)
		}

	case EventExit:
		m.mu.Lock()
		ms, ok := m.sessions[ev.SessionID]
		if !ok || ms.rec.Status.Terminal() {
			m.mu.Unlock()
			return
		}
		// A stop or suspend in flight owns the terminal transition.
		crashed := ms.rec.Status == protocol.SessionStarting || ms.rec.Status == protocol.SessionRunning
		agentID := ms.rec.AgentID
		m.mu.Unlock()

		if crashed {
			reason := fmt.Sprintf("process exited with code %d", ev.ExitCode)
			m.terminate(context.Background(), ev.SessionID, reason, false)
		}
		if m.hooks.Exit != nil {
			m.hooks.Exit(agentID, ev.ExitCode, crashed)
		}
	}
}

func (m *Manager) logEvent(ctx context.Context, evType, agentID, sessionID string) {
	if m.log == nil {
		return
	}
	_ = m.log.LogEvent(ctx, evType, "session-manager", "", agentID, sessionID)
}
