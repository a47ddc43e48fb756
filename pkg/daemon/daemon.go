// Package daemon is the orchestrator's only timer: one interval drives a
// sequential cycle of four sub-polls (worker availability, inbox routing,
// steward triggering, workflow tasks). Every per-item failure is caught and
// counted; the cycle always reschedules.
package daemon

import (
	"context"
	"sync"
	"time"

	"foreman/pkg/assignment"
	"foreman/pkg/dispatch"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/store"
	"foreman/pkg/worktree"

	"github.com/fsnotify/fsnotify"
)

// Poll interval bounds.
const (
	minPollInterval     = time.Second
	maxPollInterval     = time.Minute
	defaultPollInterval = 5 * time.Second
)

// Config tunes the daemon.
type Config struct {
	PollInterval   time.Duration // clamped to [1s, 60s], default 5s
	InboxBatchSize int           // unread messages routed per agent per cycle (default 50)
	RepoRoot       string        // repository the worktrees live under
	BaseBranch     string        // prompt context only; worktree manager owns branching
	WatchPath      string        // optional: fsnotify on this dir nudges an early cycle
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.PollInterval > maxPollInterval {
		c.PollInterval = maxPollInterval
	}
	if c.InboxBatchSize <= 0 {
		c.InboxBatchSize = 50
	}
	return c
}

// SessionManager is the slice of the session manager the daemon drives.
type SessionManager interface {
	GetActiveSession(agentID string) *protocol.Session
	StartSession(ctx context.Context, agent protocol.Agent, opts session.SpawnOpts) (*protocol.Session, error)
	SendInput(ctx context.Context, sessionID, text string) error
}

// Dispatcher assigns and notifies in one operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, agentID string, opts dispatch.Opts) (*dispatch.Result, error)
}

// WorktreeManager is the slice of worktree support the daemon needs.
type WorktreeManager interface {
	Attach(ctx context.Context, name, branch string) (*worktree.Checkout, error)
	Exists(ctx context.Context, path string) bool
}

// Scheduler is the slice of the steward scheduler the daemon supervises.
type Scheduler interface {
	Running() bool
	Start()
	RunningExecutions() int
}

// HealthChecker runs a full health pass. Nil disables health checking from
// the steward-trigger poll.
type HealthChecker interface {
	RunHealthCheck(ctx context.Context) (*health.CheckResult, error)
}

// Event is one daemon lifecycle or domain event for in-process observers.
type Event struct {
	Type    string    `json:"type"` // poll:start, poll:complete, poll:error, task:dispatched, message:forwarded, agent:spawned
	Cycle   int       `json:"cycle"`
	Poll    string    `json:"poll,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Daemon owns the timer and the polling cycle.
type Daemon struct {
	cfg         Config
	store       *store.Store
	assignments *assignment.Service
	dispatcher  Dispatcher
	sessions    SessionManager
	worktrees   WorktreeManager
	scheduler   Scheduler
	health      HealthChecker

	mu          sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int
	cycle       int

	nudge    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates the daemon. worktrees, scheduler, and health may be nil; the
// corresponding poll work is skipped.
func New(cfg Config, st *store.Store, assignments *assignment.Service, dispatcher Dispatcher, sessions SessionManager, worktrees WorktreeManager, scheduler Scheduler, healthChecker HealthChecker) *Daemon {
	return &Daemon{
		cfg:         cfg.withDefaults(),
		store:       st,
		assignments: assignments,
		dispatcher:  dispatcher,
		sessions:    sessions,
		worktrees:   worktrees,
		scheduler:   scheduler,
		health:      healthChecker,
		subscribers: make(map[int]func(Event)),
		nudge:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		nowFunc:     time.Now,
	}
}

// Interval returns the effective (clamped) poll interval.
func (d *Daemon) Interval() time.Duration { return d.cfg.PollInterval }

// Subscribe attaches an observer to daemon events and returns an idempotent
// unsubscribe handle.
func (d *Daemon) Subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
}

func (d *Daemon) emit(ev Event) {
	ev.At = d.nowFunc()
	d.mu.Lock()
	ev.Cycle = d.cycle
	fns := make([]func(Event), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Run drives the polling loop until the context ends or Stop is called. A
// filesystem change under WatchPath nudges the next cycle early; there is
// never more than one timer.
func (d *Daemon) Run(ctx context.Context) error {
	var watcher *fsnotify.Watcher
	if d.cfg.WatchPath != "" {
		w, err := fsnotify.NewWatcher()
		if err == nil && w.Add(d.cfg.WatchPath) == nil {
			watcher = w
			go d.forwardNudges(w)
		} else if w != nil {
			_ = w.Close()
		}
	}
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		case <-ticker.C:
		case <-d.nudge:
		}
		d.RunCycle(ctx)
	}
}

// forwardNudges collapses watcher events into at most one pending nudge.
func (d *Daemon) forwardNudges(w *fsnotify.Watcher) {
	for {
		select {
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			select {
			case d.nudge <- struct{}{}:
			default:
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		case <-d.stop:
			return
		}
	}
}

// Stop ends the polling loop. Safe to call redundantly.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// PollResult is one sub-poll's outcome. Per-item failures are counted and
// recorded, never propagated.
type PollResult struct {
	Name          string        `json:"name"`
	Processed     int           `json:"processed"`
	Errors        int           `json:"errors"`
	ErrorMessages []string      `json:"error_messages,omitempty"`
	Duration      time.Duration `json:"duration"`

	// RunningExecutions is reported by the steward-trigger poll only.
	RunningExecutions int `json:"running_executions,omitempty"`
}

func (r *PollResult) fail(err error) {
	r.Errors++
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
}

// CycleResult is one full daemon cycle.
type CycleResult struct {
	Cycle     int           `json:"cycle"`
	Polls     []PollResult  `json:"polls"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunCycle executes the four sub-polls strictly in order: worker availability,
// inbox, steward trigger, workflow tasks. It never returns an error; failures
// live in the poll results and the event stream.
func (d *Daemon) RunCycle(ctx context.Context) *CycleResult {
	d.mu.Lock()
	d.cycle++
	cycle := d.cycle
	d.mu.Unlock()

	started := d.nowFunc()
	d.emit(Event{Type: "poll:start"})

	polls := []struct {
		name string
		fn   func(context.Context, *PollResult)
	}{
		{"worker-availability", d.pollWorkerAvailability},
		{"inbox", d.pollInbox},
		{"steward-trigger", d.pollStewardTrigger},
		{"workflow-task", d.pollWorkflowTask},
	}

	result := &CycleResult{Cycle: cycle, StartedAt: started}
	for _, p := range polls {
		pr := PollResult{Name: p.name}
		pollStart := d.nowFunc()
		p.fn(ctx, &pr)
		pr.Duration = d.nowFunc().Sub(pollStart)
		if pr.Errors > 0 {
			d.emit(Event{Type: "poll:error", Poll: p.name, Message: pr.ErrorMessages[0]})
			for _, msg := range pr.ErrorMessages {
				_ = d.store.LogEvent(ctx, "poll:error", p.name, "", "", msg)
			}
		}
		result.Polls = append(result.Polls, pr)
	}

	result.Duration = d.nowFunc().Sub(started)
	d.emit(Event{Type: "poll:complete"})
	return result
}
