// Package steward triggers maintenance-agent executions on cron schedules
// and published events. Registration is always explicit; constructing a
// scheduler never starts anything unless StartImmediately is set.
package steward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger kinds.
type TriggerKind string

// What caused an execution.
const (
	TriggerCron   TriggerKind = "cron"
	TriggerEvent  TriggerKind = "event"
	TriggerManual TriggerKind = "manual"
)

// Trigger is the context one execution ran under.
type Trigger struct {
	Kind  TriggerKind    `json:"kind"`
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Logic is the steward's external behavior, invoked under the configured
// execution timeout.
type Logic interface {
	Execute(ctx context.Context, trigger Trigger) (result string, err error)
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(ctx context.Context, trigger Trigger) (string, error)

// Execute implements Logic.
func (f LogicFunc) Execute(ctx context.Context, trigger Trigger) (string, error) {
	return f(ctx, trigger)
}

// Condition filters event subscriptions. A nil condition matches every
// publication of the event.
type Condition func(data map[string]any) bool

// EventSubscription binds a steward to a published event name.
type EventSubscription struct {
	Event     string
	Condition Condition
}

// Registration declares how one steward is triggered: a cron expression,
// event subscriptions, or both.
type Registration struct {
	StewardID string
	Cron      string // standard 5-field expression, empty for event-only stewards
	Events    []EventSubscription
	Logic     Logic
}

// ExecutionRecord is one append-only history entry.
type ExecutionRecord struct {
	StewardID   string    `json:"steward_id"`
	Trigger     Trigger   `json:"trigger"`
	Result      string    `json:"result,omitempty"`
	Err         string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Manual      bool      `json:"manual"`
}

// Config tunes the scheduler.
type Config struct {
	ExecutionTimeout     time.Duration // per-execution deadline (default 5m)
	MaxHistoryPerSteward int           // history cap, oldest evicted (default 20)
	StartImmediately     bool          // opt-in: start the cron loop at construction
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.MaxHistoryPerSteward <= 0 {
		c.MaxHistoryPerSteward = 20
	}
	return c
}

type scheduledJob struct {
	entryID cron.EntryID
	spec    string
}

type eventSub struct {
	stewardID string
	condition Condition
}

// Scheduler registers stewards and runs them on their triggers. History and
// subscriptions are in-memory runtime state.
type Scheduler struct {
	cfg  Config
	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]scheduledJob // steward id → cron entry
	subs    map[string][]eventSub   // event name → subscribers
	logics  map[string]Logic
	history map[string][]ExecutionRecord
	running int
	started bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewScheduler creates a scheduler with no registrations.
func NewScheduler(cfg Config) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:    make(map[string]scheduledJob),
		subs:    make(map[string][]eventSub),
		logics:  make(map[string]Logic),
		history: make(map[string][]ExecutionRecord),
		nowFunc: time.Now,
	}
	if s.cfg.StartImmediately {
		s.Start()
	}
	return s
}

// Start begins firing cron triggers. Safe to call redundantly.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts cron triggers and waits for in-flight jobs. Safe to call
// redundantly; the scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Running reports whether cron triggers are firing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RegisterSteward adds one steward's triggers. Registering an id twice is an
// error; unregister first.
func (s *Scheduler) RegisterSteward(reg Registration) error {
	if reg.StewardID == "" {
		return errors.New("register steward: empty steward id")
	}
	if reg.Logic == nil {
		return fmt.Errorf("register steward %s: nil logic", reg.StewardID)
	}
	if reg.Cron == "" && len(reg.Events) == 0 {
		return fmt.Errorf("register steward %s: no cron schedule and no event subscriptions", reg.StewardID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.logics[reg.StewardID]; exists {
		return fmt.Errorf("register steward %s: already registered", reg.StewardID)
	}

	if reg.Cron != "" {
		id := reg.StewardID
		entryID, err := s.cron.AddFunc(reg.Cron, func() {
			_, _ = s.ExecuteSteward(context.Background(), id, Trigger{Kind: TriggerCron})
		})
		if err != nil {
			return fmt.Errorf("register steward %s: invalid cron expression %q: %w", reg.StewardID, reg.Cron, err)
		}
		s.jobs[reg.StewardID] = scheduledJob{entryID: entryID, spec: reg.Cron}
	}
	for _, sub := range reg.Events {
		s.subs[sub.Event] = append(s.subs[sub.Event], eventSub{stewardID: reg.StewardID, condition: sub.Condition})
	}
	s.logics[reg.StewardID] = reg.Logic
	return nil
}

// RegisterAllStewards registers a batch, continuing past individual failures.
// Returns how many registered and the joined errors.
func (s *Scheduler) RegisterAllStewards(regs []Registration) (int, error) {
	registered := 0
	var errs []error
	for _, reg := range regs {
		if err := s.RegisterSteward(reg); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errors.Join(errs...)
}

// Unregister removes a steward's triggers. Its execution history survives.
func (s *Scheduler) Unregister(stewardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.logics[stewardID]; !exists {
		return fmt.Errorf("unregister steward %s: not registered", stewardID)
	}
	if job, ok := s.jobs[stewardID]; ok {
		s.cron.Remove(job.entryID)
		delete(s.jobs, stewardID)
	}
	for event, subs := range s.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.stewardID != stewardID {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(s.subs, event)
		} else {
			s.subs[event] = kept
		}
	}
	delete(s.logics, stewardID)
	return nil
}

// ExecuteSteward runs the steward's logic under the execution timeout and
// appends a history entry, evicting the oldest once the per-steward cap is
// reached. The record is returned alongside any logic error.
func (s *Scheduler) ExecuteSteward(ctx context.Context, stewardID string, trigger Trigger) (*ExecutionRecord, error) {
	s.mu.Lock()
	logic, ok := s.logics[stewardID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("execute steward %s: not registered", stewardID)
	}
	s.running++
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	rec := ExecutionRecord{
		StewardID: stewardID,
		Trigger:   trigger,
		StartedAt: s.nowFunc(),
		Manual:    trigger.Kind == TriggerManual,
	}
	result, err := logic.Execute(execCtx, trigger)
	rec.CompletedAt = s.nowFunc()
	rec.Result = result
	if err != nil {
		rec.Err = err.Error()
	}

	s.mu.Lock()
	s.running--
	hist := append(s.history[stewardID], rec)
	if over := len(hist) - s.cfg.MaxHistoryPerSteward; over > 0 {
		hist = hist[over:]
	}
	s.history[stewardID] = hist
	s.mu.Unlock()

	return &rec, err
}

// PublishEvent runs every steward subscribed to the event whose condition
// accepts the data, and returns how many were triggered.
func (s *Scheduler) PublishEvent(ctx context.Context, event string, data map[string]any) int {
	s.mu.Lock()
	subs := append([]eventSub(nil), s.subs[event]...)
	s.mu.Unlock()

	triggered := 0
	for _, sub := range subs {
		if sub.condition != nil && !sub.condition(data) {
			continue
		}
		_, _ = s.ExecuteSteward(ctx, sub.stewardID, Trigger{Kind: TriggerEvent, Event: event, Data: data})
		triggered++
	}
	return triggered
}

// JobInfo describes one cron registration.
type JobInfo struct {
	StewardID string    `json:"steward_id"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// ScheduledJobs lists cron registrations, sorted by steward id.
func (s *Scheduler) ScheduledJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, job := range s.jobs {
		out = append(out, JobInfo{StewardID: id, Schedule: job.spec, NextRun: s.cron.Entry(job.entryID).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StewardID < out[j].StewardID })
	return out
}

// SubscriptionInfo describes one event registration.
type SubscriptionInfo struct {
	StewardID string `json:"steward_id"`
	Event     string `json:"event"`
}

// Subscriptions lists event registrations, sorted by event then steward id.
func (s *Scheduler) Subscriptions() []SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SubscriptionInfo
	for event, subs := range s.subs {
		for _, sub := range subs {
			out = append(out, SubscriptionInfo{StewardID: sub.stewardID, Event: event})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].StewardID < out[j].StewardID
	})
	return out
}

// History returns a copy of the steward's execution history, oldest first.
func (s *Scheduler) History(stewardID string) []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.history[stewardID]...)
}

// RunningExecutions reports how many steward executions are in flight.
func (s *Scheduler) RunningExecutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
