package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/assignment"
	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/store"
	"foreman/pkg/worktree"
)

// fakeSessions implements SessionManager in memory.
type fakeSessions struct {
	active   map[string]*protocol.Session
	startOps map[string]session.SpawnOpts // agentID → last spawn opts
	inputs   []string                     // "sessionID: text"
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		active:   make(map[string]*protocol.Session),
		startOps: make(map[string]session.SpawnOpts),
	}
}

func (f *fakeSessions) running(agentID string) *protocol.Session {
	s := &protocol.Session{ID: "sess-" + agentID, AgentID: agentID, Status: protocol.SessionRunning}
	f.active[agentID] = s
	return s
}

func (f *fakeSessions) GetActiveSession(agentID string) *protocol.Session {
	return f.active[agentID]
}

func (f *fakeSessions) StartSession(_ context.Context, agent protocol.Agent, opts session.SpawnOpts) (*protocol.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if existing := f.active[agent.ID]; existing != nil {
		return nil, &protocol.SessionExistsError{AgentID: agent.ID, SessionID: existing.ID}
	}
	f.startOps[agent.ID] = opts
	return f.running(agent.ID), nil
}

func (f *fakeSessions) SendInput(_ context.Context, sessionID, text string) error {
	f.inputs = append(f.inputs, sessionID+": "+text)
	return nil
}

// fakeWorktrees implements WorktreeManager in memory.
type fakeWorktrees struct {
	existing map[string]bool
	attached []string // "name@branch"
}

func (f *fakeWorktrees) Attach(_ context.Context, name, branch string) (*worktree.Checkout, error) {
	f.attached = append(f.attached, name+"@"+branch)
	return &worktree.Checkout{Path: filepath.Join("/repo", protocol.WorktreesDir, name), Branch: branch}, nil
}

func (f *fakeWorktrees) Exists(_ context.Context, path string) bool {
	return f.existing[path]
}

type fakeScheduler struct {
	mu       sync.Mutex
	started  bool
	starts   int
	inFlight int
}

func (f *fakeScheduler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeScheduler) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.starts++
}

func (f *fakeScheduler) RunningExecutions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

type daemonRig struct {
	daemon    *Daemon
	store     *store.Store
	sessions  *fakeSessions
	worktrees *fakeWorktrees
	scheduler *fakeScheduler
}

func newDaemonRig(t *testing.T, cfg Config) *daemonRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "/repo"
	}
	sessions := newFakeSessions()
	worktrees := &fakeWorktrees{existing: make(map[string]bool)}
	scheduler := &fakeScheduler{}
	assignments := assignment.NewService(st, nil)
	dispatcher := dispatch.NewService(dispatch.Config{}, st, assignments, &dispatch.StoreNotifier{Store: st}, nil)
	d := New(cfg, st, assignments, dispatcher, sessions, worktrees, scheduler, nil)
	return &daemonRig{daemon: d, store: st, sessions: sessions, worktrees: worktrees, scheduler: scheduler}
}

func (r *daemonRig) seedAgent(t *testing.T, a protocol.Agent) {
	t.Helper()
	if err := r.store.CreateAgent(context.Background(), &a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (r *daemonRig) seedTask(t *testing.T, task protocol.Task) {
	t.Helper()
	if err := r.store.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestIntervalClamping(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, 5 * time.Second},
		{100 * time.Millisecond, time.Second},
		{5 * time.Minute, time.Minute},
		{10 * time.Second, 10 * time.Second},
	}
	for _, c := range cases {
		rig := newDaemonRig(t, Config{PollInterval: c.in})
		if got := rig.daemon.Interval(); got != c.want {
			t.Errorf("interval(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestCycleRunsPollsInOrder(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	res := rig.daemon.RunCycle(context.Background())

	want := []string{"worker-availability", "inbox", "steward-trigger", "workflow-task"}
	if len(res.Polls) != len(want) {
		t.Fatalf("polls = %+v", res.Polls)
	}
	for i, name := range want {
		if res.Polls[i].Name != name {
			t.Errorf("poll %d = %s, want %s", i, res.Polls[i].Name, name)
		}
	}
	if res.Cycle != 1 {
		t.Errorf("cycle = %d, want 1", res.Cycle)
	}
	if rig.daemon.RunCycle(context.Background()).Cycle != 2 {
		t.Error("cycle counter not monotonic")
	}
}

func TestWorkerAvailabilitySpawnsIdleEphemeralWorker(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "ada", Name: "ada", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedTask(t, protocol.Task{ID: "t-1", Title: "Fix login bug", Priority: 5})
	rig.seedTask(t, protocol.Task{ID: "t-2", Title: "Minor cleanup", Priority: 1})

	res := rig.daemon.RunCycle(ctx)
	wa := res.Polls[0]
	if wa.Errors != 0 || wa.Processed != 1 {
		t.Fatalf("worker-availability = %+v", wa)
	}

	// Highest-priority task wins and is started under the new session.
	task, _ := rig.store.GetTask(ctx, "t-1")
	if task.Assignee != "ada" || task.Status != protocol.TaskInProgress || task.Meta.SessionID != "sess-ada" {
		t.Errorf("task = %+v", task)
	}

	// Missing worktree was recreated and the session rooted in it.
	if len(rig.worktrees.attached) != 1 || !strings.HasPrefix(rig.worktrees.attached[0], task.Meta.Worktree+"@") {
		t.Errorf("attached = %v", rig.worktrees.attached)
	}
	opts := rig.sessions.startOps["ada"]
	wantDir := filepath.Join("/repo", protocol.WorktreesDir, task.Meta.Worktree)
	if opts.WorkingDir != wantDir {
		t.Errorf("working dir = %q, want %q", opts.WorkingDir, wantDir)
	}
	if !strings.Contains(opts.Prompt, "t-1") || !strings.Contains(opts.Prompt, "Fix login bug") {
		t.Errorf("prompt = %q", opts.Prompt)
	}
}

func TestWorkerAvailabilitySkipsBusyAndPersistentWorkers(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "busy", Name: "busy", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedAgent(t, protocol.Agent{ID: "standing", Name: "standing", Role: protocol.RoleWorker, WorkerMode: protocol.ModePersistent})
	rig.sessions.running("busy")
	rig.seedTask(t, protocol.Task{ID: "t-1", Title: "Fix login bug", Priority: 1})

	res := rig.daemon.RunCycle(ctx)
	if res.Polls[0].Processed != 0 {
		t.Errorf("worker-availability = %+v", res.Polls[0])
	}
	task, _ := rig.store.GetTask(ctx, "t-1")
	if task.Assignee != "" {
		t.Errorf("task assigned to %q", task.Assignee)
	}
}

func TestWorkerAvailabilityReusesExistingWorktree(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "ada", Name: "ada", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedTask(t, protocol.Task{ID: "t-1", Title: "Fix login bug", Priority: 1})

	wantDir := filepath.Join("/repo", protocol.WorktreesDir, protocol.WorktreeName("t-1", "Fix login bug"))
	rig.worktrees.existing[wantDir] = true

	rig.daemon.RunCycle(ctx)
	if len(rig.worktrees.attached) != 0 {
		t.Errorf("existing worktree recreated: %v", rig.worktrees.attached)
	}
	if got := rig.sessions.startOps["ada"].WorkingDir; got != wantDir {
		t.Errorf("working dir = %q, want %q", got, wantDir)
	}
}

func TestInboxRoutingMatrix(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "eph", Name: "eph", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedAgent(t, protocol.Agent{ID: "per", Name: "per", Role: protocol.RoleWorker, WorkerMode: protocol.ModePersistent})
	rig.seedAgent(t, protocol.Agent{ID: "live", Name: "live", Role: protocol.RoleWorker, WorkerMode: protocol.ModePersistent})
	live := rig.sessions.running("live")

	mustMsg := func(id, agentID, content string, dispatchType bool) {
		t.Helper()
		msg := &protocol.InboxMessage{ID: id, AgentID: agentID, ChannelID: "agent-" + agentID, Content: content, Dispatch: dispatchType}
		if err := rig.store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	mustMsg("m-drop", "eph", "status?", false)   // ephemeral, no session: dropped
	mustMsg("m-hold", "per", "status?", false)   // persistent, no session: held
	mustMsg("m-fwd", "live", "update", false)    // active session: forwarded
	mustMsg("m-stale", "per", "task ready", true) // dispatch-type, no session: read

	res := rig.daemon.RunCycle(ctx)
	inbox := res.Polls[1]
	if inbox.Errors != 0 {
		t.Fatalf("inbox = %+v", inbox)
	}

	wantStatus := map[string]protocol.MessageStatus{
		"m-drop":  protocol.MessageRead,
		"m-hold":  protocol.MessageUnread,
		"m-fwd":   protocol.MessageRead,
		"m-stale": protocol.MessageRead,
	}
	for id, want := range wantStatus {
		msg, err := rig.store.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if msg.Status != want {
			t.Errorf("%s status = %s, want %s", id, msg.Status, want)
		}
	}

	// Only the live agent's message was delivered as input.
	if len(rig.sessions.inputs) != 1 || rig.sessions.inputs[0] != live.ID+": update" {
		t.Errorf("inputs = %v", rig.sessions.inputs)
	}
}

func TestStewardTriggerStartsScheduler(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	rig.scheduler.inFlight = 3

	res := rig.daemon.RunCycle(context.Background())
	st := res.Polls[2]
	if !rig.scheduler.started || rig.scheduler.starts != 1 {
		t.Errorf("scheduler = %+v", rig.scheduler)
	}
	if st.RunningExecutions != 3 {
		t.Errorf("running executions = %d, want 3", st.RunningExecutions)
	}

	// Already running: not started again.
	rig.daemon.RunCycle(context.Background())
	if rig.scheduler.starts != 1 {
		t.Errorf("scheduler restarted: %+v", rig.scheduler)
	}
}

func TestWorkflowTaskDispatchesToIdleSteward(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "gc", Name: "gc", Role: protocol.RoleSteward, StewardFocus: "cleanup"})
	rig.seedAgent(t, protocol.Agent{ID: "busy", Name: "busy", Role: protocol.RoleSteward, StewardFocus: "audit"})
	rig.sessions.running("busy")
	rig.seedTask(t, protocol.Task{ID: "t-gc", Title: "Sweep stale branches", Priority: 3, Tags: []string{"steward-cleanup"}})
	rig.seedTask(t, protocol.Task{ID: "t-audit", Title: "Audit permissions", Priority: 9, Tags: []string{"steward-audit"}})
	rig.seedTask(t, protocol.Task{ID: "t-plain", Title: "Ordinary work", Priority: 9})

	res := rig.daemon.RunCycle(ctx)
	wf := res.Polls[3]
	if wf.Errors != 0 || wf.Processed != 1 {
		t.Fatalf("workflow-task = %+v", wf)
	}

	gcTask, _ := rig.store.GetTask(ctx, "t-gc")
	if gcTask.Assignee != "gc" {
		t.Errorf("t-gc assignee = %q", gcTask.Assignee)
	}
	// The busy steward's match and the untagged task stay put.
	auditTask, _ := rig.store.GetTask(ctx, "t-audit")
	plainTask, _ := rig.store.GetTask(ctx, "t-plain")
	if auditTask.Assignee != "" || plainTask.Assignee != "" {
		t.Errorf("audit=%q plain=%q", auditTask.Assignee, plainTask.Assignee)
	}
}

func TestWorkflowTagMatchesFocusVariants(t *testing.T) {
	steward := protocol.Agent{ID: "gc", StewardFocus: "cleanup"}
	cases := []struct {
		tags  []string
		match bool
	}{
		{[]string{"cleanup"}, true},
		{[]string{"steward-cleanup"}, true},
		{[]string{"workflow"}, true},
		{[]string{"unrelated"}, false},
		{nil, false},
	}
	for _, c := range cases {
		tasks := []protocol.Task{{ID: "t", Tags: c.tags}}
		got := matchStewardTask(steward, tasks) != nil
		if got != c.match {
			t.Errorf("tags %v: match = %v, want %v", c.tags, got, c.match)
		}
	}
}

// failingDispatcher fails every dispatch, for fault-isolation tests.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string, string, dispatch.Opts) (*dispatch.Result, error) {
	return nil, errors.New("dispatch backend down")
}

func TestPerItemFaultIsolation(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	rig.daemon.dispatcher = failingDispatcher{}
	ctx := context.Background()
	rig.seedAgent(t, protocol.Agent{ID: "a1", Name: "a1", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedAgent(t, protocol.Agent{ID: "a2", Name: "a2", Role: protocol.RoleWorker, WorkerMode: protocol.ModeEphemeral})
	rig.seedTask(t, protocol.Task{ID: "t-1", Title: "Fix login bug", Priority: 1})

	var events []Event
	unsub := rig.daemon.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	res := rig.daemon.RunCycle(ctx)
	wa := res.Polls[0]
	if wa.Errors != 2 {
		t.Errorf("errors = %d, want one per worker", wa.Errors)
	}
	for _, msg := range wa.ErrorMessages {
		if !strings.Contains(msg, "dispatch backend down") {
			t.Errorf("error message = %q", msg)
		}
	}
	// The cycle finished all four polls despite the failures.
	if len(res.Polls) != 4 {
		t.Fatalf("cycle aborted early: %+v", res.Polls)
	}

	var sawStart, sawError, sawComplete bool
	for _, ev := range events {
		switch ev.Type {
		case "poll:start":
			sawStart = true
		case "poll:error":
			sawError = true
		case "poll:complete":
			sawComplete = true
		}
	}
	if !sawStart || !sawError || !sawComplete {
		t.Errorf("lifecycle events: start=%v error=%v complete=%v", sawStart, sawError, sawComplete)
	}
}

func TestSubscribeUnsubscribeIdempotent(t *testing.T) {
	rig := newDaemonRig(t, Config{})
	count := 0
	unsub := rig.daemon.Subscribe(func(Event) { count++ })
	rig.daemon.RunCycle(context.Background())
	if count == 0 {
		t.Fatal("subscriber saw no events")
	}
	seen := count
	unsub()
	unsub()
	rig.daemon.RunCycle(context.Background())
	if count != seen {
		t.Error("unsubscribed observer still notified")
	}
}

func TestConcurrentCyclesEmitConsistentCycleNumbers(t *testing.T) {
	rig := newDaemonRig(t, Config{})

	var mu sync.Mutex
	var cycles []int
	rig.daemon.Subscribe(func(ev Event) {
		mu.Lock()
		cycles = append(cycles, ev.Cycle)
		mu.Unlock()
	})

	const perWorker = 5
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				rig.daemon.RunCycle(context.Background())
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, c := range cycles {
		if c < 1 || c > 2*perWorker {
			t.Fatalf("event carried cycle %d outside [1,%d]", c, 2*perWorker)
		}
	}
}

func TestRunStopsOnStop(t *testing.T) {
	rig := newDaemonRig(t, Config{PollInterval: time.Second})
	done := make(chan error, 1)
	go func() { done <- rig.daemon.Run(context.Background()) }()

	rig.daemon.Stop()
	rig.daemon.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
