package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// SpawnOpts configures one agent process launch.
type SpawnOpts struct {
	WorkingDir   string   // process working directory (usually the worktree)
	Prompt       string   // initial task-context prompt, written to stdin after start
	ResumeHandle string   // external handle of a prior run to resume, if any
	Env          []string // extra environment entries
}

// Handle identifies a spawned process to the spawner.
type Handle struct {
	SessionID      string
	PID            int
	ExternalHandle string // stable across resume, used to continue a prior run
}

// Spawner starts and controls agent processes. The manager passes an emit
// callback; the spawner feeds process output, errors, and exit through it.
type Spawner interface {
	Start(ctx context.Context, agentID, sessionID string, opts SpawnOpts, emit func(Event)) (*Handle, error)
	Stop(ctx context.Context, sessionID string) error
	SendInput(ctx context.Context, sessionID, text string) error
	Resize(ctx context.Context, sessionID string, cols, rows int) error
	Interrupt(ctx context.Context, sessionID string) error
}

// ExecSpawner runs agents as subprocesses of the daemon. Each process gets
// its own process group so Stop can terminate the whole tree. stdout lines
// become output events, stderr lines become error events, and process exit
// becomes a single exit event.
type ExecSpawner struct {
	mu    sync.Mutex
	procs map[string]*execProc

	// cmdFactory builds the exec.Cmd for a launch. Defaults to running the
	// configured agent binary; tests override it to spawn dummy commands.
	cmdFactory func(agentID string, opts SpawnOpts) *exec.Cmd

	// gracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	gracePeriod time.Duration
}

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	handle string
	done   chan struct{}
}

// NewExecSpawner creates a spawner that launches agentBin for each session.
// The resume handle, when present, is forwarded as `--resume <handle>`.
func NewExecSpawner(agentBin string, baseArgs ...string) *ExecSpawner {
	s := &ExecSpawner{
		procs:       make(map[string]*execProc),
		gracePeriod: 3 * time.Second,
	}
	s.cmdFactory = func(agentID string, opts SpawnOpts) *exec.Cmd {
		args := append([]string{}, baseArgs...)
		args = append(args, "--agent", agentID)
		if opts.ResumeHandle != "" {
			args = append(args, "--resume", opts.ResumeHandle)
		}
		//nolint:gosec // intentionally spawning the configured agent binary
		cmd := exec.Command(agentBin, args...)
		cmd.Dir = opts.WorkingDir
		cmd.Env = append(os.Environ(), opts.Env...)
		return cmd
	}
	return s
}

// NewExecSpawnerWithFactory creates an ExecSpawner with a custom command
// factory. Used by tests to control the subprocess.
func NewExecSpawnerWithFactory(factory func(agentID string, opts SpawnOpts) *exec.Cmd) *ExecSpawner {
	return &ExecSpawner{
		procs:       make(map[string]*execProc),
		cmdFactory:  factory,
		gracePeriod: 3 * time.Second,
	}
}

// Start launches the agent process and begins streaming its output.
func (s *ExecSpawner) Start(ctx context.Context, agentID, sessionID string, opts SpawnOpts, emit func(Event)) (*Handle, error) {
	cmd := s.cmdFactory(agentID, opts)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", agentID, err)
	}

	external := opts.ResumeHandle
	if external == "" {
		external = uuid.New().String()
	}

	proc := &execProc{cmd: cmd, stdin: stdin, handle: external, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[sessionID] = proc
	s.mu.Unlock()

	go scanLines(stdout, sessionID, EventOutput, emit)
	go scanLines(stderr, sessionID, EventError, emit)
	go func() {
		waitErr := cmd.Wait()
		close(proc.done)

		s.mu.Lock()
		delete(s.procs, sessionID)
		s.mu.Unlock()

		code := 0
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if waitErr != nil {
			code = -1
		}
		emit(Event{Type: EventExit, SessionID: sessionID, ExitCode: code, At: time.Now()})
	}()

	if opts.Prompt != "" {
		if _, err := io.WriteString(stdin, opts.Prompt+"\n"); err != nil {
			// Process started; prompt delivery failure surfaces as an error
			// event rather than failing the start.
			emit(Event{Type: EventError, SessionID: sessionID, Data: fmt.Sprintf("write prompt: %v", err), At: time.Now()})
		}
	}

	return &Handle{SessionID: sessionID, PID: cmd.Process.Pid, ExternalHandle: external}, nil
}

func scanLines(r io.Reader, sessionID string, typ EventType, emit func(Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(Event{Type: typ, SessionID: sessionID, Data: scanner.Text(), At: time.Now()})
	}
}

// Stop terminates the process group: SIGTERM, grace period, then SIGKILL.
// Stopping an unknown session is not an error; the process already exited.
func (s *ExecSpawner) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	pgid := proc.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return nil //nolint:nilerr // SIGTERM failure means the process already exited
	}

	select {
	case <-proc.done:
	case <-time.After(s.gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-proc.done
	case <-ctx.Done():
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return ctx.Err()
	}
	return nil
}

// SendInput writes a line to the agent's stdin.
func (s *ExecSpawner) SendInput(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no process for session %s", sessionID)
	}
	if _, err := io.WriteString(proc.stdin, text+"\n"); err != nil {
		return fmt.Errorf("send input to %s: %w", sessionID, err)
	}
	return nil
}

// Resize is a no-op for pipe-backed processes; only PTY transports carry
// window dimensions.
func (s *ExecSpawner) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return nil
}

// Interrupt sends SIGINT to the process group. Best effort: a missing or
// already-exited process is not an error.
func (s *ExecSpawner) Interrupt(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGINT)
	return nil
}
