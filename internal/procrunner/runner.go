package procrunner

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/wheel"
)

// Runner spawns and supervises exec sessions.
type Runner struct {
	clk   clock.Clock
	wheel *wheel.Wheel

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Runner driven by clk and w.
func New(clk clock.Clock, w *wheel.Wheel) *Runner {
	return &Runner{clk: clk, wheel: w, sessions: make(map[string]*Session)}
}

// Session looks up a live or recently terminal session by id.
func (r *Runner) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns a read-only view of session id.
func (r *Runner) Snapshot(id string) (Snapshot, bool) {
	s, ok := r.Session(id)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID: s.ID, PID: s.PID, Command: s.Command, Cwd: s.Cwd,
		StartedAtMs: s.StartedAtMs, Backgrounded: s.Backgrounded,
		Exited: s.Exited, ExitCode: s.ExitCode, ExitSignal: s.ExitSignal,
		Tail: s.store.Tail(), Aggregated: s.store.Aggregated(),
	}, true
}

// Run spawns req and blocks until the process exits, the yield window
// elapses with backgrounding allowed, or the caller cancels. It never
// blocks past TimeoutSec regardless of background/cancel state.
func (r *Runner) Run(req Request) (Result, error) {
	req = req.withDefaults()

	built, err := buildCommand(req)
	if err != nil {
		return Result{}, err
	}

	session := &Session{
		ID:          uuid.NewString(),
		Command:     req.Command,
		Cwd:         req.Cwd,
		StartedAtMs: r.clk.Now(),
		waitDone:    make(chan struct{}),
	}

	if !built.alreadyStarted {
		if err := built.cmd.Start(); err != nil {
			return Result{}, fmt.Errorf("start process: %w", err)
		}
	}
	session.PID = built.cmd.Process.Pid
	session.store = newOutputStore(req.MaxOutputChars, session.PID, session.StartedAtMs)

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	if built.stdout != nil {
		go copyInto(built.stdout, session.store)
	}
	if built.stderr != nil {
		go copyInto(built.stderr, session.store)
	}

	var exitErr error
	go func() {
		exitErr = built.cmd.Wait()
		session.mu.Lock()
		session.Exited = true
		code, sig := exitOutcome(exitErr)
		session.ExitCode = code
		session.ExitSignal = sig
		session.mu.Unlock()
		close(session.waitDone)
	}()

	timeoutID := session.ID + "-timeout"
	r.wheel.ScheduleTimeout(timeoutID, req.TimeoutSec*1000, func() {
		session.mu.Lock()
		session.ForcedStatus = StatusTimeout
		session.mu.Unlock()
		r.killSession(session, req.GracePeriodMs)
	})
	defer r.wheel.CancelTimeout(timeoutID)

	if req.CancelToken != nil {
		go func() {
			select {
			case <-req.CancelToken:
				session.mu.Lock()
				backgrounded := session.Backgrounded
				if !backgrounded {
					session.ForcedStatus = StatusCancelled
				}
				session.mu.Unlock()
				if !backgrounded {
					r.killSession(session, req.GracePeriodMs)
				}
			case <-session.waitDone:
			}
		}()
	}

	var yieldCh chan struct{}
	if req.AllowBackground && req.YieldMs > 0 {
		yieldCh = make(chan struct{})
		timer := r.clk.AfterFunc(msToDuration(req.YieldMs), func() { close(yieldCh) })
		defer timer.Stop()
	}

	select {
	case <-session.waitDone:
	case <-orNilChan(yieldCh):
		session.mu.Lock()
		session.Backgrounded = true
		session.NotifyOnExit = true
		session.mu.Unlock()
		return Result{SessionID: session.ID, PID: session.PID, Running: true}, nil
	}

	session.mu.Lock()
	exitStatus := session.ForcedStatus
	session.mu.Unlock()
	if exitStatus == "" {
		exitStatus = finalStatus(exitErr)
	}
	return r.finalize(session, exitStatus, built.warning)
}

func (r *Runner) finalize(session *Session, status Status, warning string) (Result, error) {
	spilled, path, _ := session.store.Finalize()

	result := Result{
		SessionID:  session.ID,
		PID:        session.PID,
		Status:     status,
		ExitCode:   session.ExitCode,
		ExitSignal: session.ExitSignal,
		DurationMs: r.clk.Now() - session.StartedAtMs,
		Warning:    warning,
	}
	if spilled {
		result.SpilloverPath = path
		result.Parts = []OutputPart{{Kind: "text", Text: fmt.Sprintf("[output too large, written to %s]", path)}}
	} else {
		result.Parts = splitImageOutput(session.store.Aggregated())
	}
	return result, nil
}

// killSession sends SIGTERM to the session's process group, then arms a
// grace-period wheel timeout that escalates to SIGKILL if the process
// has not exited by then.
func (r *Runner) killSession(session *Session, graceMs int64) {
	session.mu.Lock()
	exited := session.Exited
	pid := session.PID
	session.mu.Unlock()
	if exited || pid <= 0 {
		return
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	killID := session.ID + "-kill"
	r.wheel.ScheduleTimeout(killID, graceMs, func() {
		session.mu.Lock()
		exited := session.Exited
		session.mu.Unlock()
		if !exited {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
}

func copyInto(r io.Reader, store *outputStore) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_ = store.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// builtCommand is the result of preparing req's exec.Cmd for one of the
// three launch variants. stdout/stderr are the read ends to pump into
// the session's output store; stderr is nil when stdout already carries
// combined output (the PTY variant). alreadyStarted is true when
// building the command also started it (pty.Start does both at once).
type builtCommand struct {
	cmd            *exec.Cmd
	stdout         io.Reader
	stderr         io.Reader
	alreadyStarted bool
	warning        string
}

// buildCommand constructs the exec.Cmd for req's variant. For the PTY
// variant, a failure to allocate a PTY falls back to the pipe variant
// with a warning appended, per the spec's fallback contract.
func buildCommand(req Request) (builtCommand, error) {
	switch req.Variant {
	case VariantSandbox:
		return buildSandboxCommand(req), nil
	case VariantPTY:
		built, err := buildPTYCommand(req)
		if err == nil {
			return built, nil
		}
		fallback := buildPipeCommand(req)
		fallback.warning = fmt.Sprintf("pty allocation failed (%v), fell back to pipe", err)
		return fallback, nil
	default:
		return buildPipeCommand(req), nil
	}
}

func buildPipeCommand(req Request) builtCommand {
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = req.Cwd
	cmd.Env = envSlice(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	return builtCommand{cmd: cmd, stdout: stdout, stderr: stderr}
}

func buildSandboxCommand(req Request) builtCommand {
	args := []string{"exec"}
	if req.Sandbox.Workdir != "" {
		args = append(args, "-w", req.Sandbox.Workdir)
	}
	for k, v := range req.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if req.Sandbox.TTY {
		args = append(args, "-it")
	}
	args = append(args, req.Sandbox.ContainerName, "sh", "-c", req.Command)

	cmd := exec.Command("docker", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	return builtCommand{cmd: cmd, stdout: stdout, stderr: stderr}
}

// dsrResponse is the canned DSR (Device Status Report, cursor position)
// reply expected by programs that probe the terminal before drawing,
// anchoring the cursor at row 1, column 1.
const dsrResponse = "\x1b[1;1R"

// buildPTYCommand starts cmd attached to a PTY. pty.Start both creates
// the command and starts it, so the returned builtCommand is marked
// alreadyStarted.
func buildPTYCommand(req Request) (builtCommand, error) {
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = req.Cwd
	cmd.Env = envSlice(req.Env)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return builtCommand{}, err
	}
	go respondToDSR(ptmx)
	return builtCommand{cmd: cmd, stdout: ptmx, alreadyStarted: true}, nil
}

// respondToDSR sends the canned cursor-position reply once, proactively,
// rather than scanning the outbound stream for a real DSR query; this is
// sufficient for the common case of a single startup probe and avoids
// needing a full terminal emulator here.
func respondToDSR(f io.Writer) {
	_, _ = f.Write([]byte(dsrResponse))
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func exitOutcome(err error) (*int, string) {
	if err == nil {
		code := 0
		return &code, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return nil, status.Signal().String()
			}
			code := status.ExitStatus()
			return &code, ""
		}
	}
	return nil, ""
}

func finalStatus(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	return StatusFailed
}

func orNilChan(ch chan struct{}) <-chan struct{} {
	if ch == nil {
		return nil
	}
	return ch
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
