// Package supervisor owns at most one long-running app process and drives
// its lifecycle state machine: stopped -> starting -> running -> stopping ->
// stopped, with any state moving to error on unrecoverable failure and
// error -> starting permitted as a retry.
//
// Output from the supervised process is captured line by line into a
// logbuf.Buffer, and readiness is observed by polling the app's dev server
// over HTTP.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openflow/devctl/logbuf"
)

// State is the lifecycle state of the supervised app.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var (
	// ErrNotRunning is returned by operations that require a live app.
	ErrNotRunning = errors.New("app is not running")
	// ErrReadinessTimeout is returned when the app does not become ready in time.
	ErrReadinessTimeout = errors.New("timed out waiting for app readiness")
	// ErrProcessCrashed is recorded when the app exits without being asked to.
	ErrProcessCrashed = errors.New("app process exited unexpectedly")
)

const (
	// DefaultStartTimeout bounds a readiness wait when the caller gives none.
	DefaultStartTimeout = 2 * time.Minute
	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultProbeInterval is the readiness poll interval.
	DefaultProbeInterval = 250 * time.Millisecond

	// socketEnvVar tells the app where to create its companion socket.
	socketEnvVar = "OPENFLOW_MCP_SOCKET"
)

// Config describes how to spawn and observe the app.
type Config struct {
	Command       string
	Args          []string
	WD            string
	Env           []string // appended to the parent environment
	DevServerURL  string
	SocketPath    string
	ProbeInterval time.Duration
	StopGrace     time.Duration
}

// Handle identifies a live spawned process.
type Handle struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	DevServerURL string    `json:"devServerUrl,omitempty"`
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State        State  `json:"state"`
	PID          int    `json:"pid,omitempty"`
	UptimeMS     int64  `json:"uptimeMs,omitempty"`
	DevServerURL string `json:"devServerUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StartOptions control a single Start call.
type StartOptions struct {
	// Timeout bounds the readiness wait. Zero means DefaultStartTimeout.
	Timeout time.Duration
	// WaitForReady polls the dev server until it answers 2xx before the
	// supervisor reports running.
	WaitForReady bool
	// ExtraEnv entries are appended to the spawn environment.
	ExtraEnv []string
}

// startAttempt is the shared result of one in-flight start. Concurrent
// Start calls coalesce onto it and all return its eventual outcome.
type startAttempt struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Supervisor drives the app lifecycle. All state transitions are serialized
// through its mutex; blocking waits happen outside the lock.
type Supervisor struct {
	log   *zap.SugaredLogger
	cfg   Config
	logs  *logbuf.Buffer
	probe *readinessProbe

	mu          sync.Mutex
	state       State
	handle      *Handle
	lastErr     error
	cmd         *exec.Cmd
	gen         int // increments per spawn, guards stale exit watchers
	procDone    chan struct{}
	stopDone    chan struct{}
	inflight    *startAttempt
	cancelReady context.CancelFunc
}

func New(log *zap.SugaredLogger, cfg Config, logs *logbuf.Buffer) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	l := log.Named("supervisor")
	return &Supervisor{
		log:   l,
		cfg:   cfg,
		logs:  logs,
		probe: newReadinessProbe(l, cfg.DevServerURL, cfg.ProbeInterval),
		state: StateStopped,
	}
}

// LogBuffer exposes the buffer that captures the app's output.
func (s *Supervisor) LogBuffer() *logbuf.Buffer { return s.logs }

// Start spawns the app, optionally waiting for readiness. Redundant starts
// are soft successes: while running it returns the existing handle, and
// while starting it coalesces into the in-flight attempt and returns its
// eventual result.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		h := *s.handle
		s.mu.Unlock()
		s.log.Debugw("start requested while already running", "PID", h.PID)
		return &h, nil
	case StateStarting:
		att := s.inflight
		s.mu.Unlock()
		s.log.Debug("start requested while starting, joining in-flight attempt")
		select {
		case <-att.done:
			return att.handle, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case StateStopping:
		s.mu.Unlock()
		return nil, errors.New("app is stopping, wait for stop to finish")
	}

	att := &startAttempt{done: make(chan struct{})}
	s.inflight = att
	s.state = StateStarting
	s.lastErr = nil
	s.gen++
	gen := s.gen

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	// recorded before the lock is released so a Stop landing during the
	// spawn window can already cancel the readiness wait
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.cancelReady = cancel
	s.mu.Unlock()

	handle, err := s.spawn(gen, opts)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.cancelReady = nil
			if s.state == StateStarting {
				s.state = StateError
				s.lastErr = err
			}
		}
		s.mu.Unlock()
		s.finish(att, nil, err)
		return nil, err
	}

	if !opts.WaitForReady {
		s.mu.Lock()
		if s.gen == gen {
			s.cancelReady = nil
			if s.state == StateStarting {
				s.state = StateRunning
			}
		}
		h := *handle
		s.mu.Unlock()
		s.finish(att, &h, nil)
		return &h, nil
	}

	probeErr := s.probe.wait(readyCtx)

	s.mu.Lock()
	if s.gen == gen {
		s.cancelReady = nil
	}
	if s.gen != gen || s.state != StateStarting {
		// a concurrent stop or an observed exit won the race
		cause := s.lastErr
		s.mu.Unlock()
		if cause == nil {
			cause = errors.New("start canceled")
		}
		s.finish(att, nil, cause)
		return nil, cause
	}
	if probeErr != nil {
		werr := fmt.Errorf("%w after %s", ErrReadinessTimeout, timeout)
		if !errors.Is(probeErr, context.DeadlineExceeded) {
			werr = fmt.Errorf("waiting for app readiness: %w", probeErr)
		}
		s.state = StateError
		s.lastErr = werr
		s.handle = nil
		pid := handle.PID
		s.mu.Unlock()
		s.log.Debugw("readiness wait failed, killing app", "PID", pid, "Error", werr)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		s.finish(att, nil, werr)
		return nil, werr
	}
	s.state = StateRunning
	s.handle.DevServerURL = s.cfg.DevServerURL
	h := *s.handle
	s.mu.Unlock()
	s.log.Infow("app is ready", "PID", h.PID, "DevServerURL", h.DevServerURL)
	s.finish(att, &h, nil)
	return &h, nil
}

func (s *Supervisor) finish(att *startAttempt, h *Handle, err error) {
	att.handle = h
	att.err = err
	s.mu.Lock()
	if s.inflight == att {
		s.inflight = nil
	}
	s.mu.Unlock()
	close(att.done)
}

func (s *Supervisor) spawn(gen int, opts StartOptions) (*Handle, error) {
	s.removeStaleSocket()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WD
	env := append(os.Environ(), s.cfg.Env...)
	env = append(env, socketEnvVar+"="+s.cfg.SocketPath)
	env = append(env, opts.ExtraEnv...)
	cmd.Env = env
	// own process group so stop can take down the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLineWriter(s.pushLine)
	cmd.Stderr = newLineWriter(s.pushLine)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning app %q: %w", s.cfg.Command, err)
	}
	handle := &Handle{PID: cmd.Process.Pid, StartedAt: time.Now()}
	procDone := make(chan struct{})

	s.mu.Lock()
	if s.gen != gen || s.state != StateStarting {
		// a Stop won the race during the spawn window: the fresh child must
		// not outlive it
		s.mu.Unlock()
		_ = syscall.Kill(-handle.PID, syscall.SIGKILL)
		go func() { _ = cmd.Wait() }()
		return nil, errors.New("start canceled by concurrent stop")
	}
	s.cmd = cmd
	s.handle = handle
	s.procDone = procDone
	s.mu.Unlock()

	s.log.Debugw("spawned app", "Command", s.cfg.Command, "Args", s.cfg.Args, "PID", handle.PID)
	go s.watchExit(gen, cmd, procDone)
	return handle, nil
}

// watchExit reaps the process and reflects unexpected exits in the state
// machine even when no Stop was requested.
func (s *Supervisor) watchExit(gen int, cmd *exec.Cmd, procDone chan struct{}) {
	waitErr := cmd.Wait()
	if lw, ok := cmd.Stdout.(*lineWriter); ok {
		lw.Flush()
	}
	if lw, ok := cmd.Stderr.(*lineWriter); ok {
		lw.Flush()
	}
	close(procDone)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	switch s.state {
	case StateStopping:
		// Stop drives the transition to stopped
		return
	case StateStarting, StateRunning:
		if s.cancelReady != nil {
			s.cancelReady()
		}
		if waitErr == nil && exitCode == 0 {
			s.log.Infow("app exited cleanly", "PID", cmd.Process.Pid)
			s.state = StateStopped
			s.lastErr = nil
		} else {
			err := fmt.Errorf("%w: exit code %d", ErrProcessCrashed, exitCode)
			s.log.Warnw("app crashed", "PID", cmd.Process.Pid, "ExitCode", exitCode)
			s.state = StateError
			s.lastErr = err
		}
		s.handle = nil
		s.cmd = nil
		s.removeStaleSocket()
	}
}

// Stop gracefully terminates the app: SIGTERM, a grace period, then SIGKILL
// to the process group. Stop on a stopped supervisor is a no-op success, and
// a concurrent Stop coalesces onto the in-flight one. Stop cancels an
// in-flight start's readiness wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateError:
		if s.cmd == nil {
			s.state = StateStopped
			s.lastErr = nil
			s.handle = nil
			s.mu.Unlock()
			s.removeStaleSocket()
			return nil
		}
	case StateStopping:
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.cancelReady != nil {
		s.cancelReady()
	}
	s.state = StateStopping
	stopDone := make(chan struct{})
	s.stopDone = stopDone
	procDone := s.procDone
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	var err error
	if pid != 0 {
		s.log.Debugw("sending SIGTERM to app process group", "PID", pid)
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-procDone:
		case <-time.After(s.cfg.StopGrace):
			s.log.Debugw("grace period expired, sending SIGKILL", "PID", pid)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-procDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		case <-ctx.Done():
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.handle = nil
	s.cmd = nil
	s.lastErr = nil
	s.stopDone = nil
	s.mu.Unlock()
	close(stopDone)
	s.removeStaleSocket()
	return err
}

// Restart stops the app if needed, then starts it. If the stop fails the
// restart fails without attempting a start on an inconsistent process.
func (s *Supervisor) Restart(ctx context.Context, opts StartOptions) (*Handle, error) {
	if err := s.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stopping app before restart: %w", err)
	}
	return s.Start(ctx, opts)
}

// WaitForReady polls readiness without mutating state. It fails immediately
// when the app is stopped (nothing is spawned) and exposes the stored error
// when the supervisor is in the error state.
func (s *Supervisor) WaitForReady(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateStopping:
		s.mu.Unlock()
		return ErrNotRunning
	case StateError:
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("app is in error state")
		}
		return err
	}
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.probe.wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrReadinessTimeout, timeout)
		}
		return err
	}
	return nil
}

// GetStatus is a pure, non-blocking snapshot.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.handle != nil {
		st.PID = s.handle.PID
		st.UptimeMS = time.Since(s.handle.StartedAt).Milliseconds()
		st.DevServerURL = s.handle.DevServerURL
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Logs returns captured output entries at or above min, newest-limited.
func (s *Supervisor) Logs(min logbuf.Level, limit int) []logbuf.Entry {
	return s.logs.Entries(min, limit)
}

func (s *Supervisor) pushLine(line string) {
	s.logs.Push(logbuf.Entry{
		Time:    time.Now(),
		Level:   logbuf.DetectLevel(line),
		Message: line,
	})
}

// removeStaleSocket deletes a leftover companion socket so the app does not
// fail with "address already in use" after a crash.
func (s *Supervisor) removeStaleSocket() {
	if s.cfg.SocketPath == "" {
		return
	}
	if _, err := os.Stat(s.cfg.SocketPath); err != nil {
		return
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil {
		s.log.Debugf("removing stale companion socket: %s", err)
	} else {
		s.log.Debugw("removed stale companion socket", "Path", s.cfg.SocketPath)
	}
}
