// Package runner executes one-shot external commands to completion,
// capturing their output and exit status. It holds no persistent process:
// every Run spawns, waits, and reaps.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultKillGrace is how long Run waits after terminating a timed-out
// process group before escalating to SIGKILL.
const DefaultKillGrace = 3 * time.Second

// SpawnError indicates the command could not be started at all, as opposed
// to starting and then exiting nonzero.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Request describes a one-shot command.
type Request struct {
	Command string
	Args    []string
	WD      string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// Result is the outcome of a completed (or timed-out) command.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut"`
	TimeMS   int64  `json:"timeMs"`
}

// Runner runs one-shot commands.
type Runner struct {
	log       *zap.SugaredLogger
	killGrace time.Duration
}

func New(log *zap.SugaredLogger) *Runner {
	return &Runner{
		log:       log.Named("runner"),
		killGrace: DefaultKillGrace,
	}
}

// Run spawns the command and collects stdout/stderr until it exits or the
// timeout elapses. On timeout the whole process group is terminated and the
// result reports TimedOut=true; Run returns within Timeout plus the
// force-kill grace, never later.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WD
	cmd.Env = append(os.Environ(), req.Env...)
	// own process group so a timeout can kill the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}
	pgid := cmd.Process.Pid
	r.log.Debugw("started command", "Command", req.Command, "Args", req.Args, "PID", pgid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := func(waitErr error, timedOut bool) (*Result, error) {
		res := &Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: timedOut,
			TimeMS:   time.Since(start).Milliseconds(),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if waitErr != nil {
			if _, ok := waitErr.(*exec.ExitError); !ok {
				return res, fmt.Errorf("waiting for command: %w", waitErr)
			}
		}
		return res, nil
	}

	select {
	case err := <-done:
		return result(err, false)
	case <-ctx.Done():
		r.killGroup(pgid)
		<-done
		return nil, ctx.Err()
	case <-timeout:
		r.log.Debugw("command timed out, terminating process group", "PID", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case err := <-done:
			return result(err, true)
		case <-time.After(r.killGrace):
			r.killGroup(pgid)
		}
		// SIGKILL cannot be caught; give the reaper a moment but do not
		// hang past the promised bound even if wait never returns
		select {
		case err := <-done:
			return result(err, true)
		case <-time.After(time.Second):
			return result(nil, true)
		}
	}
}

func (r *Runner) killGroup(pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		r.log.Debugf("killing process group %d: %s", pgid, err)
	}
}
