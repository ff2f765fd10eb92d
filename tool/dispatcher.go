// Package tool routes named operations to the supervisor, runner, or bridge
// and normalizes every result into a uniform success/error envelope. It is
// the boundary to the agent-facing protocol and never mutates state itself.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openflow/devctl/bridge"
	"github.com/openflow/devctl/logbuf"
	"github.com/openflow/devctl/runner"
	"github.com/openflow/devctl/supervisor"
)

// Envelope is the uniform result shape for every operation.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(data interface{}) Envelope    { return Envelope{Success: true, Data: data} }
func fail(err error) Envelope         { return Envelope{Success: false, Error: err.Error()} }
func failf(f string, a ...interface{}) Envelope {
	return Envelope{Success: false, Error: fmt.Sprintf(f, a...)}
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// Dispatcher routes operations by name.
type Dispatcher struct {
	log *zap.SugaredLogger
	sup *supervisor.Supervisor
	br  *bridge.Bridge
	run *runner.Runner
}

func NewDispatcher(log *zap.SugaredLogger, sup *supervisor.Supervisor, br *bridge.Bridge, run *runner.Runner) *Dispatcher {
	return &Dispatcher{
		log: log.Named("tool"),
		sup: sup,
		br:  br,
		run: run,
	}
}

// Names lists every operation the dispatcher understands.
func (d *Dispatcher) Names() []string {
	return []string{
		"start_app", "stop_app", "restart_app", "get_status", "wait_for_ready",
		"get_logs", "run_command",
		"ping", "get_dom", "evaluate", "screenshot", "click",
		"type_into_element", "manage_window", "disconnect_ui",
	}
}

type startArgs struct {
	TimeoutMS    int64    `json:"timeoutMs"`
	WaitForReady *bool    `json:"waitForReady"`
	ExtraEnv     []string `json:"extraEnv"`
}

type waitArgs struct {
	TimeoutMS int64 `json:"timeoutMs"`
}

type logsArgs struct {
	Level string `json:"level"`
	Limit int    `json:"limit"`
}

type runArgs struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
	Env       []string `json:"env"`
	TimeoutMS int64    `json:"timeoutMs"`
}

type evaluateArgs struct {
	Code string `json:"code"`
}

type screenshotArgs struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

type clickArgs struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button string `json:"button"`
}

type typeArgs struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

type windowArgs struct {
	Action string `json:"action"`
}

// Dispatch runs the named operation. It always returns an envelope: tool
// failures become error envelopes, never panics or process exits.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("tool panicked", "Tool", name, "Panic", r)
			env = failf("tool %s panicked: %v", name, r)
		}
	}()
	d.log.Debugw("dispatching tool", "Tool", name)

	switch name {
	case "start_app":
		return d.startApp(ctx, args, false)
	case "restart_app":
		return d.startApp(ctx, args, true)
	case "stop_app":
		if err := d.sup.Stop(ctx); err != nil {
			return fail(err)
		}
		return ok(d.sup.GetStatus())
	case "get_status":
		return ok(d.sup.GetStatus())
	case "wait_for_ready":
		var a waitArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		if err := d.sup.WaitForReady(ctx, time.Duration(a.TimeoutMS)*time.Millisecond); err != nil {
			return fail(err)
		}
		return ok(d.sup.GetStatus())
	case "get_logs":
		return d.getLogs(args)
	case "run_command":
		return d.runCommand(ctx, args)
	case "disconnect_ui":
		if err := d.br.Disconnect(); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "ping", "get_dom", "evaluate", "screenshot", "click", "type_into_element", "manage_window":
		return d.uiCommand(ctx, name, args)
	}
	return failf("unknown tool %q", name)
}

func (d *Dispatcher) startApp(ctx context.Context, args json.RawMessage, restart bool) Envelope {
	a := startArgs{}
	if err := unmarshalArgs(args, &a); err != nil {
		return fail(err)
	}
	opts := supervisor.StartOptions{
		Timeout:      time.Duration(a.TimeoutMS) * time.Millisecond,
		WaitForReady: true,
		ExtraEnv:     a.ExtraEnv,
	}
	if a.WaitForReady != nil {
		opts.WaitForReady = *a.WaitForReady
	}
	var (
		handle *supervisor.Handle
		err    error
	)
	if restart {
		handle, err = d.sup.Restart(ctx, opts)
	} else {
		handle, err = d.sup.Start(ctx, opts)
	}
	if err != nil {
		return fail(err)
	}
	return ok(handle)
}

func (d *Dispatcher) getLogs(args json.RawMessage) Envelope {
	var a logsArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return fail(err)
	}
	min := logbuf.LevelDebug
	if a.Level != "" {
		lvl, okLevel := logbuf.ParseLevel(a.Level)
		if !okLevel {
			return failf("unknown log level %q", a.Level)
		}
		min = lvl
	}
	limit := a.Limit
	if limit < 0 {
		return failf("limit must be positive, got %d", limit)
	}
	if limit == 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	entries := d.sup.Logs(min, limit)
	return ok(map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (d *Dispatcher) runCommand(ctx context.Context, args json.RawMessage) Envelope {
	var a runArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return fail(err)
	}
	if a.Command == "" {
		return failf("run_command requires a command")
	}
	res, err := d.run.Run(ctx, runner.Request{
		Command: a.Command,
		Args:    a.Args,
		WD:      a.Cwd,
		Env:     a.Env,
		Timeout: time.Duration(a.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// uiCommand gates UI operations on the app being up, then routes through the
// bridge. It never dials the companion socket when the app is not running.
func (d *Dispatcher) uiCommand(ctx context.Context, name string, args json.RawMessage) Envelope {
	status := d.sup.GetStatus()
	if status.State != supervisor.StateRunning {
		return failf("app is not running (state=%s), start it before UI commands", status.State)
	}
	if d.br.State() != bridge.StateConnected {
		if err := d.br.Connect(ctx); err != nil {
			return fail(err)
		}
	}

	switch name {
	case "ping":
		if err := d.br.Ping(ctx); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "get_dom":
		data, err := d.br.GetDOM(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(data)
	case "evaluate":
		var a evaluateArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		data, err := d.br.Evaluate(ctx, a.Code)
		if err != nil {
			return fail(err)
		}
		return ok(data)
	case "screenshot":
		var a screenshotArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		data, err := d.br.Screenshot(ctx, bridge.ScreenshotOptions{Format: a.Format, Quality: a.Quality})
		if err != nil {
			return fail(err)
		}
		return ok(data)
	case "click":
		var a clickArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		if err := d.br.Click(ctx, a.X, a.Y, a.Button); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "type_into_element":
		var a typeArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		if a.Selector == "" {
			return failf("type_into_element requires a selector")
		}
		if err := d.br.TypeIntoElement(ctx, a.Selector, a.Text); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "manage_window":
		var a windowArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return fail(err)
		}
		if a.Action == "" {
			return failf("manage_window requires an action")
		}
		if err := d.br.ManageWindow(ctx, a.Action); err != nil {
			return fail(err)
		}
		return ok(nil)
	}
	return failf("unknown UI tool %q", name)
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding tool args: %w", err)
	}
	return nil
}
