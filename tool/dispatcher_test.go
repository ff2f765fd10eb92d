package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openflow/devctl/bridge"
	"github.com/openflow/devctl/logbuf"
	"github.com/openflow/devctl/runner"
	"github.com/openflow/devctl/supervisor"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *supervisor.Supervisor, *bridge.Bridge) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	socketPath := filepath.Join(t.TempDir(), "app.sock")
	logs := logbuf.New(100)
	sup := supervisor.New(log, supervisor.Config{
		Command:       "sleep",
		Args:          []string{"60"},
		DevServerURL:  srv.URL,
		SocketPath:    socketPath,
		ProbeInterval: 20 * time.Millisecond,
		StopGrace:     time.Second,
	}, logs)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	br := bridge.New(log, socketPath)
	t.Cleanup(func() { _ = br.Disconnect() })

	d := NewDispatcher(log, sup, br, runner.New(log))
	return d, sup, br
}

func TestUIOpWhileStoppedNeverDialsSocket(t *testing.T) {
	d, _, br := newTestDispatcher(t)

	env := d.Dispatch(context.Background(), "ping", nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "not running")
	assert.Equal(t, bridge.StateDisconnected, br.State())
}

func TestUIOpWhileRunningWithoutSocketFailsFast(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	env := d.Dispatch(context.Background(), "start_app", json.RawMessage(`{"timeoutMs":5000}`))
	require.True(t, env.Success, "start_app failed: %s", env.Error)

	env = d.Dispatch(context.Background(), "ping", nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "companion socket")
}

func TestUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "frobnicate", nil)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "unknown tool")
}

func TestMalformedArgs(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "get_logs", json.RawMessage(`{"limit":"many"}`))
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "decoding tool args")
}

func TestGetStatus(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "get_status", nil)
	require.True(t, env.Success)
	status, ok := env.Data.(supervisor.Status)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateStopped, status.State)
}

func TestLifecycleThroughDispatcher(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	env := d.Dispatch(ctx, "start_app", json.RawMessage(`{"timeoutMs":5000}`))
	require.True(t, env.Success, "start_app failed: %s", env.Error)
	handle, ok := env.Data.(*supervisor.Handle)
	require.True(t, ok)
	firstPID := handle.PID
	assert.Greater(t, firstPID, 0)

	env = d.Dispatch(ctx, "get_status", nil)
	require.True(t, env.Success)
	assert.Equal(t, supervisor.StateRunning, env.Data.(supervisor.Status).State)

	env = d.Dispatch(ctx, "restart_app", json.RawMessage(`{"timeoutMs":5000}`))
	require.True(t, env.Success, "restart_app failed: %s", env.Error)
	assert.NotEqual(t, firstPID, env.Data.(*supervisor.Handle).PID)

	env = d.Dispatch(ctx, "stop_app", nil)
	require.True(t, env.Success)
	assert.Equal(t, supervisor.StateStopped, env.Data.(supervisor.Status).State)
}

func TestWaitForReadyOnStoppedApp(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	start := time.Now()
	env := d.Dispatch(context.Background(), "wait_for_ready", json.RawMessage(`{"timeoutMs":5000}`))
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "not running")
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetLogs(t *testing.T) {
	d, sup, _ := newTestDispatcher(t)
	buf := sup.LogBuffer()
	buf.Push(logbuf.Entry{Time: time.Now(), Level: logbuf.LevelInfo, Message: "starting up"})
	buf.Push(logbuf.Entry{Time: time.Now(), Level: logbuf.LevelWarn, Message: "low disk"})
	buf.Push(logbuf.Entry{Time: time.Now(), Level: logbuf.LevelError, Message: "kaboom"})

	env := d.Dispatch(context.Background(), "get_logs", json.RawMessage(`{"level":"warn"}`))
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	entries := data["entries"].([]logbuf.Entry)
	require.Len(t, entries, 2)
	assert.Equal(t, "low disk", entries[0].Message)
	assert.Equal(t, "kaboom", entries[1].Message)

	env = d.Dispatch(context.Background(), "get_logs", json.RawMessage(`{"level":"loud"}`))
	assert.False(t, env.Success)

	// limits beyond the cap are clamped, not rejected
	env = d.Dispatch(context.Background(), "get_logs", json.RawMessage(`{"limit":10000}`))
	assert.True(t, env.Success)
}

func TestRunCommand(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	env := d.Dispatch(context.Background(), "run_command", json.RawMessage(`{"command":"echo","args":["hi"]}`))
	require.True(t, env.Success, "run_command failed: %s", env.Error)
	res, ok := env.Data.(*runner.Result)
	require.True(t, ok)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)

	env = d.Dispatch(context.Background(), "run_command", json.RawMessage(`{}`))
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "requires a command")
}

func TestDisconnectUIIsAlwaysSafe(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "disconnect_ui", nil)
	assert.True(t, env.Success)
}
