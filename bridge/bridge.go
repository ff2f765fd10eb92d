// Package bridge is the client side of the app's companion socket: a
// newline-delimited JSON request/response protocol over a local Unix socket,
// with correlation-id matching so many requests can be in flight on one
// connection, each with its own timeout.
//
// The bridge never reconnects on its own. The socket only exists while the
// app's UI layer is up, so connect/disconnect decisions belong to the caller.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnState is the bridge connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

var (
	// ErrDisconnected rejects requests when there is no live connection,
	// including requests that were in flight when the connection dropped.
	ErrDisconnected = errors.New("control bridge is disconnected")
	// ErrRequestTimeout rejects a request whose response did not arrive in time.
	ErrRequestTimeout = errors.New("control request timed out")
)

// RemoteError is a well-formed error response from the app. It is a normal
// rejected call, not a protocol failure: the connection stays up.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("app rejected %q: %s", e.Command, e.Message)
}

// request and response are the wire frames, one JSON object per line.
type request struct {
	ID      string      `json:"id"`
	Command string      `json:"command"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	id        string
	command   string
	createdAt time.Time
	timer     *time.Timer
	ch        chan result // buffered, never blocks the resolver
}

const (
	// DefaultRequestTimeout bounds a request when the caller gives none.
	DefaultRequestTimeout = 10 * time.Second

	dialTimeout = 5 * time.Second
	// responses can carry screenshots, so the read limit is generous
	maxFrameSize = 32 * 1024 * 1024
)

// Bridge is a client for the companion socket. All methods are safe for
// concurrent use.
type Bridge struct {
	log            *zap.SugaredLogger
	socketPath     string
	requestTimeout time.Duration

	mu      sync.Mutex
	state   ConnState
	conn    net.Conn
	pending map[string]*pendingRequest

	writeMu sync.Mutex
}

type Option func(b *Bridge)

// WithRequestTimeout sets the timeout used by the typed command wrappers.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.requestTimeout = d
	}
}

func New(log *zap.SugaredLogger, socketPath string, opts ...Option) *Bridge {
	b := &Bridge{
		log:            log.Named("bridge"),
		socketPath:     socketPath,
		requestTimeout: DefaultRequestTimeout,
		state:          StateDisconnected,
		pending:        map[string]*pendingRequest{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current connection state.
func (b *Bridge) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the number of in-flight requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Connect opens the companion socket. It fails fast when the socket does not
// exist yet; retrying is the caller's job. Connect on a connected bridge is
// a no-op success.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateConnected {
		b.mu.Unlock()
		return nil
	}
	if b.state == StateConnecting {
		b.mu.Unlock()
		return errors.New("connect already in progress")
	}
	b.state = StateConnecting
	b.mu.Unlock()

	fail := func(err error) error {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		return err
	}

	if _, err := os.Stat(b.socketPath); err != nil {
		return fail(fmt.Errorf("companion socket %s is not available: %w", b.socketPath, err))
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", b.socketPath)
	if err != nil {
		return fail(fmt.Errorf("dialing companion socket: %w", err))
	}

	b.mu.Lock()
	b.conn = conn
	b.state = StateConnected
	b.pending = map[string]*pendingRequest{}
	b.mu.Unlock()

	b.log.Debugw("connected to companion socket", "Path", b.socketPath)
	go b.readLoop(conn)
	return nil
}

// Disconnect closes the socket and rejects every pending request with
// ErrDisconnected. It is idempotent.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	b.teardown(conn, ErrDisconnected)
	return nil
}

// teardown flips the bridge to disconnected and atomically rejects all
// pending requests with cause, but only while conn is still the bridge's
// current connection: a read loop left over from a closed session must not
// tear down its successor. Safe to call from any goroutine.
func (b *Bridge) teardown(conn net.Conn, cause error) {
	b.mu.Lock()
	if b.state == StateDisconnected || b.conn != conn {
		b.mu.Unlock()
		return
	}
	pending := b.pending
	b.conn = nil
	b.state = StateDisconnected
	b.pending = map[string]*pendingRequest{}
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, p := range pending {
		p.timer.Stop()
		p.ch <- result{err: cause}
	}
	b.log.Debugw("bridge disconnected", "RejectedPending", len(pending))
}

func (b *Bridge) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			b.log.Debugf("dropping malformed frame: %s", err)
			continue
		}
		b.resolve(resp)
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: companion socket closed", ErrDisconnected)
	} else {
		err = fmt.Errorf("%w: reading companion socket: %s", ErrDisconnected, err)
	}
	b.teardown(conn, err)
}

// resolve matches a response to its pending request purely by id.
// Responses may arrive in any order.
func (b *Bridge) resolve(resp response) {
	b.mu.Lock()
	p, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()
	if !ok {
		// already timed out, or a frame we never asked for
		b.log.Debugw("response with no pending request", "ID", resp.ID)
		return
	}
	p.timer.Stop()
	if !resp.Success {
		p.ch <- result{err: &RemoteError{Command: p.command, Message: resp.Error}}
		return
	}
	p.ch <- result{data: resp.Data}
}

func (b *Bridge) expire(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.log.Debugw("request timed out", "ID", id, "Command", p.command, "Age", time.Since(p.createdAt))
	p.ch <- result{err: fmt.Errorf("%w: %s", ErrRequestTimeout, p.command)}
}

// Send writes a framed request and blocks until the matching response
// arrives, the timeout elapses, the connection drops, or ctx is done.
func (b *Bridge) Send(ctx context.Context, command string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	id := uuid.NewString()
	p := &pendingRequest{
		id:        id,
		command:   command,
		createdAt: time.Now(),
		ch:        make(chan result, 1),
	}

	b.mu.Lock()
	if b.state != StateConnected {
		b.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := b.conn
	p.timer = time.AfterFunc(timeout, func() { b.expire(id) })
	b.pending[id] = p
	b.mu.Unlock()

	frame, err := json.Marshal(request{ID: id, Command: command, Params: params})
	if err != nil {
		b.abandon(id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	frame = append(frame, '\n')

	b.writeMu.Lock()
	_, err = conn.Write(frame)
	b.writeMu.Unlock()
	if err != nil {
		b.abandon(id)
		b.teardown(conn, fmt.Errorf("%w: writing companion socket: %s", ErrDisconnected, err))
		return nil, fmt.Errorf("writing request: %w", err)
	}
	b.log.Debugw("sent request", "ID", id, "Command", command)

	select {
	case res := <-p.ch:
		return res.data, res.err
	case <-ctx.Done():
		b.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon removes a pending request without resolving it.
func (b *Bridge) abandon(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}
