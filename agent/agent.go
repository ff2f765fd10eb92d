// Package agent exposes the tool dispatcher over a small loopback HTTP
// surface: tool dispatch, health, and a WebSocket stream of captured app
// logs. The agent-facing protocol on top of this is out of scope here; this
// is the local boundary.
package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/openflow/devctl/logbuf"
	"github.com/openflow/devctl/tool"
)

// Agent is the HTTP server wrapping a tool dispatcher.
type Agent struct {
	logger     *zap.SugaredLogger
	listenAddr string
	dispatcher *tool.Dispatcher
	logs       *logbuf.Buffer

	httpServer *http.Server
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

// New constructs an agent serving the given dispatcher. The logs buffer is
// the one the supervisor captures app output into; it feeds the stream
// endpoint.
func New(dispatcher *tool.Dispatcher, logs *logbuf.Buffer, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		listenAddr: "127.0.0.1:7317",
		dispatcher: dispatcher,
		logs:       logs,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/v1/health", a.health)
	router.POST("/v1/tool/:name", a.tool)
	router.GET("/v1/logs/stream", a.streamLogs)

	server := http.Server{Handler: router}
	a.httpServer = &server

	a.logger.Infow("agent listening", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) Stop() error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(a.logger, w, map[string]string{"status": "ok"})
}

func (a *Agent) tool(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env := a.dispatcher.Dispatch(r.Context(), name, body)
	writeJSON(a.logger, w, env)
}

// streamLogs pushes each newly captured log entry to the client as a JSON
// WebSocket message. Entries already in the buffer are not replayed; use the
// get_logs tool for history.
func (a *Agent) streamLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	entries, cancel := a.logs.Subscribe(256)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, wsConn, e); err != nil {
				a.logger.Debugf("log stream write error: %s", err)
				return
			}
		}
	}
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
