package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/openflow/devctl/logbuf"
	"github.com/openflow/devctl/tool"
)

// Client is a Go client for the agent's HTTP surface.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL            string
	wsBaseURL          string
	waitInterval       time.Duration
	customizeRetryable func(r *retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		// applied in NewClient before the standard client is built
		c.customizeRetryable = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      "http://" + addr,
		wsBaseURL:    "ws://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryable != nil {
		c.customizeRetryable(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Health checks the agent's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls health until the agent answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for agent")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// CallTool dispatches a named tool with JSON-encodable args and returns the
// result envelope.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*tool.Envelope, error) {
	var body io.Reader
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding tool args: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tool/"+name, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("non-200 status code %d calling tool %s: %s", resp.StatusCode, name, string(b))
	}

	var env tool.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding tool envelope: %w", err)
	}
	return &env, nil
}

// StreamLogs opens the log stream and delivers entries on the returned
// channel until the stream ends or the cancel func is called.
func (c *Client) StreamLogs(ctx context.Context) (<-chan logbuf.Entry, func(), error) {
	u := c.wsBaseURL + "/v1/logs/stream"
	c.Logger.Debugw("dialing log stream", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing log stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan logbuf.Entry, 64)
	go func() {
		defer close(out)
		defer wsConn.Close(websocket.StatusNormalClosure, "")
		for {
			var e logbuf.Entry
			if err := wsjson.Read(ctx, wsConn, &e); err != nil {
				c.Logger.Debugf("log stream read ended: %s", err)
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
