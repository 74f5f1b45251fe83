package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// baseURL is only used for the Host header and path, dialing always goes to the unix socket.
const baseURL = "http://engine"

// Client calls functions on an engine over a single multiplexed connection.
// Calls may be made concurrently from any number of goroutines.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	path                     string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	pending map[string]chan Result
	closed  bool
	done    chan struct{}

	closeOnce sync.Once
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("rpc_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the engine channel at path. It does not connect, see Connect and Dial.
func NewClient(log *zap.SugaredLogger, path string, opts ...ClientOption) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", path)
	}

	c := &Client{
		Logger:       log.Named("rpc_client"),
		path:         path,
		waitInterval: 20 * time.Millisecond,
		pending:      map[string]chan Result{},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Dial builds a client, waits for the engine to answer heartbeats and connects.
func Dial(ctx context.Context, log *zap.SugaredLogger, path string, opts ...ClientOption) (*Client, error) {
	c := NewClient(log, path, opts...)
	if err := c.WaitForServer(ctx); err != nil {
		return nil, fmt.Errorf("waiting for engine: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the engine channel path.
func (c *Client) Path() string { return c.path }

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer blocks until the engine answers a heartbeat or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.SendHeartbeat(ctx)
		if err == nil {
			c.Logger.Debug("heartbeat succeeded, done waiting for server")
			return nil
		}
		c.Logger.Debugf("got heartbeat error: %s", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Connect opens the call connection. The engine counts this as one attached client until Close.
// Only one Connect succeeds per client, concurrent or later calls get ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing || c.closed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.mu.Unlock()

	c.Logger.Debugw("dialing WebSocket", "Path", c.path)
	wsConn, _, err := websocket.Dial(ctx, baseURL+"/rpc", &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionDisabled,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = false
	if err != nil {
		return fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	if c.closed {
		wsConn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	wsConn.SetReadLimit(readLimit)
	c.conn = wsConn

	go c.readResults(wsConn)
	return nil
}

// Done is closed once the connection is gone, whether closed locally or by the engine.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) readResults(conn *websocket.Conn) {
	defer close(c.done)
	for {
		var res Result
		err := wsjson.Read(context.Background(), conn, &res)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				c.Logger.Debugf("result reader got error: %s", err)
			}
			c.fail()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if !ok {
			c.Logger.Debugf("dropping result for unknown call %s", res.ID)
			continue
		}
		ch <- res
	}
}

// fail marks the client closed and releases every pending call.
func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends an envelope and blocks until its result arrives, the connection closes, or ctx is done.
// The returned values start with the error code, see CheckResult.
func (c *Client) Call(ctx context.Context, collection, function string, args ...Value) ([]Value, error) {
	id := uuid.NewString()
	ch := make(chan Result, 1)

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNoConnection
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	err := wsjson.Write(ctx, conn, Envelope{
		ID:         id,
		Collection: collection,
		Function:   function,
		Args:       args,
	})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("sending %s.%s: %w", collection, function, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return res.Values, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a one-way envelope. The engine dispatches it but sends no result.
func (c *Client) Notify(ctx context.Context, collection, function string, args ...Value) error {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return ErrNoConnection
	}
	conn := c.conn
	c.mu.Unlock()

	err := wsjson.Write(ctx, conn, Envelope{
		ID:         uuid.NewString(),
		Collection: collection,
		Function:   function,
		Args:       args,
		Oneway:     true,
	})
	if err != nil {
		return fmt.Errorf("sending %s.%s: %w", collection, function, err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection and waits for the result reader to exit. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			c.fail()
			close(c.done)
			return
		}
		err = conn.Close(websocket.StatusNormalClosure, "")
		<-c.done
	})
	return err
}
