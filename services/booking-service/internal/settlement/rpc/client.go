package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultTimeout = 30 * time.Second

	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	maxMessageSize = 1 << 20
)

var (
	ErrClosed           = errors.New("clearnode connection closed")
	ErrDuplicateRequest = errors.New("request id already pending")
)

// Caller is the request/response surface used by the handshake and
// app-session code.
type Caller interface {
	NextID() uint64
	SendAndWait(ctx context.Context, req *Request) (*Response, error)
}

type result struct {
	resp *Response
	err  error
}

// Client correlates requests and responses over one websocket connection.
// Each pending request id is resolved at most once.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan result
	err     error
	done    chan struct{}

	lastID atomic.Uint64
}

type Option func(*Client)

// WithTimeout sets the per-request wait. A shorter context deadline still wins.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func Dial(ctx context.Context, url string, logger *slog.Logger, opts ...Option) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial clearnode: %w", err)
	}
	return NewClient(conn, logger, opts...), nil
}

// NewClient takes ownership of conn and starts its read loop.
func NewClient(conn *websocket.Conn, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		timeout: DefaultTimeout,
		pending: make(map[uint64]chan result),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn.SetReadLimit(maxMessageSize)
	go c.readLoop()
	return c
}

// NextID returns a request id that is unique for the life of the client: the
// wall clock in milliseconds, bumped past the previous id when needed.
func (c *Client) NextID() uint64 {
	for {
		prev := c.lastID.Load()
		next := uint64(time.Now().UnixMilli())
		if next <= prev {
			next = prev + 1
		}
		if c.lastID.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// SendAndWait writes req and blocks until the matching response arrives, the
// connection fails, or ctx ends. An error frame from the node is returned as
// *Error together with the raw response.
func (c *Client) SendAndWait(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ID)
		return nil, err
	}
	if err := c.write(data); err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Method == MethodError {
			var body ErrorResult
			_ = json.Unmarshal(res.resp.Result, &body)
			if body.Error == "" {
				body.Error = string(res.resp.Result)
			}
			return res.resp, &Error{RequestID: req.ID, Message: body.Error}
		}
		return res.resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, fmt.Errorf("wait for %s response: %w", req.Method, ctx.Err())
	}
}

// Done is closed once the connection has failed or been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		resp, err := ParseResponse(data)
		if err != nil {
			c.logger.Debug("dropping malformed clearnode frame", "err", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping clearnode frame for unknown request", "request_id", resp.ID, "method", resp.Method)
			continue
		}
		ch <- result{resp: resp}
	}
}

// fail resolves every pending request with the connection error.
func (c *Client) fail(readErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
	for id, ch := range c.pending {
		ch <- result{err: c.err}
		delete(c.pending, id)
	}
	close(c.done)
}
