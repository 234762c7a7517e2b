package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/telemetry"
)

// RequestHandler answers a reverse request issued by the backend. The
// returned value is serialized as the response result. Method is passed so
// a catch-all handler can route.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler receives a backend notification. Handlers run on the
// connection's read loop and must not block; hand work off to a queue.
type NotificationHandler func(method string, params json.RawMessage)

// Conn multiplexes one JSON-RPC 2.0 connection: it correlates responses to
// pending requests by id, answers reverse requests, and routes
// notifications to registered handlers. It owns nothing about the peer's
// lifecycle; Client layers subprocess management on top.
type Conn struct {
	reader  io.Reader
	writer  io.Writer
	logger  pslog.Logger
	metrics *telemetry.Metrics

	writeMu sync.Mutex // serializes header+body write pairs
	nextID  atomic.Int64

	mu            sync.Mutex
	pending       map[int64]chan *response
	reqHandlers   map[string]RequestHandler
	notifHandlers map[string]NotificationHandler

	closed atomic.Bool
	cause  error // set once before done is closed
	done   chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l pslog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// WithMetrics wires telemetry counters into the connection.
func WithMetrics(m *telemetry.Metrics) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

// NewConn creates a connection over the given reader/writer pair,
// typically a subprocess's stdout and stdin pipes.
func NewConn(r io.Reader, w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{
		reader:        r,
		writer:        w,
		logger:        pslog.NoopLogger(),
		pending:       make(map[int64]chan *response),
		reqHandlers:   make(map[string]RequestHandler),
		notifHandlers: make(map[string]NotificationHandler),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the read loop in a background goroutine.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close shuts the connection down and fails every pending request with
// ErrClosed. It is safe to call more than once.
func (c *Conn) Close() error {
	c.CloseWithCause(ErrClosed)
	return nil
}

// CloseWithCause shuts the connection down and fails every pending request
// with the given cause. The first call wins; later calls are no-ops.
func (c *Conn) CloseWithCause(cause error) {
	if c.closed.Swap(true) {
		return
	}
	c.cause = cause
	close(c.done)

	// Waiters select on done and report the cause themselves; clearing the
	// map guarantees no late response can resolve them.
	c.mu.Lock()
	c.pending = make(map[int64]chan *response)
	c.mu.Unlock()
}

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// closeCause returns the error the connection was closed with.
func (c *Conn) closeCause() error {
	if c.cause != nil {
		return c.cause
	}
	return ErrClosed
}

// Call sends a request and waits for the matching response or the caller's
// cancellation. On cancellation the pending entry is removed but no cancel
// message is sent to the peer. Ids are strictly increasing and never
// reused for the lifetime of the connection.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, c.closeCause()
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if c.metrics != nil {
		c.metrics.RequestsInflight.Inc()
		defer c.metrics.RequestsInflight.Dec()
	}

	if err := c.send(&request{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// A response that raced the shutdown still wins.
		select {
		case resp := <-ch:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		default:
		}
		return nil, c.closeCause()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification. There is no reply and no waiting.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return c.closeCause()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.send(&request{JSONRPC: "2.0", Method: method, Params: raw})
}

// OnRequest registers a handler for reverse requests with the given method.
// The method "*" registers a catch-all consulted when no exact match
// exists.
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	c.reqHandlers[method] = handler
	c.mu.Unlock()
}

// OnNotification registers a handler for notifications with the given
// method. The method "*" registers a catch-all consulted when no exact
// match exists.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	c.notifHandlers[method] = handler
	c.mu.Unlock()
}

// send writes one framed message. The write lock covers the header+body
// pair so concurrent senders never interleave.
func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop feeds raw chunks into a Framer and dispatches each complete
// frame. A framing error is fatal and closes the connection; a plain read
// error (pipe closed, process gone) ends the loop and leaves lifecycle
// handling to the owner.
func (c *Conn) readLoop(ctx context.Context) {
	framer := NewFramer()
	chunk := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		n, err := c.reader.Read(chunk)
		if n > 0 {
			framer.Feed(chunk[:n])
			for {
				frame, ferr := framer.Next()
				if ferr != nil {
					c.logger.Error("rpc.frame.corrupt", "error", ferr)
					c.CloseWithCause(ferr)
					return
				}
				if frame == nil {
					break
				}
				c.dispatch(ctx, frame)
			}
		}
		if err != nil {
			if !c.closed.Load() && err != io.EOF && err != io.ErrClosedPipe {
				c.logger.Debug("rpc.read.error", "error", err)
			}
			return
		}
	}
}

// dispatch classifies one frame and routes it.
func (c *Conn) dispatch(ctx context.Context, frame json.RawMessage) {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		c.logger.Warn("rpc.frame.unparsable", "error", err)
		return
	}

	switch {
	case p.ID != nil && p.Method == "":
		c.resolve(&response{ID: *p.ID, Result: p.Result, Error: p.Error})
	case p.ID != nil:
		c.handleReverseRequest(ctx, *p.ID, p.Method, p.Params)
	case p.Method != "":
		c.handleNotification(p.Method, p.Params)
	default:
		c.logger.Warn("rpc.frame.unroutable")
	}
}

// resolve completes the pending request matching the response id. A
// response with no matching id is logged and discarded.
func (c *Conn) resolve(resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("rpc.response.unmatched", "id", resp.ID)
		return
	}
	ch <- resp
}

// handleReverseRequest answers a request issued by the peer. The handler
// runs off the read loop so a slow answer never stalls frame dispatch.
func (c *Conn) handleReverseRequest(ctx context.Context, id int64, method string, params json.RawMessage) {
	c.mu.Lock()
	handler, ok := c.reqHandlers[method]
	if !ok {
		handler, ok = c.reqHandlers["*"]
	}
	c.mu.Unlock()

	go func() {
		resp := &response{JSONRPC: "2.0", ID: id}
		if !ok {
			resp.Error = &ResponseError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
		} else if result, err := handler(ctx, method, params); err != nil {
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				resp.Error = respErr
			} else {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
			}
		} else if raw, merr := marshalParams(result); merr != nil {
			resp.Error = &ResponseError{Code: CodeInternalError, Message: merr.Error()}
		} else {
			if raw == nil {
				raw = json.RawMessage("null")
			}
			resp.Result = raw
		}
		if err := c.send(resp); err != nil && !c.closed.Load() {
			c.logger.Warn("rpc.reverse.respond_failed", "method", method, "error", err)
		}
	}()
}

// handleNotification invokes the registered handler synchronously on the
// read loop, preserving per-connection notification order. Panics are
// contained so a broken handler cannot kill the loop.
func (c *Conn) handleNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	handler, ok := c.notifHandlers[method]
	if !ok {
		handler, ok = c.notifHandlers["*"]
	}
	c.mu.Unlock()

	if !ok || handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rpc.notification.panic", "method", method, "panic", r)
		}
	}()
	handler(method, params)
}
