package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/telemetry"
)

// LaunchSpec describes how to start a backend subprocess.
type LaunchSpec struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// WorkDir is the working directory. Empty means inherit.
	WorkDir string

	// Env are additional environment variables layered over the parent's.
	Env map[string]string
}

// ClientState is the lifecycle state of a backend process.
type ClientState int32

const (
	// StateNotStarted means Start has not been called.
	StateNotStarted ClientState = iota
	// StateRunning means the subprocess is alive.
	StateRunning
	// StateExited means the subprocess has terminated.
	StateExited
)

// String returns a human-readable state name.
func (s ClientState) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Client owns one backend subprocess: it spawns it, speaks framed JSON-RPC
// over its stdio, correlates responses, and tears it down. A Client is
// single-shot; once the process exits it is never restarted in place. A
// restart policy constructs a fresh Client.
type Client struct {
	spec    LaunchSpec
	name    string
	logger  pslog.Logger
	metrics *telemetry.Metrics

	shutdownGrace   time.Duration
	shutdownTimeout time.Duration
	exitObserver    func(code int)

	conn *Conn
	cmd  *exec.Cmd

	state    atomic.Int32
	exitCode atomic.Int64
	exited   chan struct{}

	shutdownMu   sync.Mutex
	shutdownDone bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l pslog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientMetrics wires telemetry into the client and its connection.
func WithClientMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithShutdownGrace sets how long Shutdown waits for a voluntary exit
// before killing the process group (default 5s).
func WithShutdownGrace(d time.Duration) ClientOption {
	return func(c *Client) { c.shutdownGrace = d }
}

// WithShutdownRequestTimeout bounds the shutdown request itself
// (default 2s).
func WithShutdownRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.shutdownTimeout = d }
}

// WithExitObserver registers a callback invoked exactly once with the
// process exit code.
func WithExitObserver(fn func(code int)) ClientOption {
	return func(c *Client) { c.exitObserver = fn }
}

// NewClient creates a client for the given backend (not yet started). The
// name labels logs and metrics.
func NewClient(name string, spec LaunchSpec, opts ...ClientOption) *Client {
	c := &Client{
		spec:            spec,
		name:            name,
		logger:          pslog.NoopLogger(),
		shutdownGrace:   5 * time.Second,
		shutdownTimeout: 2 * time.Second,
		exited:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("backend", name)
	return c
}

// Start spawns the subprocess and begins the three background activities:
// piping stderr to the log, watching for process exit, and running the
// read loop over stdout. A spawn failure is returned as *LaunchError.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.spec.WorkDir != "" {
		cmd.Dir = c.spec.WorkDir
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.state.Store(int32(StateExited))
		return &LaunchError{Command: c.spec.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		c.state.Store(int32(StateExited))
		return &LaunchError{Command: c.spec.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		c.state.Store(int32(StateExited))
		return &LaunchError{Command: c.spec.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		c.state.Store(int32(StateExited))
		return &LaunchError{Command: c.spec.Command, Err: err}
	}

	c.cmd = cmd
	connOpts := []ConnOption{WithLogger(c.logger)}
	if c.metrics != nil {
		connOpts = append(connOpts, WithMetrics(c.metrics))
	}
	c.conn = NewConn(stdout, stdin, connOpts...)
	c.conn.Start(ctx)

	go c.pipeStderr(stderr)
	go c.waitExit()

	c.logger.Info("backend.started", "command", c.spec.Command, "pid", cmd.Process.Pid)
	return nil
}

// pipeStderr drains the subprocess's error stream into the log.
func (c *Client) pipeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("backend.stderr", "line", scanner.Text())
	}
}

// waitExit blocks until the process terminates, then fails every pending
// request with ProcessExitedError and reports the code once.
func (c *Client) waitExit() {
	err := c.cmd.Wait()
	code := exitCode(err)

	c.exitCode.Store(int64(code))
	c.state.Store(int32(StateExited))
	c.conn.CloseWithCause(&ProcessExitedError{Code: code})
	close(c.exited)

	if c.metrics != nil {
		c.metrics.BackendExits.WithLabelValues(c.name).Inc()
	}
	c.logger.Info("backend.exit", "code", code)
	if c.exitObserver != nil {
		c.exitObserver(code)
	}
}

// exitCode extracts the process exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// SendRequest sends a request and awaits its response or cancellation.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ClientState(c.state.Load()) != StateRunning {
		return nil, &ProcessExitedError{Code: int(c.exitCode.Load())}
	}
	return c.conn.Call(ctx, method, params)
}

// SendNotification sends a fire-and-forget notification.
func (c *Client) SendNotification(method string, params any) error {
	if ClientState(c.state.Load()) != StateRunning {
		return &ProcessExitedError{Code: int(c.exitCode.Load())}
	}
	return c.conn.Notify(method, params)
}

// OnRequest registers a handler for reverse requests from the backend.
func (c *Client) OnRequest(method string, handler RequestHandler) {
	c.conn.OnRequest(method, handler)
}

// OnNotification registers a handler for backend notifications. Method "*"
// registers a catch-all.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.conn.OnNotification(method, handler)
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Exited is closed when the subprocess has terminated.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

// ExitCode returns the process exit code; meaningful once Exited is closed.
func (c *Client) ExitCode() int {
	return int(c.exitCode.Load())
}

// Shutdown performs the graceful teardown handshake: a shutdown request
// with a short timeout, an exit notification, then a bounded wait for a
// voluntary exit before the process group is killed. Any failure along the
// way falls through to the kill. Safe to call more than once; calls after
// the first are no-ops.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdownDone {
		return nil
	}
	c.shutdownDone = true

	if ClientState(c.state.Load()) != StateRunning {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	if _, err := c.conn.Call(reqCtx, "shutdown", nil); err != nil {
		c.logger.Debug("backend.shutdown.request_failed", "error", err)
	}
	cancel()
	if err := c.conn.Notify("exit", nil); err != nil {
		c.logger.Debug("backend.shutdown.exit_failed", "error", err)
	}

	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
	case <-time.After(c.shutdownGrace):
	}

	c.logger.Warn("backend.shutdown.forcing_kill")
	killProcessGroup(c.cmd)

	select {
	case <-c.exited:
	case <-time.After(c.shutdownGrace):
		c.logger.Error("backend.shutdown.unkillable")
	}
	return nil
}
