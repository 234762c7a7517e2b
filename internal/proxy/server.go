// Package proxy wires the editor-facing connection to the supervised
// backends: it answers the lifecycle handshake itself, fans document
// notifications out to every backend, routes semantic requests by method,
// and drains each backend's notification pump back to the editor.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/config"
	"github.com/dshills/loom/internal/protocol"
	"github.com/dshills/loom/internal/rpc"
	"github.com/dshills/loom/internal/telemetry"
	"github.com/dshills/loom/internal/workspace"
)

// Version is reported to the editor in the initialize response.
const Version = "0.1.0"

// backendCode and backendMarkup are the config keys the router knows.
const (
	backendCode   = "code"
	backendMarkup = "markup"
)

// formattingMethods route to the markup backend; everything else semantic
// goes to the code backend.
var formattingMethods = map[string]struct{}{
	"textDocument/formatting":       {},
	"textDocument/rangeFormatting":  {},
	"textDocument/onTypeFormatting": {},
}

// Server is the proxy core: one editor connection in front, one supervised
// Backend per configured subprocess behind.
type Server struct {
	cfg     *config.Config
	logger  pslog.Logger
	metrics *telemetry.Metrics

	conn     *rpc.Conn
	code     *Backend
	markup   *Backend
	progress *progressReporter

	requestTimeout time.Duration
	rootURI        string

	shutdownSeen atomic.Bool
	exited       chan struct{}
	exitOnce     sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l pslog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics wires telemetry into the server and everything it
// builds.
func WithServerMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a proxy server from the loaded configuration. The
// "code" backend is required; "markup" is optional, in which case
// formatting requests fall through to the code backend.
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	if _, ok := cfg.Backends[backendCode]; !ok {
		return nil, fmt.Errorf("configuration has no %q backend", backendCode)
	}

	s := &Server{
		cfg:            cfg,
		logger:         pslog.NoopLogger(),
		requestTimeout: cfg.Timeouts.Request.Duration(),
		exited:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run serves one editor session over the given stream, typically stdin and
// stdout. It returns when the editor sends exit, closes its end, or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	eof := make(chan struct{})
	s.conn = rpc.NewConn(&eofSignal{r: r, ch: eof}, w, rpc.WithLogger(s.logger))
	s.progress = newProgressReporter(s.conn, s.logger)

	s.code = s.newBackend(backendCode, s.cfg.Backends[backendCode])
	if bc, ok := s.cfg.Backends[backendMarkup]; ok {
		s.markup = s.newBackend(backendMarkup, bc)
	}

	s.registerHandlers()
	s.conn.Start(ctx)
	s.logger.Info("proxy.serving")

	select {
	case <-ctx.Done():
		s.logger.Info("proxy.cancelled")
	case <-eof:
		s.logger.Info("proxy.editor_disconnected")
	case <-s.exited:
		s.logger.Info("proxy.exit_received")
	}

	return s.teardown()
}

// newBackend builds one supervised backend whose pump drains into the
// editor connection and whose reverse requests relay through the proxy.
func (s *Server) newBackend(name string, bc config.Backend) *Backend {
	cfg := BackendConfig{
		Name: name,
		Spec: rpc.LaunchSpec{
			Command: bc.Command,
			Args:    bc.Args,
			WorkDir: bc.WorkDir,
			Env:     bc.Env,
		},
		InitializationOptions: bc.InitializationOptions,
		MaxRestarts:           bc.MaxRestarts,
		RegularCapacity:       s.cfg.Pump.RegularCapacity,
		ShutdownGrace:         s.cfg.Timeouts.ShutdownGrace.Duration(),
	}

	opts := []BackendOption{
		WithBackendLogger(s.logger),
		// Capability registrations are absorbed: the proxy already declared
		// a static capability set in the initialize response.
		WithReverseHandler(protocol.MethodRegisterCapability, func(context.Context, string, json.RawMessage) (any, error) {
			return nil, nil
		}),
		WithReverseHandler(protocol.MethodUnregisterCapability, func(context.Context, string, json.RawMessage) (any, error) {
			return nil, nil
		}),
		WithReverseHandler(protocol.MethodWorkDoneProgressCreate, s.relayProgressCreate),
		WithReverseHandler("*", s.relayReverse),
	}
	if s.metrics != nil {
		opts = append(opts, WithBackendMetrics(s.metrics))
	}
	return NewBackend(cfg, s.forwardToEditor, opts...)
}

// forwardToEditor pushes one surviving backend notification up the editor
// connection. It runs on a pump's consumer goroutine.
func (s *Server) forwardToEditor(method string, params json.RawMessage) {
	if err := s.conn.Notify(method, params); err != nil && !s.conn.Closed() {
		s.logger.Warn("proxy.forward_failed", "method", method, "error", err)
	}
}

// relayProgressCreate passes a backend's progress-token registration to the
// editor. An editor that rejects it gets best-effort progress dropped, not
// a broken backend, so the backend always sees success.
func (s *Server) relayProgressCreate(ctx context.Context, _ string, params json.RawMessage) (any, error) {
	if _, err := s.conn.Call(ctx, protocol.MethodWorkDoneProgressCreate, params); err != nil {
		s.logger.Debug("proxy.progress_create_rejected", "error", err)
	}
	return nil, nil
}

// relayReverse forwards any other backend-issued request to the editor and
// returns the editor's answer verbatim, errors included.
func (s *Server) relayReverse(ctx context.Context, method string, params json.RawMessage) (any, error) {
	result, err := s.conn.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// registerHandlers installs the editor-facing method table. Exact-match
// entries win over the catch-alls.
func (s *Server) registerHandlers() {
	s.conn.OnRequest(protocol.MethodInitialize, s.handleInitialize)
	s.conn.OnRequest(protocol.MethodShutdown, s.handleShutdown)
	s.conn.OnRequest("*", s.routeRequest)

	s.conn.OnNotification(protocol.MethodInitialized, func(string, json.RawMessage) {
		// The proxy runs its own handshake against each backend, so the
		// editor's initialized stops here.
		s.logger.Debug("proxy.initialized")
	})
	s.conn.OnNotification(protocol.MethodExit, func(string, json.RawMessage) {
		s.exitOnce.Do(func() { close(s.exited) })
	})
	s.conn.OnNotification(protocol.MethodCancelRequest, func(_ string, params json.RawMessage) {
		// Backend-side ids never match the editor's, so cancellation stops
		// at the proxy; the pending call is abandoned, never retracted.
		s.logger.Debug("proxy.cancel_ignored", "id", gjson.GetBytes(params, "id").Raw)
	})
	s.conn.OnNotification(protocol.MethodDidOpen, s.handleDidOpen)
	s.conn.OnNotification(protocol.MethodDidChange, s.handleDidChange)
	s.conn.OnNotification(protocol.MethodDidClose, s.handleDidClose)
	s.conn.OnNotification(protocol.MethodDidSave, s.handleDidSave)
	s.conn.OnNotification("*", s.handleNotification)
}

// handleInitialize answers the editor with the proxy's static capability
// set and launches the backends. Backends initialize in the background;
// the readiness gates hold back traffic until each handshake completes.
func (s *Server) handleInitialize(ctx context.Context, _ string, params json.RawMessage) (any, error) {
	s.rootURI = gjson.GetBytes(params, "rootUri").String()
	if s.rootURI == "" {
		if cwd, err := os.Getwd(); err == nil {
			s.rootURI = "file://" + workspace.FindRoot(cwd, nil)
		}
	}

	go s.launchBackends(ctx)

	return map[string]any{
		"capabilities": Capabilities(),
		"serverInfo": map[string]any{
			"name":    "loom",
			"version": Version,
		},
	}, nil
}

// launchBackends starts every configured backend and reports startup
// progress to the editor.
func (s *Server) launchBackends(ctx context.Context) {
	end := s.progress.begin(ctx, "loom: starting language backends")
	defer end()

	backends := []*Backend{s.code}
	if s.markup != nil {
		backends = append(backends, s.markup)
	}

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			if err := b.Start(ctx, s.rootURI); err != nil {
				s.logger.Error("proxy.backend_start_failed", "backend", b.cfg.Name, "error", err)
				return
			}
			select {
			case <-b.Ready():
			case <-time.After(initializeTimeout):
				s.logger.Warn("proxy.backend_slow_start", "backend", b.cfg.Name)
			}
		}(b)
	}
	wg.Wait()
}

// handleShutdown tears the backends down but keeps the connection open for
// the trailing exit notification.
func (s *Server) handleShutdown(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	if s.shutdownSeen.Swap(true) {
		return nil, nil
	}
	s.logger.Info("proxy.shutdown")
	s.shutdownBackends(ctx)
	return nil, nil
}

// routeRequest relays a semantic request to the backend its method belongs
// to, bounded by the configured request timeout. Backend errors pass
// through to the editor unchanged.
func (s *Server) routeRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	rctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	result, err := s.backendFor(method).Request(rctx, method, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// backendFor picks the backend a method routes to.
func (s *Server) backendFor(method string) *Backend {
	if _, ok := formattingMethods[method]; ok && s.markup != nil {
		return s.markup
	}
	return s.code
}

// handleDidOpen fans the open out to every backend. Tracking happens
// synchronously so a didChange arriving right behind the open always finds
// the document pending.
func (s *Server) handleDidOpen(_ string, params json.RawMessage) {
	s.eachBackend(func(b *Backend) {
		if err := b.DidOpen(params); err != nil {
			s.logger.Warn("proxy.open_failed", "backend", b.cfg.Name, "error", err)
		}
	})
}

func (s *Server) handleDidChange(_ string, params json.RawMessage) {
	s.eachBackend(func(b *Backend) {
		if err := b.DidChange(params); err != nil {
			s.logger.Warn("proxy.change_failed", "backend", b.cfg.Name, "error", err)
		}
	})
}

func (s *Server) handleDidClose(_ string, params json.RawMessage) {
	s.eachBackend(func(b *Backend) {
		if err := b.DidClose(params); err != nil {
			s.logger.Warn("proxy.close_failed", "backend", b.cfg.Name, "error", err)
		}
	})
}

func (s *Server) handleDidSave(_ string, params json.RawMessage) {
	s.eachBackend(func(b *Backend) {
		if err := b.DidSave(params); err != nil {
			s.logger.Warn("proxy.save_failed", "backend", b.cfg.Name, "error", err)
		}
	})
}

// handleNotification relays any other editor notification to every backend
// through its serialized relay, preserving the editor's send order without
// blocking the editor's read loop.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	s.eachBackend(func(b *Backend) {
		b.Relay(method, params)
	})
}

// eachBackend runs fn over the configured backends in a fixed order.
func (s *Server) eachBackend(fn func(*Backend)) {
	fn(s.code)
	if s.markup != nil {
		fn(s.markup)
	}
}

// shutdownBackends tears both backends down in parallel, bounded by the
// configured grace period.
func (s *Server) shutdownBackends(ctx context.Context) {
	grace := s.cfg.Timeouts.ShutdownGrace.Duration()
	sctx, cancel := context.WithTimeout(ctx, 2*grace)
	defer cancel()

	var wg sync.WaitGroup
	s.eachBackend(func(b *Backend) {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			if err := b.Shutdown(sctx); err != nil {
				s.logger.Warn("proxy.backend_shutdown", "backend", b.cfg.Name, "error", err)
			}
		}(b)
	})
	wg.Wait()
}

// teardown runs at the end of a session regardless of how it ended.
func (s *Server) teardown() error {
	if !s.shutdownSeen.Swap(true) {
		s.shutdownBackends(context.Background())
	}
	s.conn.Close()
	s.logger.Info("proxy.stopped")
	return nil
}

// eofSignal closes ch the first time the wrapped reader fails, letting Run
// notice an editor that vanished without the shutdown handshake.
type eofSignal struct {
	r    io.Reader
	once sync.Once
	ch   chan struct{}
}

func (e *eofSignal) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() { close(e.ch) })
	}
	return n, err
}
