package proxy

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/docsync"
	"github.com/dshills/loom/internal/protocol"
	"github.com/dshills/loom/internal/pump"
	"github.com/dshills/loom/internal/rpc"
	"github.com/dshills/loom/internal/telemetry"
)

const (
	initializeTimeout = 30 * time.Second
	resyncTimeout     = 30 * time.Second

	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2.0

	// relayTimeout bounds how long a relayed editor notification may wait
	// on the readiness gate before the relay moves on.
	relayTimeout = 30 * time.Second

	// restartResetWindow is how long a backend must stay up before its
	// crash count resets.
	restartResetWindow = 5 * time.Minute
)

// BackendConfig describes one supervised backend.
type BackendConfig struct {
	Name string
	Spec rpc.LaunchSpec

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions map[string]any

	// MaxRestarts caps crash recovery attempts. Zero means a crash is
	// final.
	MaxRestarts int

	// RegularCapacity bounds the backend's droppable notification lane.
	RegularCapacity int

	ShutdownGrace time.Duration
}

// trackedDocument mirrors the editor's view of one open document so a
// restarted backend can be brought back to the current state.
type trackedDocument struct {
	languageID string
	version    int
	text       string
}

// Backend bundles everything the proxy holds per subprocess: the supervised
// rpc.Client, the document coordinator gated on the initialize handshake,
// and the notification pump draining toward the editor. The pump and the
// document mirror outlive individual processes; the client, coordinator,
// and readiness gate are rebuilt on every restart.
type Backend struct {
	cfg     BackendConfig
	logger  pslog.Logger
	metrics *telemetry.Metrics

	// forward delivers a surviving pump item to the editor.
	forward func(method string, params json.RawMessage)

	// reverse handlers are installed on every fresh client.
	reverse map[string]rpc.RequestHandler

	rootURI string
	queue   *pump.Pump

	// relay serializes editor-originated catch-all notifications toward the
	// subprocess so they arrive in the order the editor sent them. notify is
	// its delivery func, split out so tests can intercept it.
	relay  *pump.Pump
	notify func(ctx context.Context, method string, params json.RawMessage) error

	mu        sync.Mutex
	client    *rpc.Client
	docs      *docsync.Coordinator
	ready     chan struct{}
	restarts  int
	lastStart time.Time
	stopping  bool
	failed    bool

	trackedMu sync.RWMutex
	tracked   map[protocol.DocumentURI]trackedDocument
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets the backend logger.
func WithBackendLogger(l pslog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithBackendMetrics wires telemetry into the backend, its pump, and its
// clients.
func WithBackendMetrics(m *telemetry.Metrics) BackendOption {
	return func(b *Backend) { b.metrics = m }
}

// WithReverseHandler registers a handler for reverse requests issued by
// the backend process. Method "*" registers a catch-all.
func WithReverseHandler(method string, h rpc.RequestHandler) BackendOption {
	return func(b *Backend) { b.reverse[method] = h }
}

// NewBackend creates a backend that forwards surviving notifications
// through forward. The backend is not started.
func NewBackend(cfg BackendConfig, forward func(method string, params json.RawMessage), opts ...BackendOption) *Backend {
	b := &Backend{
		cfg:     cfg,
		logger:  pslog.NoopLogger(),
		forward: forward,
		reverse: make(map[string]rpc.RequestHandler),
		tracked: make(map[protocol.DocumentURI]trackedDocument),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("backend", cfg.Name)

	pumpOpts := []pump.Option{
		pump.WithRegularCapacity(cfg.RegularCapacity),
		pump.WithLogger(b.logger),
	}
	if b.metrics != nil {
		pumpOpts = append(pumpOpts, pump.WithMetrics(b.metrics))
	}
	b.queue = pump.New(b.deliver, pumpOpts...)
	b.notify = b.Notify
	b.relay = pump.New(b.deliverRelay, pump.WithLogger(b.logger))
	return b
}

// deliver is the pump's consumer: it pushes one surviving notification to
// the editor.
func (b *Backend) deliver(_ context.Context, item pump.Item) {
	b.forward(item.Method, item.Params)
}

// deliverRelay is the relay's consumer: it hands one editor notification to
// the subprocess, waiting out the readiness gate so nothing overtakes it.
// The pump's context unblocks the wait when the relay is closed.
func (b *Backend) deliverRelay(ctx context.Context, item pump.Item) {
	nctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	if err := b.notify(nctx, item.Method, item.Params); err != nil {
		b.logger.Debug("backend.relay_failed", "method", item.Method, "error", err)
	}
}

// Relay queues an editor notification for in-order delivery to the
// subprocess. It never blocks the caller; items ride the relay's High lane
// so none are dropped.
func (b *Backend) Relay(method string, params json.RawMessage) {
	b.relay.Enqueue(pump.Item{
		Method:   method,
		Params:   params,
		Priority: protocol.PriorityHigh,
	}, nil)
}

// Start launches the subprocess and begins the initialize handshake. The
// backend is usable immediately; requests and document opens block on the
// readiness gate until the handshake completes.
func (b *Backend) Start(ctx context.Context, rootURI string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rootURI = rootURI
	return b.startLocked(ctx)
}

// startLocked builds a fresh client, coordinator, and readiness gate, then
// spawns the handshake. Must hold mu.
func (b *Backend) startLocked(ctx context.Context) error {
	ready := make(chan struct{})

	clientOpts := []rpc.ClientOption{
		rpc.WithClientLogger(b.logger),
		rpc.WithExitObserver(b.onExit),
	}
	if b.metrics != nil {
		clientOpts = append(clientOpts, rpc.WithClientMetrics(b.metrics))
	}
	if b.cfg.ShutdownGrace > 0 {
		clientOpts = append(clientOpts, rpc.WithShutdownGrace(b.cfg.ShutdownGrace))
	}
	client := rpc.NewClient(b.cfg.Name, b.cfg.Spec, clientOpts...)

	if err := client.Start(ctx); err != nil {
		return err
	}

	client.OnNotification("*", b.enqueue)
	for method, handler := range b.reverse {
		client.OnRequest(method, handler)
	}

	b.client = client
	b.ready = ready
	b.lastStart = time.Now()
	b.docs = docsync.NewCoordinator(func(method string, params json.RawMessage) error {
		return client.SendNotification(method, params)
	}, ready, docsync.WithCoordinatorLogger(b.logger))

	go b.initialize(client, ready)
	return nil
}

// initialize performs the initialize/initialized handshake and opens the
// readiness gate. A failed handshake tears the process down, which routes
// recovery through the exit observer.
func (b *Backend) initialize(client *rpc.Client, ready chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), initializeTimeout)
	defer cancel()

	params := map[string]any{
		"processId":    os.Getpid(),
		"rootUri":      b.rootURI,
		"capabilities": map[string]any{},
	}
	if b.rootURI == "" {
		params["rootUri"] = nil
	}
	if len(b.cfg.InitializationOptions) > 0 {
		params["initializationOptions"] = b.cfg.InitializationOptions
	}

	if _, err := client.SendRequest(ctx, protocol.MethodInitialize, params); err != nil {
		b.logger.Error("backend.initialize_failed", "error", err)
		_ = client.Shutdown(ctx)
		return
	}
	if err := client.SendNotification(protocol.MethodInitialized, map[string]any{}); err != nil {
		b.logger.Error("backend.initialized_failed", "error", err)
		_ = client.Shutdown(ctx)
		return
	}

	close(ready)
	b.logger.Info("backend.ready")
}

// enqueue queues one backend notification for delivery to the editor. It
// runs on the client's read loop, so enqueueing must stay bounded-time.
func (b *Backend) enqueue(method string, params json.RawMessage) {
	b.queue.Enqueue(pump.Item{
		Method:   method,
		Params:   params,
		Priority: protocol.PriorityOf(method),
	}, nil)
}

// onExit handles a subprocess exit: expected during shutdown, otherwise a
// crash that triggers capped restarts with exponential backoff.
func (b *Backend) onExit(code int) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}

	if time.Since(b.lastStart) > restartResetWindow {
		b.restarts = 0
	}
	b.restarts++
	attempt := b.restarts

	if attempt > b.cfg.MaxRestarts {
		b.failed = true
		b.mu.Unlock()
		b.logger.Error("backend.failed", "code", code, "attempts", attempt-1)
		b.announceFailure()
		return
	}
	b.mu.Unlock()

	delay := backoffFor(attempt)
	b.logger.Warn("backend.crashed", "code", code, "attempt", attempt, "retry_in", delay)
	time.Sleep(delay)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return
	}

	if b.metrics != nil {
		b.metrics.BackendRestarts.WithLabelValues(b.cfg.Name).Inc()
	}
	if err := b.startLocked(context.Background()); err != nil {
		b.logger.Error("backend.restart_failed", "attempt", attempt, "error", err)
		// Re-enter the crash path by hand; there is no process to observe.
		go b.onExit(-1)
		return
	}

	docs := b.docs
	go b.resync(docs)
	b.logger.Info("backend.restarted", "attempt", attempt)
}

// announceFailure tells the editor the backend is gone for good. The
// message rides the High lane so backpressure cannot drop it.
func (b *Backend) announceFailure() {
	payload, err := json.Marshal(map[string]any{
		"type":    1, // MessageType.Error
		"message": "loom: backend " + b.cfg.Name + " exceeded its restart limit and will not be retried",
	})
	if err != nil {
		return
	}
	b.queue.Enqueue(pump.Item{
		Method:   protocol.MethodShowMessage,
		Params:   payload,
		Priority: protocol.PriorityHigh,
	}, nil)
}

// resync replays every tracked document into a recovered backend so its
// view matches the editor's.
func (b *Backend) resync(docs *docsync.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	b.trackedMu.RLock()
	snapshot := make(map[protocol.DocumentURI]trackedDocument, len(b.tracked))
	for uri, doc := range b.tracked {
		snapshot[uri] = doc
	}
	b.trackedMu.RUnlock()

	for uri, doc := range snapshot {
		params, err := json.Marshal(protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        uri,
				LanguageID: doc.languageID,
				Version:    doc.version,
				Text:       doc.text,
			},
		})
		if err != nil {
			b.logger.Error("backend.resync.marshal", "uri", string(uri), "error", err)
			continue
		}
		if _, err := docs.TrackOpen(params); err != nil {
			b.logger.Error("backend.resync.track", "uri", string(uri), "error", err)
			continue
		}
		if err := docs.ForwardOpen(ctx, uri, params); err != nil {
			b.logger.Warn("backend.resync.open", "uri", string(uri), "error", err)
		}
	}
}

// Request routes a request to the backend once it is ready. Readiness
// waits are bounded by the caller's context.
func (b *Backend) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	client, ready, failed := b.client, b.ready, b.failed
	b.mu.Unlock()

	if failed || client == nil {
		return nil, &rpc.ProcessExitedError{Code: -1}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ready:
	}
	return client.SendRequest(ctx, method, params)
}

// DidOpen records the document in the mirror, tracks it as pending-open,
// and forwards the open off the caller's goroutine so a slow handshake
// never stalls the editor stream.
func (b *Backend) DidOpen(params json.RawMessage) error {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())
	b.trackedMu.Lock()
	b.tracked[uri] = trackedDocument{
		languageID: gjson.GetBytes(params, "textDocument.languageId").String(),
		version:    int(gjson.GetBytes(params, "textDocument.version").Int()),
		text:       gjson.GetBytes(params, "textDocument.text").String(),
	}
	b.trackedMu.Unlock()

	b.mu.Lock()
	docs := b.docs
	b.mu.Unlock()
	if docs == nil {
		return nil
	}

	trackedURI, err := docs.TrackOpen(params)
	if err != nil {
		return err
	}
	go func() {
		if err := docs.ForwardOpen(context.Background(), trackedURI, params); err != nil {
			b.logger.Warn("backend.open.forward", "uri", string(trackedURI), "error", err)
		}
	}()
	return nil
}

// DidChange folds the edit into the document mirror and hands it to the
// coordinator, which forwards, patches, buffers, or drops it depending on
// the document's state.
func (b *Backend) DidChange(params json.RawMessage) error {
	b.updateTracked(params)

	b.mu.Lock()
	docs := b.docs
	b.mu.Unlock()
	if docs == nil {
		return nil
	}
	return docs.HandleChange(params)
}

// updateTracked applies a didChange to the document mirror so restarts
// replay current content.
func (b *Backend) updateTracked(params json.RawMessage) {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())

	b.trackedMu.Lock()
	defer b.trackedMu.Unlock()
	doc, ok := b.tracked[uri]
	if !ok {
		return
	}

	var change protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(params, &change); err != nil {
		return
	}
	text, version, ok := docsync.ApplyIncrementalEdits(doc.text, doc.version, change.TextDocument.Version, change.ContentChanges)
	if !ok {
		b.logger.Warn("backend.mirror.edit_rejected", "uri", string(uri), "version", change.TextDocument.Version)
		return
	}
	doc.text = text
	doc.version = version
	b.tracked[uri] = doc
}

// DidClose drops the document everywhere and forwards the close only when
// the open had actually reached the process.
func (b *Backend) DidClose(params json.RawMessage) error {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())
	b.trackedMu.Lock()
	delete(b.tracked, uri)
	b.trackedMu.Unlock()

	b.mu.Lock()
	docs, client := b.docs, b.client
	b.mu.Unlock()
	if docs == nil {
		return nil
	}

	wasOpen, err := docs.HandleClose(params)
	if err != nil {
		return err
	}
	if wasOpen && client != nil {
		return client.SendNotification(protocol.MethodDidClose, params)
	}
	return nil
}

// DidSave forwards a save only for documents whose open has gone
// downstream.
func (b *Backend) DidSave(params json.RawMessage) error {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())

	b.mu.Lock()
	docs, client := b.docs, b.client
	b.mu.Unlock()
	if docs == nil || client == nil || !docs.IsOpen(uri) {
		return nil
	}
	return client.SendNotification(protocol.MethodDidSave, params)
}

// Notify relays a notification once the backend is ready, waiting at most
// the caller's context allows.
func (b *Backend) Notify(ctx context.Context, method string, params json.RawMessage) error {
	b.mu.Lock()
	client, ready, failed := b.client, b.ready, b.failed
	b.mu.Unlock()

	if failed || client == nil {
		return &rpc.ProcessExitedError{Code: -1}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
	}
	return client.SendNotification(method, params)
}

// Ready returns the current readiness gate. It is replaced on restart.
func (b *Backend) Ready() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Stats reports the backend's pump counters.
func (b *Backend) Stats() pump.Stats {
	return b.queue.Stats()
}

// Shutdown stops supervision, drains the pump without delivering, and
// tears down the subprocess.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.stopping = true
	client := b.client
	b.mu.Unlock()

	b.queue.Close()
	b.relay.Close()
	if client == nil {
		return nil
	}
	return client.Shutdown(ctx)
}

// backoffFor returns the delay before restart attempt n, growing
// geometrically from initialBackoff up to maxBackoff.
func backoffFor(attempt int) time.Duration {
	if attempt <= 1 {
		return initialBackoff
	}
	delay := float64(initialBackoff) * math.Pow(backoffMultiplier, float64(attempt-1))
	if delay > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}
