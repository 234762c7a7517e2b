package proxy

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/protocol"
	"github.com/dshills/loom/internal/rpc"
)

// progressReporter publishes the proxy's own long-running work to the
// editor as $/progress, distinct from the backend progress that merely
// relays through. An editor that refuses the token downgrades everything
// to a no-op.
type progressReporter struct {
	conn   *rpc.Conn
	logger pslog.Logger
}

func newProgressReporter(conn *rpc.Conn, logger pslog.Logger) *progressReporter {
	return &progressReporter{conn: conn, logger: logger}
}

// begin registers a fresh progress token and announces the work. The
// returned func ends the report; it is safe to call even when the token
// registration failed.
func (p *progressReporter) begin(ctx context.Context, title string) func() {
	token := uuid.NewString()

	create := map[string]any{"token": token}
	if _, err := p.conn.Call(ctx, protocol.MethodWorkDoneProgressCreate, create); err != nil {
		p.logger.Debug("proxy.progress_unsupported", "error", err)
		return func() {}
	}

	p.notify(token, map[string]any{"kind": "begin", "title": title})
	return func() {
		p.notify(token, map[string]any{"kind": "end"})
	}
}

func (p *progressReporter) notify(token string, value map[string]any) {
	payload, err := json.Marshal(map[string]any{"token": token, "value": value})
	if err != nil {
		return
	}
	if err := p.conn.Notify(protocol.MethodProgress, json.RawMessage(payload)); err != nil && !p.conn.Closed() {
		p.logger.Debug("proxy.progress_notify_failed", "error", err)
	}
}
