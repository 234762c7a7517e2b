// Package docsync keeps each open document's synchronization state
// consistent between the editor and a backend that may not have
// acknowledged the document as open yet. Backends crash on a didChange for
// an unopened document, so edits that race ahead of the open are either
// folded into the pending open's text or buffered and replayed once the
// open has gone downstream.
package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/protocol"
)

// SendFunc forwards one notification downstream to the backend.
type SendFunc func(method string, params json.RawMessage) error

// PendingDocument is a document the editor has opened but whose didOpen has
// not yet been forwarded. Incoming edits patch it in place so a delayed
// open carries current content rather than stale content.
type PendingDocument struct {
	URI        protocol.DocumentURI
	LanguageID string
	Version    int
	Text       string
}

// Coordinator tracks per-URI document state for one backend. A document is
// in exactly one of three states: untracked, pending-open (didOpen not yet
// forwarded), or open. URIs are compared byte-wise.
type Coordinator struct {
	send   SendFunc
	ready  <-chan struct{}
	logger pslog.Logger

	mu      sync.Mutex
	pending map[protocol.DocumentURI]*PendingDocument
	// buffers holds raw didChange payloads that arrived while the didOpen
	// was in flight; replayed FIFO before the document flips to open.
	buffers map[protocol.DocumentURI][]json.RawMessage
	open    map[protocol.DocumentURI]struct{}
	// closing holds didClose payloads for documents closed while their
	// didOpen was on the wire; the replay pass sends them right after the
	// open so the backend never holds a ghost document.
	closing map[protocol.DocumentURI]json.RawMessage
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(l pslog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator that forwards through send once
// ready is closed. A nil ready channel means the backend is ready
// immediately.
func NewCoordinator(send SendFunc, ready <-chan struct{}, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		send:    send,
		ready:   ready,
		logger:  pslog.NoopLogger(),
		pending: make(map[protocol.DocumentURI]*PendingDocument),
		buffers: make(map[protocol.DocumentURI][]json.RawMessage),
		open:    make(map[protocol.DocumentURI]struct{}),
		closing: make(map[protocol.DocumentURI]json.RawMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleOpen processes the editor's didOpen end to end: it tracks the
// document as pending-open, waits for backend readiness, forwards the open
// carrying the latest tracked text, then replays any edits buffered while
// the open was in flight, in arrival order, before marking the document
// open. HandleOpen blocks until the flush completes; callers that must not
// block use TrackOpen followed by ForwardOpen on another goroutine.
func (c *Coordinator) HandleOpen(ctx context.Context, params json.RawMessage) error {
	uri, err := c.TrackOpen(params)
	if err != nil {
		return err
	}
	return c.ForwardOpen(ctx, uri, params)
}

// TrackOpen registers the didOpen's document as pending-open and returns
// its URI. It never blocks; edits arriving after TrackOpen patch the
// pending text until the open is forwarded.
func (c *Coordinator) TrackOpen(params json.RawMessage) (protocol.DocumentURI, error) {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())
	if uri == "" {
		return "", fmt.Errorf("didOpen params missing textDocument.uri")
	}

	doc := &PendingDocument{
		URI:        uri,
		LanguageID: gjson.GetBytes(params, "textDocument.languageId").String(),
		Version:    int(gjson.GetBytes(params, "textDocument.version").Int()),
		Text:       gjson.GetBytes(params, "textDocument.text").String(),
	}

	c.mu.Lock()
	c.pending[uri] = doc
	c.mu.Unlock()
	return uri, nil
}

// ForwardOpen waits for backend readiness, sends the tracked document's
// didOpen, then replays buffered edits FIFO before marking the URI open.
func (c *Coordinator) ForwardOpen(ctx context.Context, uri protocol.DocumentURI, params json.RawMessage) error {
	if c.ready != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ready:
		}
	}

	c.mu.Lock()
	doc, stillPending := c.pending[uri]
	if !stillPending {
		// Closed while we waited; nothing to forward.
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, uri)
	c.buffers[uri] = nil
	c.mu.Unlock()

	payload, err := openPayload(params, doc)
	if err != nil {
		return err
	}
	if err := c.send(protocol.MethodDidOpen, payload); err != nil {
		// The open never made it downstream, so no close is owed and a
		// stale entry must not fire after a later reopen.
		c.mu.Lock()
		delete(c.closing, uri)
		c.mu.Unlock()
		return err
	}
	return c.flush(uri)
}

// flush replays buffered didChange payloads FIFO until the buffer is empty,
// then marks the document open. Edits arriving mid-replay land in the
// buffer and are picked up by the next pass, so nothing overtakes them. A
// close that landed while the open was on the wire is settled here: the
// didOpen reached the backend, so the backend gets the owed didClose
// instead of the replay.
func (c *Coordinator) flush(uri protocol.DocumentURI) error {
	for {
		c.mu.Lock()
		if params, owed := c.closing[uri]; owed {
			delete(c.closing, uri)
			c.mu.Unlock()
			return c.send(protocol.MethodDidClose, params)
		}
		buffered, tracked := c.buffers[uri]
		if !tracked {
			// Closed mid-replay.
			c.mu.Unlock()
			return nil
		}
		if len(buffered) == 0 {
			delete(c.buffers, uri)
			c.open[uri] = struct{}{}
			c.mu.Unlock()
			return nil
		}
		c.buffers[uri] = nil
		c.mu.Unlock()

		for _, payload := range buffered {
			if err := c.send(protocol.MethodDidChange, payload); err != nil {
				return err
			}
		}
	}
}

// HandleChange processes the editor's didChange. Open documents forward
// immediately. Pending-open documents absorb the edit into their tracked
// text. Documents whose open is in flight buffer the raw payload for
// replay. Untracked documents drop the edit, since forwarding it would
// crash the backend.
func (c *Coordinator) HandleChange(params json.RawMessage) error {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())
	if uri == "" {
		return fmt.Errorf("didChange params missing textDocument.uri")
	}

	c.mu.Lock()
	if _, isOpen := c.open[uri]; isOpen {
		c.mu.Unlock()
		return c.send(protocol.MethodDidChange, params)
	}

	if doc, isPending := c.pending[uri]; isPending {
		err := c.patchPending(doc, params)
		c.mu.Unlock()
		return err
	}

	if buffered, inFlight := c.buffers[uri]; inFlight {
		c.buffers[uri] = append(buffered, params)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("docsync.change.untracked", "uri", string(uri))
	return nil
}

// patchPending applies a didChange to a pending-open document's text in
// place. An invalid edit leaves the document untouched and is logged; a
// single malformed edit must not corrupt an otherwise-useful copy.
func (c *Coordinator) patchPending(doc *PendingDocument, params json.RawMessage) error {
	var change protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(params, &change); err != nil {
		return fmt.Errorf("parse didChange params: %w", err)
	}

	text, version, ok := ApplyIncrementalEdits(doc.Text, doc.Version, change.TextDocument.Version, change.ContentChanges)
	if !ok {
		c.logger.Warn("docsync.edit.rejected", "uri", string(doc.URI), "version", change.TextDocument.Version)
		return nil
	}
	doc.Text = text
	doc.Version = version
	return nil
}

// HandleClose tears down all state for the URI unconditionally and reports
// whether the document's open had been forwarded, so the caller knows
// whether the backend needs a didClose. A document whose didOpen is on the
// wire reports wasOpen=false, but the coordinator itself owes the backend a
// didClose and sends it as soon as the open lands.
func (c *Coordinator) HandleClose(params json.RawMessage) (bool, error) {
	uri := protocol.DocumentURI(gjson.GetBytes(params, "textDocument.uri").String())
	if uri == "" {
		return false, fmt.Errorf("didClose params missing textDocument.uri")
	}

	c.mu.Lock()
	_, wasOpen := c.open[uri]
	if _, inFlight := c.buffers[uri]; inFlight && !wasOpen {
		// The didOpen is mid-send. Discard the buffered edits and leave the
		// didClose for the replay pass to deliver after the open.
		delete(c.pending, uri)
		delete(c.buffers, uri)
		c.closing[uri] = params
		c.mu.Unlock()
		return false, nil
	}
	delete(c.pending, uri)
	delete(c.buffers, uri)
	delete(c.open, uri)
	c.mu.Unlock()

	return wasOpen, nil
}

// IsOpen reports whether the URI's open has been forwarded downstream.
func (c *Coordinator) IsOpen(uri protocol.DocumentURI) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.open[uri]
	return ok
}

// PendingText returns the tracked text and version of a pending-open
// document, if any.
func (c *Coordinator) PendingText(uri protocol.DocumentURI) (string, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.pending[uri]
	if !ok {
		return "", 0, false
	}
	return doc.Text, doc.Version, true
}

// openPayload patches the original didOpen params with the latest tracked
// text and version, so a delayed open never carries stale content.
func openPayload(params json.RawMessage, doc *PendingDocument) (json.RawMessage, error) {
	out, err := sjson.SetBytes(params, "textDocument.text", doc.Text)
	if err != nil {
		return nil, fmt.Errorf("patch didOpen text: %w", err)
	}
	out, err = sjson.SetBytes(out, "textDocument.version", doc.Version)
	if err != nil {
		return nil, fmt.Errorf("patch didOpen version: %w", err)
	}
	return out, nil
}
