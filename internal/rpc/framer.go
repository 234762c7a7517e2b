package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// headerTerminator separates the header block from the message body.
const headerTerminator = "\r\n\r\n"

// Framer is an incremental parser for the LSP base protocol: ASCII header
// lines terminated by CRLF, a blank line, then Content-Length bytes of JSON.
// Feed it raw chunks as they arrive from a subprocess pipe and call Next
// until it reports that more data is needed. Framer is not safe for
// concurrent use; each connection's read loop owns one.
type Framer struct {
	buf        []byte
	start      int // read offset into buf
	contentLen int // expected body length, -1 while headers are incomplete
}

// NewFramer returns a Framer with no buffered data.
func NewFramer() *Framer {
	return &Framer{contentLen: -1}
}

// Feed appends a chunk of raw bytes to the internal buffer. The chunk may
// contain any fraction of a frame, or several complete frames.
func (f *Framer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	f.grow(len(p))
	f.buf = append(f.buf, p...)
}

// grow compacts consumed bytes and doubles the buffer when the pending
// chunk would not fit, preserving already-buffered bytes.
func (f *Framer) grow(n int) {
	if f.start > 0 {
		f.buf = f.buf[:copy(f.buf, f.buf[f.start:])]
		f.start = 0
	}
	need := len(f.buf) + n
	if need <= cap(f.buf) {
		return
	}
	newCap := cap(f.buf)
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < need {
		newCap *= 2
	}
	grown := make([]byte, len(f.buf), newCap)
	copy(grown, f.buf)
	f.buf = grown
}

// Next returns the next complete message in the buffer. It returns
// (nil, nil) when more data is needed. A corrupt Content-Length value is a
// fatal *ParseError; the connection must be torn down. The returned bytes
// are an independent copy: the scratch buffer is reused for later frames.
func (f *Framer) Next() (json.RawMessage, error) {
	if f.contentLen < 0 {
		pending := f.buf[f.start:]
		end := bytes.Index(pending, []byte(headerTerminator))
		if end < 0 {
			return nil, nil
		}
		length, err := parseHeaders(pending[:end])
		if err != nil {
			return nil, err
		}
		f.start += end + len(headerTerminator)
		f.contentLen = length
	}

	if len(f.buf)-f.start < f.contentLen {
		return nil, nil
	}

	body := make([]byte, f.contentLen)
	copy(body, f.buf[f.start:f.start+f.contentLen])
	f.start += f.contentLen
	f.contentLen = -1
	if f.start == len(f.buf) {
		f.buf = f.buf[:0]
		f.start = 0
	}
	return body, nil
}

// parseHeaders scans a CRLF-separated header block for Content-Length.
// Unrecognized headers are ignored. A missing or malformed length is fatal.
func parseHeaders(block []byte) (int, error) {
	length := -1
	for _, line := range strings.Split(string(block), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, &ParseError{Header: line, Err: err}
		}
		length = n
	}
	if length < 0 {
		return 0, &ParseError{Header: string(block), Err: errMissingLength}
	}
	return length, nil
}

// ParseError reports a corrupt message header. It is fatal to the read
// loop: framing can not be re-synchronized once the length is lost.
type ParseError struct {
	Header string
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message header %q: %v", e.Header, e.Err)
	}
	return fmt.Sprintf("malformed message header %q", e.Header)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }
