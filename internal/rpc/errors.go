package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard errors returned by the rpc package.
var (
	// ErrClosed indicates the connection has been shut down.
	ErrClosed = errors.New("rpc connection closed")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("backend already started")

	// errMissingLength indicates a header block without Content-Length.
	errMissingLength = errors.New("missing Content-Length header")
)

// LaunchError indicates the backend subprocess could not be spawned. It is
// fatal to the owning Client and surfaced to the caller of Start.
type LaunchError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessExitedError indicates the backend subprocess terminated. Every
// request pending at the time of exit fails with this error.
type ProcessExitedError struct {
	Code int
}

// Error implements the error interface.
func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("backend process exited with code %d", e.Code)
}

// ResponseError is a JSON-RPC error carried in a response envelope. It is
// surfaced to the awaiting caller and never retried automatically.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeRequestFailed        = -32803
)
