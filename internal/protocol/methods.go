package protocol

// LSP method names the proxy routes on. Methods not listed here are relayed
// without inspection.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodShutdown    = "shutdown"
	MethodExit        = "exit"

	MethodDidOpen   = "textDocument/didOpen"
	MethodDidChange = "textDocument/didChange"
	MethodDidClose  = "textDocument/didClose"
	MethodDidSave   = "textDocument/didSave"

	MethodPublishDiagnostics = "textDocument/publishDiagnostics"
	MethodLogMessage         = "window/logMessage"
	MethodShowMessage        = "window/showMessage"
	MethodProgress           = "$/progress"
	MethodTelemetryEvent     = "telemetry/event"
	MethodCancelRequest      = "$/cancelRequest"

	MethodWorkDoneProgressCreate = "window/workDoneProgress/create"
	MethodRegisterCapability     = "client/registerCapability"
	MethodUnregisterCapability   = "client/unregisterCapability"

	// MethodProjectInitialized is sent by the code backend once its project
	// model is loaded and semantic requests will return real answers.
	MethodProjectInitialized = "loom/projectInitialized"
)

// Priority classifies a backend notification for the pump. High items are
// never dropped under backpressure; Regular items may be evicted.
type Priority int

const (
	PriorityRegular Priority = iota
	PriorityHigh
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityRegular:
		return "regular"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// highPriorityMethods are the notifications the editor must never miss:
// diagnostics supersede prior state, project readiness gates feature
// availability, and show-message is user facing.
var highPriorityMethods = map[string]struct{}{
	MethodPublishDiagnostics: {},
	MethodProjectInitialized: {},
	MethodShowMessage:        {},
}

// PriorityOf returns the static priority classification for a notification
// method. Log, progress, and telemetry chatter are Regular; everything the
// editor must not miss is High.
func PriorityOf(method string) Priority {
	if _, ok := highPriorityMethods[method]; ok {
		return PriorityHigh
	}
	return PriorityRegular
}
