package rpc

import "encoding/json"

// request is the outgoing JSON-RPC request envelope. ID is a pointer so the
// same shape serializes notifications (no id) and requests.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the JSON-RPC response envelope, outgoing for reverse requests
// and incoming for our own. Exactly one of Result and Error is set.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// probe is the minimal shape used to classify an incoming frame. A frame
// with an id and no method is a response; method and id is a reverse
// request; method alone is a notification.
type probe struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

// marshalParams serializes arbitrary params once, up front, so the send
// path never fails mid-write. Raw bytes pass through untouched.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}
