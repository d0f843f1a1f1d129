package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set in a well-formed response. Server-initiated messages
// decoded through the same path carry Method and no ID.
type Response struct {
	JSONRPC string
	ID      int64
	// HasID is false when the id was absent, null, or not an integer.
	HasID  bool
	Method string
	Result json.RawMessage
	Error  *RPCError
}

// IsNotification reports whether the message is a server-initiated
// notification rather than a response.
func (r *Response) IsNotification() bool {
	return r.Method != "" && !r.HasID
}

// MarshalJSON encodes the response in wire form.
func (r *Response) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: r.JSONRPC,
		Method:  r.Method,
		Result:  r.Result,
		Error:   r.Error,
	}
	if r.HasID {
		w.ID = json.RawMessage(strconv.FormatInt(r.ID, 10))
	}
	return json.Marshal(w)
}

// RPCError is a JSON-RPC 2.0 error object. Data is kept verbatim so
// structured payloads (payment requirements, validation details) reach
// the caller untouched.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// wireMessage is the union of every JSON-RPC message shape.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// EncodeRequest builds the wire form of a request. A nil params value
// is omitted entirely rather than encoded as null.
func EncodeRequest(method string, params any, id int64) ([]byte, error) {
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	return data, nil
}

// EncodeNotification builds the wire form of a notification.
func EncodeNotification(method string, params any) ([]byte, error) {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return data, nil
}

// DecodeRequest parses a request. Params, when present, are returned
// as json.RawMessage.
func DecodeRequest(data []byte) (*Request, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	id, ok := parseID(w.ID)
	if !ok || w.Method == "" {
		return nil, fmt.Errorf("%w: not a request", ErrMalformedResponse)
	}
	req := &Request{JSONRPC: w.JSONRPC, ID: id, Method: w.Method}
	if len(w.Params) > 0 {
		req.Params = w.Params
	}
	return req, nil
}

// DecodeResponse parses a response from either a bare JSON document or
// a single SSE-framed event ("event: message\ndata: <json>"), which
// some servers send in place of a JSON body. It fails with
// ErrMalformedResponse when the payload is not JSON or carries neither
// a jsonrpc version nor a recognizable id.
func DecodeResponse(data []byte) (*Response, error) {
	payload := bytes.TrimSpace(data)
	if isEventStream(payload) {
		p, ok := firstEventData(payload)
		if !ok {
			return nil, fmt.Errorf("%w: event-stream payload has no data", ErrMalformedResponse)
		}
		payload = p
	}

	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	id, hasID := parseID(w.ID)
	if w.JSONRPC == "" && !hasID {
		return nil, fmt.Errorf("%w: missing jsonrpc version and id", ErrMalformedResponse)
	}

	resp := &Response{
		JSONRPC: w.JSONRPC,
		ID:      id,
		HasID:   hasID,
		Method:  w.Method,
		Error:   w.Error,
	}
	if w.Error == nil {
		resp.Result = w.Result
	}
	return resp, nil
}

// parseID accepts integer ids and integer strings. Anything else,
// including null, is treated as absent.
func parseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// isEventStream reports whether payload looks like SSE framing rather
// than a JSON document.
func isEventStream(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("event:")) ||
		bytes.HasPrefix(payload, []byte("data:")) ||
		bytes.HasPrefix(payload, []byte(":"))
}

// firstEventData returns the data of the first message event in an
// SSE-framed payload.
func firstEventData(payload []byte) ([]byte, bool) {
	sc := newSSEScanner(bytes.NewReader(payload))
	for {
		ev, err := sc.Next()
		if err != nil {
			return nil, false
		}
		if ev.Name == eventMessage && ev.Data != "" {
			return []byte(ev.Data), true
		}
	}
}
