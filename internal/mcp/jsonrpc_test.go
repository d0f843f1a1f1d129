package mcp

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestEncodeDecodeRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params any
		id     int64
	}{
		{"nil params", "ping", nil, 1},
		{"object params", "tools/call", map[string]any{
			"name":      "search",
			"arguments": map[string]any{"q": "go", "limit": float64(5)},
		}, 7},
		{"array params", "batch", []any{"a", float64(2), true}, 1 << 40},
		{"nested", "resources/read", map[string]any{
			"uri":     "ui://widget",
			"context": map[string]any{"viewport": map[string]any{"width": float64(390)}},
		}, 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(tt.method, tt.params, tt.id)
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			req, err := DecodeRequest(data)
			if err != nil {
				t.Fatalf("DecodeRequest: %v", err)
			}
			if req.Method != tt.method {
				t.Errorf("Method = %q, want %q", req.Method, tt.method)
			}
			if req.ID != tt.id {
				t.Errorf("ID = %d, want %d", req.ID, tt.id)
			}

			if tt.params == nil {
				if req.Params != nil {
					t.Errorf("Params = %v, want nil", req.Params)
				}
				return
			}
			raw, ok := req.Params.(json.RawMessage)
			if !ok {
				t.Fatalf("Params type = %T, want json.RawMessage", req.Params)
			}
			var got any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal params: %v", err)
			}
			if !reflect.DeepEqual(got, tt.params) {
				t.Errorf("Params = %#v, want %#v", got, tt.params)
			}
		})
	}
}

func TestEncodeRequestOmitsNilParams(t *testing.T) {
	data, err := EncodeRequest("ping", nil, 1)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Errorf("params present in %s, want omitted", data)
	}
	if m["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", m["jsonrpc"])
	}
}

func TestNotificationOmitsNilParams(t *testing.T) {
	data, err := EncodeNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("EncodeNotification: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
	if _, ok := m["id"]; ok {
		t.Error("notification must not carry an id")
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.HasID || resp.ID != 1 {
		t.Errorf("ID = %d (has %v), want 1", resp.ID, resp.HasID)
	}
	if resp.Error != nil {
		t.Errorf("Error = %v, want nil", resp.Error)
	}
	if string(resp.Result) != `{"tools":[]}` {
		t.Errorf("Result = %s", resp.Result)
	}
}

func TestDecodeResponseError(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":2,"error":{"code":-32001,"message":"Payment required","data":{"paymentRequirements":{"amount":"5"}}}}`
	resp, err := DecodeResponse([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("Error is nil, want non-nil")
	}
	if resp.Error.Code != -32001 {
		t.Errorf("Error.Code = %d, want -32001", resp.Error.Code)
	}
	if string(resp.Error.Data) != `{"paymentRequirements":{"amount":"5"}}` {
		t.Errorf("Error.Data = %s, want verbatim payload", resp.Error.Data)
	}
	if resp.Result != nil {
		t.Errorf("Result = %s, want nil when error is set", resp.Result)
	}
}

func TestDecodeResponseSSEFramed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"single event", "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\n\n"},
		{"no trailing blank", "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}"},
		{"comment first", ": ping\n\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\n\n"},
		{"data only", "data: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\n\n"},
		{"split data", "event: message\ndata: {\"jsonrpc\":\"2.0\",\ndata: \"id\":3,\"result\":{}}\n\n"},
		{"crlf", "event: message\r\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if resp.ID != 3 {
				t.Errorf("ID = %d, want 3", resp.ID)
			}
		})
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "<html>bad gateway</html>"},
		{"truncated", `{"jsonrpc":"2.0","id":1,`},
		{"no version no id", `{"result":{}}`},
		{"empty", ""},
		{"event without data", "event: message\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestDecodeResponseIDForms(t *testing.T) {
	tests := []struct {
		raw    string
		wantID int64
		hasID  bool
	}{
		{`{"jsonrpc":"2.0","id":5,"result":1}`, 5, true},
		{`{"jsonrpc":"2.0","id":"5","result":1}`, 5, true},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, 0, false},
		{`{"jsonrpc":"2.0","id":"abc","result":1}`, 0, false},
		{`{"id":9,"result":1}`, 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if resp.HasID != tt.hasID || resp.ID != tt.wantID {
				t.Errorf("id = %d (has %v), want %d (has %v)", resp.ID, resp.HasID, tt.wantID, tt.hasID)
			}
		})
	}
}

func TestDecodeResponseNotification(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.IsNotification() {
		t.Error("IsNotification() = false, want true")
	}
}

func TestResponseMarshalJSON(t *testing.T) {
	resp := &Response{JSONRPC: "2.0", ID: 4, HasID: true, Result: json.RawMessage(`{"ok":true}`)}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if back.ID != 4 || string(back.Result) != `{"ok":true}` {
		t.Errorf("round trip = %+v", back)
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: -32600, Message: "Invalid Request"}
	got := e.Error()
	want := "jsonrpc error -32600: Invalid Request"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
