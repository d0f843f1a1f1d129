package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcpwire/internal/events"
)

// rpcHandler answers one request. Returning nil sends no response,
// which in stream mode leaves the call pending.
type rpcHandler func(id int64, params json.RawMessage) *Response

// recordedPost is one POST the fake server received.
type recordedPost struct {
	Path   string
	Query  url.Values
	Header http.Header
	Method string
	ID     int64
	HasID  bool
	Params json.RawMessage
}

// fakeServer is an MCP server on httptest. POST /mcp answers in the
// body (direct mode); GET /mcp/sse opens an event stream and
// POST /mcp/messages answers on that stream.
type fakeServer struct {
	*httptest.Server

	mu            sync.Mutex
	handlers      map[string]rpcHandler
	posts         []recordedPost
	endpoint      string
	sessionID     string
	streamStatus  int
	hybrid        bool
	streamsOpened atomic.Int32

	frames chan string
	drop   chan struct{}
	quit   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		handlers: make(map[string]rpcHandler),
		endpoint: "/mcp/messages?sessionId=abc123",
		frames:   make(chan string, 256),
		drop:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	fs.handle(MethodInitialize, func(id int64, _ json.RawMessage) *Response {
		return resultResponse(id, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{"subscribe": true},
			},
		})
	})
	fs.handle(MethodPing, func(id int64, _ json.RawMessage) *Response {
		return resultResponse(id, map[string]any{})
	})

	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serveHTTP))
	t.Cleanup(func() {
		close(fs.quit)
		fs.Server.Close()
	})
	return fs
}

func (fs *fakeServer) directURL() string { return fs.URL + "/mcp" }
func (fs *fakeServer) streamURL() string { return fs.URL + "/mcp/sse" }

func (fs *fakeServer) handle(method string, h rpcHandler) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.handlers[method] = h
}

func (fs *fakeServer) set(fn func(fs *fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(fs)
}

// push writes a raw frame to the open event stream.
func (fs *fakeServer) push(frame string) {
	fs.frames <- frame
}

// pushResponse sends resp as a message event.
func (fs *fakeServer) pushResponse(resp *Response) {
	data, _ := json.Marshal(resp)
	fs.push(fmt.Sprintf("event: message\ndata: %s\n\n", data))
}

// dropStream ends the open event stream from the server side.
func (fs *fakeServer) dropStream() {
	fs.drop <- struct{}{}
}

func (fs *fakeServer) recorded() []recordedPost {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recordedPost(nil), fs.posts...)
}

// postsFor returns the recorded POSTs for method.
func (fs *fakeServer) postsFor(method string) []recordedPost {
	var out []recordedPost
	for _, p := range fs.recorded() {
		if p.Method == method {
			out = append(out, p)
		}
	}
	return out
}

func (fs *fakeServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sse"):
		fs.serveStream(w, r)
	case r.Method == http.MethodPost:
		fs.servePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (fs *fakeServer) serveStream(w http.ResponseWriter, r *http.Request) {
	fs.streamsOpened.Add(1)

	fs.mu.Lock()
	status, endpoint := fs.streamStatus, fs.endpoint
	fs.mu.Unlock()

	if status != 0 {
		http.Error(w, "stream unavailable", status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	if endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	}
	flusher.Flush()

	for {
		select {
		case f := <-fs.frames:
			io.WriteString(w, f)
			flusher.Flush()
		case <-fs.drop:
			return
		case <-r.Context().Done():
			return
		case <-fs.quit:
			return
		}
	}
}

func (fs *fakeServer) servePost(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	rec := recordedPost{
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Method: msg.Method,
		Params: msg.Params,
	}
	if len(msg.ID) > 0 {
		rec.ID, _ = strconv.ParseInt(string(msg.ID), 10, 64)
		rec.HasID = true
	}

	fs.mu.Lock()
	fs.posts = append(fs.posts, rec)
	h := fs.handlers[msg.Method]
	sessionID, hybrid := fs.sessionID, fs.hybrid
	fs.mu.Unlock()

	if !rec.HasID {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var resp *Response
	if h != nil {
		resp = h(rec.ID, rec.Params)
	} else {
		resp = &Response{JSONRPC: jsonrpcVersion, ID: rec.ID, HasID: true,
			Error: &RPCError{Code: -32601, Message: "method not found"}}
	}

	if strings.HasSuffix(r.URL.Path, "/messages") {
		if hybrid && resp != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "Accepted")
		if resp != nil {
			fs.pushResponse(resp)
		}
		return
	}

	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}
	if resp == nil {
		// Hold the request until the client gives up.
		select {
		case <-r.Context().Done():
		case <-fs.quit:
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func resultResponse(id int64, v any) *Response {
	data, _ := json.Marshal(v)
	return &Response{JSONRPC: jsonrpcVersion, ID: id, HasID: true, Result: data}
}

func errorResponse(id int64, code int, msg string, data string) *Response {
	e := &RPCError{Code: code, Message: msg}
	if data != "" {
		e.Data = json.RawMessage(data)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, HasID: true, Error: e}
}

// newTestClient builds a client against fs with quiet logging. The
// client is closed before the server on cleanup.
func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.EndpointTimeout == 0 {
		cfg.EndpointTimeout = 2 * time.Second
	}
	c := NewClient(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitEvent returns the first event of kind, failing after timeout.
func waitEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event within 3s", kind)
			return events.Event{}
		}
	}
}

// waitFor polls cond until it holds, failing after 3s.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
