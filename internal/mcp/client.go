package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/mcpwire/internal/buildinfo"
	"github.com/nugget/mcpwire/internal/events"
	"github.com/nugget/mcpwire/internal/httpkit"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

// JSON-RPC methods used by the client.
const (
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"

	notificationInitialized = "notifications/initialized"
)

// Client defaults.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultEndpointTimeout = 10 * time.Second
)

// maxResponseBody bounds a direct-mode response body.
const maxResponseBody = 10 << 20

// maxListPages bounds cursor following in ListTools and ListResources.
const maxListPages = 100

// ClientConfig configures a Client. The zero value is usable.
type ClientConfig struct {
	// HTTPClient carries every request. Its Timeout must be zero so SSE
	// streams are not cut off; per-call deadlines come from
	// RequestTimeout. When nil a client is built with httpkit.
	HTTPClient *http.Client

	Logger *slog.Logger
	// Events receives lifecycle events. May be nil.
	Events *events.Bus

	// RequestTimeout bounds every call, including the wait for a
	// stream-routed response. Default 30s.
	RequestTimeout time.Duration
	// EndpointTimeout bounds the wait for a new stream's endpoint
	// event. Default 10s.
	EndpointTimeout time.Duration

	// StreamSuffixes are URL path suffixes that mark SSE servers.
	// Default ["/sse"].
	StreamSuffixes []string
	// MessagePath is the sibling path stream-mode requests are posted
	// to before an endpoint is known. Default "messages".
	MessagePath string
	// RequireSession makes a missing stream session an error instead
	// of a logged fallback to un-sessioned posts.
	RequireSession bool

	// Headers are added to every request. Ignored when HTTPClient is
	// set; configure that client with httpkit.WithHeaders instead.
	Headers map[string]string

	ClientName      string
	ClientVersion   string
	ProtocolVersion string

	// Device is attached to reads of ui:// resources.
	Device DeviceContext

	// OnConnectionLost is called once each time an active stream ends
	// without Close or ResetConnections. It runs on the stream's reader
	// goroutine after all of the stream's calls have failed.
	OnConnectionLost func(serverURL string)
}

// Client speaks MCP to any number of servers, each identified by URL.
// Servers whose URL marks them as SSE servers get one shared event
// stream carrying every response; all others answer each POST
// directly. A Client is safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	id     string
	http   *http.Client
	logger *slog.Logger
	bus    *events.Bus

	nextID   atomic.Int64
	sessions *SessionState
	pending  *PendingTable
	router   *Router
	opens    singleflight.Group

	mu          sync.Mutex
	streams     map[string]*streamReader
	epoch       context.Context
	cancelEpoch context.CancelCauseFunc
}

// NewClient creates a client from cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.EndpointTimeout <= 0 {
		cfg.EndpointTimeout = DefaultEndpointTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = buildinfo.ClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = buildinfo.Version
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = ProtocolVersion
	}

	id := uuid.NewString()
	logger := cfg.Logger.With("mcp_client", id)

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}

	sessions := NewSessionState()
	epoch, cancel := context.WithCancelCause(context.Background())
	return &Client{
		cfg:         cfg,
		id:          id,
		http:        hc,
		logger:      logger,
		bus:         cfg.Events,
		sessions:    sessions,
		pending:     NewPendingTable(),
		router:      NewRouter(sessions, cfg.StreamSuffixes, cfg.MessagePath, cfg.RequireSession, logger),
		streams:     make(map[string]*streamReader),
		epoch:       epoch,
		cancelEpoch: cancel,
	}
}

// ID returns the client's instance id, which appears in its logs.
func (c *Client) ID() string {
	return c.id
}

// Session returns the current session for serverURL.
func (c *Client) Session(serverURL string) (Session, bool) {
	return c.sessions.Get(serverURL)
}

// StreamState returns the state of serverURL's event stream.
// StreamClosed is reported when there is none.
func (c *Client) StreamState(serverURL string) StreamState {
	c.mu.Lock()
	r := c.streams[serverURL]
	c.mu.Unlock()
	if r == nil {
		return StreamClosed
	}
	return r.State()
}

// Initialize establishes a session with serverURL. For SSE servers the
// event stream is opened first (or an active one reused), then the
// initialize call is made without a session, then the initialized
// notification is sent.
func (c *Client) Initialize(ctx context.Context, serverURL string) (*Capabilities, error) {
	if c.router.IsStreamServer(serverURL) {
		if err := c.ensureStream(ctx, serverURL); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", serverURL, err)
		}
	} else {
		c.sessions.Forget(serverURL)
	}

	params := map[string]any{
		"protocolVersion": c.cfg.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	}

	resp, err := c.call(ctx, serverURL, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", serverURL, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize %s: %w", serverURL, resp.Error)
	}

	caps, err := ParseCapabilities(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", serverURL, err)
	}

	sess, _ := c.sessions.Get(serverURL)
	c.logger.Info("MCP server initialized",
		"server", serverURL,
		"server_name", caps.ServerName,
		"server_version", caps.ServerVersion,
		"protocol_version", caps.ProtocolVersion,
		"session_id", sess.ID,
	)

	if err := c.notify(ctx, serverURL, notificationInitialized, nil); err != nil {
		c.logger.Warn("initialized notification failed",
			"server", serverURL,
			"error", err,
		)
	}
	return caps, nil
}

// ListToolsPage returns one page of tools/list starting at cursor.
func (c *Client) ListToolsPage(ctx context.Context, serverURL, cursor string) (ToolPage, error) {
	resp, err := c.call(ctx, serverURL, MethodToolsList, cursorParams(cursor))
	if err != nil {
		return ToolPage{}, fmt.Errorf("tools/list %s: %w", serverURL, err)
	}
	if resp.Error != nil {
		return ToolPage{}, fmt.Errorf("tools/list %s: %w", serverURL, resp.Error)
	}
	return ParseToolList(resp.Result), nil
}

// ListTools returns every tool serverURL offers, following cursors.
// A server with no tools yields an empty slice.
func (c *Client) ListTools(ctx context.Context, serverURL string) ([]ToolDescriptor, error) {
	tools := []ToolDescriptor{}
	err := c.paginate(func(cursor string) (string, error) {
		page, err := c.ListToolsPage(ctx, serverURL, cursor)
		if err != nil {
			return "", err
		}
		tools = append(tools, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed MCP tools", "server", serverURL, "count", len(tools))
	return tools, nil
}

// CallTool invokes tool name with args. meta, when non-empty, is sent
// as params._meta. A JSON-RPC error from the server is returned as a
// ToolResult with IsError set and ErrorData preserved verbatim; the
// returned error covers transport and protocol failures only.
func (c *Client) CallTool(ctx context.Context, serverURL, name string, args, meta map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if len(meta) > 0 {
		params["_meta"] = meta
	}

	resp, err := c.call(ctx, serverURL, MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	if resp.Error != nil {
		c.logger.Info("MCP tool returned error",
			"server", serverURL,
			"tool", name,
			"code", resp.Error.Code,
			"message", resp.Error.Message,
		)
		return toolErrorResult(resp.Error), nil
	}
	return ParseToolResult(resp.Result), nil
}

// ReadResource reads uri. Reads of ui:// resources carry the client's
// DeviceContext and mode under params.context.
func (c *Client) ReadResource(ctx context.Context, serverURL, uri string, mode DisplayMode) (*Resource, error) {
	params := map[string]any{"uri": uri}
	if isUIResource(uri) {
		params["context"] = c.cfg.Device.params(mode)
	}

	resp, err := c.call(ctx, serverURL, MethodResourcesRead, params)
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, resp.Error)
	}
	return ParseResource(uri, resp.Result), nil
}

// ListResourcesPage returns one page of resources/list starting at
// cursor.
func (c *Client) ListResourcesPage(ctx context.Context, serverURL, cursor string) (ResourcePage, error) {
	resp, err := c.call(ctx, serverURL, MethodResourcesList, cursorParams(cursor))
	if err != nil {
		return ResourcePage{}, fmt.Errorf("resources/list %s: %w", serverURL, err)
	}
	if resp.Error != nil {
		return ResourcePage{}, fmt.Errorf("resources/list %s: %w", serverURL, resp.Error)
	}
	return ParseResourceList(resp.Result), nil
}

// ListResources returns every resource serverURL offers, following
// cursors.
func (c *Client) ListResources(ctx context.Context, serverURL string) ([]ResourceDescriptor, error) {
	resources := []ResourceDescriptor{}
	err := c.paginate(func(cursor string) (string, error) {
		page, err := c.ListResourcesPage(ctx, serverURL, cursor)
		if err != nil {
			return "", err
		}
		resources = append(resources, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// Ping checks whether serverURL is responsive. Used by connwatch for
// health monitoring.
func (c *Client) Ping(ctx context.Context, serverURL string) error {
	resp, err := c.call(ctx, serverURL, MethodPing, nil)
	if err != nil {
		return fmt.Errorf("ping %s: %w", serverURL, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("ping %s: %w", serverURL, resp.Error)
	}
	return nil
}

// ResetConnections closes every event stream, fails every pending call
// with ErrCancelled, and forgets every session. Calling it again is
// harmless.
func (c *Client) ResetConnections() {
	reason := fmt.Errorf("%w: connections reset", ErrCancelled)

	c.mu.Lock()
	readers := make([]*streamReader, 0, len(c.streams))
	for _, r := range c.streams {
		readers = append(readers, r)
	}
	c.streams = make(map[string]*streamReader)
	c.cancelEpoch(reason)
	c.epoch, c.cancelEpoch = context.WithCancelCause(context.Background())
	c.mu.Unlock()

	for _, r := range readers {
		r.Close()
	}
	cancelled := c.pending.CancelAll(reason)
	cleared := c.sessions.Clear()

	if len(readers) > 0 || cancelled > 0 || cleared > 0 {
		c.logger.Info("MCP connections reset",
			"streams", len(readers),
			"cancelled", cancelled,
			"sessions", cleared,
		)
	}
	c.bus.Emit(events.KindConnectionsReset, map[string]any{
		"streams":   len(readers),
		"cancelled": cancelled,
		"sessions":  cleared,
	})
}

// Close resets all connections.
func (c *Client) Close() error {
	c.ResetConnections()
	return nil
}

// ensureStream makes sure serverURL has an active event stream.
// Concurrent callers for the same server share one open.
func (c *Client) ensureStream(ctx context.Context, serverURL string) error {
	ch := c.opens.DoChan(serverURL, func() (any, error) {
		return nil, c.openStream(ctx, serverURL)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return contextError(ctx)
	}
}

func (c *Client) openStream(ctx context.Context, serverURL string) error {
	c.mu.Lock()
	if r := c.streams[serverURL]; r != nil && r.alive() && r.State() == StreamActive {
		c.mu.Unlock()
		c.logger.Debug("reusing event stream", "server", serverURL, "stream_id", r.id)
		return nil
	}
	epoch := c.epoch
	r := newStreamReader(streamConfig{
		serverURL:       serverURL,
		httpClient:      c.http,
		sessions:        c.sessions,
		pending:         c.pending,
		bus:             c.bus,
		logger:          c.logger,
		endpointTimeout: c.cfg.EndpointTimeout,
		onClosed:        c.streamClosed,
	})
	c.streams[serverURL] = r
	c.mu.Unlock()

	// The open is shared by every waiter, so it is bounded by its own
	// deadline and by resets rather than by the first caller's context.
	octx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), c.cfg.RequestTimeout+c.cfg.EndpointTimeout,
		fmt.Errorf("%w: opening stream", ErrRequestTimeout))
	defer cancel()
	stop := context.AfterFunc(epoch, func() { r.Close() })
	defer stop()

	_, err := r.open(octx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionDiscoveryFailed) && r.State() == StreamActive:
		if c.cfg.RequireSession {
			r.Close()
			return err
		}
		c.logger.Warn("event stream opened without a session",
			"server", serverURL,
			"error", err,
		)
		return nil
	default:
		return err
	}
}

// streamClosed is the readers' onClosed hook.
func (c *Client) streamClosed(r *streamReader, lost bool) {
	c.mu.Lock()
	if c.streams[r.serverURL] == r {
		delete(c.streams, r.serverURL)
	}
	c.mu.Unlock()

	if lost && c.cfg.OnConnectionLost != nil {
		c.cfg.OnConnectionLost(r.serverURL)
	}
}

// callContext derives the context for one call: bounded by
// RequestTimeout and cancelled by ResetConnections.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	ctx, cancelCause := context.WithCancelCause(ctx)
	stop := context.AfterFunc(epoch, func() { cancelCause(context.Cause(epoch)) })
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, c.cfg.RequestTimeout,
		fmt.Errorf("%w after %s", ErrRequestTimeout, c.cfg.RequestTimeout))

	return ctx, func() {
		cancelTimeout()
		stop()
		cancelCause(nil)
	}
}

// call issues one JSON-RPC request and returns its response. A
// JSON-RPC error response is not a Go error here; callers decide.
func (c *Client) call(ctx context.Context, serverURL, method string, params any) (*Response, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	route, err := c.router.Route(serverURL, method)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	body, err := EncodeRequest(method, params, id)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("sending MCP request",
		"server", serverURL,
		"method", method,
		"id", id,
		"mode", route.Mode.String(),
	)
	c.logger.Log(ctx, levelTrace, "request body", "id", id, "body", string(body))

	if route.Mode == ModeStream {
		return c.callStream(ctx, serverURL, route, id, method, body)
	}
	return c.callDirect(ctx, serverURL, route, id, method, body)
}

// callDirect posts the request and decodes the response from the body.
func (c *Client) callDirect(ctx context.Context, serverURL string, route Route, id int64, method string, body []byte) (*Response, error) {
	resp, err := c.post(ctx, route, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, maxResponseBody)

	if resp.StatusCode == http.StatusNotFound && route.SessionID != "" {
		// Servers answer 404 to an expired session.
		c.sessions.Forget(serverURL)
		c.logger.Warn("MCP session expired",
			"server", serverURL,
			"session_id", route.SessionID,
		)
	}
	if err := statusError(resp, route.Target); err != nil {
		return nil, err
	}

	_, had := c.sessions.Get(serverURL)
	if sess, ok := c.sessions.DeriveFromHeader(serverURL, resp.Header); ok && !had {
		c.logger.Debug("MCP session established", "server", serverURL, "session_id", sess.ID)
		c.bus.Emit(events.KindSessionEstablished, map[string]any{
			"server":     serverURL,
			"session_id": sess.ID,
			"mode":       ModeDirect.String(),
		})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(ctx, "read response", err)
	}
	c.logger.Log(ctx, levelTrace, "response body", "id", id, "body", string(data))

	r, err := matchResponse(data, resp.Header.Get("Content-Type"), id)
	if err != nil {
		return nil, fmt.Errorf("%s (id %d): %w", method, id, err)
	}
	return r, nil
}

// callStream registers a pending slot, posts the request, and waits
// for the response to arrive on the server's event stream.
func (c *Client) callStream(ctx context.Context, serverURL string, route Route, id int64, method string, body []byte) (*Response, error) {
	c.mu.Lock()
	r := c.streams[serverURL]
	c.mu.Unlock()
	if r == nil || !r.alive() {
		return nil, fmt.Errorf("%s: %w", serverURL, ErrNotInitialized)
	}

	call, err := c.pending.RegisterStream(id, serverURL, method, r.id)
	if err != nil {
		return nil, err
	}
	if !r.alive() {
		// The stream closed after the check above and its sweep may
		// have missed this slot.
		c.pending.Remove(call)
		return nil, fmt.Errorf("%s (id %d): %w", method, id, ErrConnectionLost)
	}

	resp, err := c.post(ctx, route, body)
	if err != nil {
		c.pending.Remove(call)
		return nil, err
	}
	err = statusError(resp, route.Target)
	if err == nil {
		c.acceptHybridBody(resp, call)
	}
	httpkit.DrainAndClose(resp.Body, maxResponseBody)
	if err != nil {
		c.pending.Remove(call)
		return nil, err
	}

	result, err := c.pending.Await(ctx, call, 0)
	if errors.Is(err, ErrRequestTimeout) {
		c.logger.Warn("MCP request timed out",
			"server", serverURL,
			"method", method,
			"id", id,
		)
		c.bus.Emit(events.KindRequestTimeout, map[string]any{
			"server": serverURL,
			"id":     id,
			"method": method,
		})
	}
	return result, err
}

// acceptHybridBody fulfils call from the POST body when the server
// answered there instead of on the stream.
func (c *Client) acceptHybridBody(resp *http.Response, call *PendingCall) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return
	}
	r, err := matchResponse(data, resp.Header.Get("Content-Type"), call.ID)
	if err != nil {
		c.logger.Log(context.Background(), levelTrace, "ignoring stream-mode POST body",
			"id", call.ID,
			"body", string(data),
		)
		return
	}
	c.pending.Fulfill(call.ID, r)
}

// notify sends a JSON-RPC notification.
func (c *Client) notify(ctx context.Context, serverURL, method string, params any) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	route, err := c.router.Route(serverURL, method)
	if err != nil {
		return err
	}
	body, err := EncodeNotification(method, params)
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, route, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, maxResponseBody)
	return statusError(resp, route.Target)
}

// post sends body to the route's target.
func (c *Client) post(ctx context.Context, route Route, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.Target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrConnectionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if route.Mode == ModeDirect && route.SessionID != "" {
		req.Header.Set(SessionHeader, route.SessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "POST "+route.Target, err)
	}
	return resp, nil
}

// paginate calls fetch with successive cursors until one comes back
// empty or repeats.
func (c *Client) paginate(fetch func(cursor string) (string, error)) error {
	seen := make(map[string]bool)
	cursor := ""
	for range maxListPages {
		next, err := fetch(cursor)
		if err != nil {
			return err
		}
		if next == "" || seen[next] {
			return nil
		}
		seen[next] = true
		cursor = next
	}
	c.logger.Warn("stopped following list cursors", "pages", maxListPages)
	return nil
}

// statusError reports a non-2xx response.
func statusError(resp *http.Response, target string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &HTTPStatusError{
		Method:     http.MethodPost,
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       httpkit.ReadErrorBody(resp.Body, 512),
	}
}

// matchResponse decodes the response to request id from a POST body,
// which is either one JSON document or an event stream that may carry
// notifications ahead of the response.
func matchResponse(data []byte, contentType string, id int64) (*Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrMalformedResponse)
	}

	if !strings.HasPrefix(contentType, "text/event-stream") && !isEventStream(trimmed) {
		r, err := DecodeResponse(trimmed)
		if err != nil {
			return nil, err
		}
		return r, checkResponseID(r, id)
	}

	sc := newSSEScanner(bytes.NewReader(trimmed))
	lastErr := fmt.Errorf("%w: no response for id %d in event stream", ErrMalformedResponse, id)
	for {
		ev, err := sc.Next()
		if err != nil {
			return nil, lastErr
		}
		if ev.Name != eventMessage {
			continue
		}
		r, err := DecodeResponse([]byte(ev.Data))
		if err != nil {
			lastErr = err
			continue
		}
		if r.IsNotification() {
			continue
		}
		if checkResponseID(r, id) == nil {
			return r, nil
		}
	}
}

// checkResponseID accepts a response carrying id, or an error response
// without one (servers send a null id when they could not parse the
// request).
func checkResponseID(r *Response, id int64) error {
	switch {
	case r.HasID && r.ID == id:
		return nil
	case !r.HasID && r.Error != nil:
		return nil
	case r.HasID:
		return fmt.Errorf("%w: response id %d does not match request id %d", ErrMalformedResponse, r.ID, id)
	default:
		return fmt.Errorf("%w: response has no id", ErrMalformedResponse)
	}
}

// cursorParams returns pagination params, or nil for the first page.
func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}
