package mcp

import (
	"errors"
	"log/slog"
	"net/http"
	"testing"
)

func newTestRouter(requireSession bool) (*Router, *SessionState) {
	sessions := NewSessionState()
	return NewRouter(sessions, nil, "", requireSession, slog.New(slog.DiscardHandler)), sessions
}

func TestIsStreamServer(t *testing.T) {
	r, _ := newTestRouter(false)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://h.example/mcp/sse", true},
		{"https://h.example/sse/", true},
		{"https://h.example/sse?token=1", true},
		{"https://h.example/mcp", false},
		{"https://h.example/sse/mcp", false},
		{"::bad::", false},
	}
	for _, tt := range tests {
		if got := r.IsStreamServer(tt.url); got != tt.want {
			t.Errorf("IsStreamServer(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestIsStreamServerCustomSuffix(t *testing.T) {
	r := NewRouter(NewSessionState(), []string{"/events", "/stream/"}, "", false, nil)
	if !r.IsStreamServer("http://h/api/events") || !r.IsStreamServer("http://h/stream") {
		t.Error("custom suffixes not recognized")
	}
	if r.IsStreamServer("http://h/api/sse") {
		t.Error("default suffix applied despite custom list")
	}
}

func TestRouteDirect(t *testing.T) {
	r, sessions := newTestRouter(false)
	const server = "https://h.example/mcp"

	rt, err := r.Route(server, MethodToolsList)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rt.Mode != ModeDirect || rt.Target != server || rt.SessionID != "" {
		t.Errorf("route = %+v, want direct to %s with no session", rt, server)
	}

	sessions.DeriveFromHeader(server, http.Header{SessionHeader: {"s-1"}})

	rt, _ = r.Route(server, MethodToolsCall)
	if rt.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want s-1", rt.SessionID)
	}
	rt, _ = r.Route(server, MethodInitialize)
	if rt.SessionID != "" {
		t.Errorf("initialize carried session %q", rt.SessionID)
	}
}

func TestRouteStreamWithEndpoint(t *testing.T) {
	r, sessions := newTestRouter(true)
	const server = "https://h.example/mcp/sse"
	if _, err := sessions.recordEndpoint(server, "/mcp/messages?sessionId=abc123", "s"); err != nil {
		t.Fatalf("recordEndpoint: %v", err)
	}

	rt, err := r.Route(server, MethodToolsCall)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := "https://h.example/mcp/messages?sessionId=abc123"
	if rt.Mode != ModeStream || rt.Target != want || rt.SessionID != "abc123" {
		t.Errorf("route = %+v, want stream to %s", rt, want)
	}
}

func TestRouteStreamSibling(t *testing.T) {
	r, _ := newTestRouter(false)
	rt, err := r.Route("https://h.example/v1/mcp/sse?x=1", MethodInitialize)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := "https://h.example/v1/mcp/messages"
	if rt.Mode != ModeStream || rt.Target != want {
		t.Errorf("route = %+v, want stream to %s", rt, want)
	}
}

func TestRouteRequireSession(t *testing.T) {
	r, sessions := newTestRouter(true)
	const server = "https://h.example/sse"

	if _, err := r.Route(server, MethodInitialize); err != nil {
		t.Errorf("initialize refused without session: %v", err)
	}
	if _, err := r.Route(server, MethodToolsList); !errors.Is(err, ErrSessionDiscoveryFailed) {
		t.Errorf("err = %v, want ErrSessionDiscoveryFailed", err)
	}

	// An endpoint without a sessionId is still not a session.
	sessions.recordEndpoint(server, "/messages", "s")
	if _, err := r.Route(server, MethodToolsList); !errors.Is(err, ErrSessionDiscoveryFailed) {
		t.Errorf("err = %v, want ErrSessionDiscoveryFailed for endpoint without id", err)
	}
}

func TestRouteFallbackWithoutSession(t *testing.T) {
	r, sessions := newTestRouter(false)
	const server = "https://h.example/sse"
	sessions.recordEndpoint(server, "/messages", "s")

	rt, err := r.Route(server, MethodToolsList)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rt.Target != "https://h.example/messages" || rt.SessionID != "" {
		t.Errorf("route = %+v, want un-sessioned post to the endpoint", rt)
	}
	if !r.warned[server] {
		t.Error("fallback was not logged")
	}
}
