package mcp

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// SessionHeader carries the session id in direct mode.
const SessionHeader = "Mcp-Session-Id"

// legacySessionHeader is the header name used by older streamable HTTP
// servers.
const legacySessionHeader = "Mcp-Session"

// sessionIDRe extracts the sessionId query parameter from an endpoint
// event's data line.
var sessionIDRe = regexp.MustCompile(`[?&]sessionId=([^&#\s]+)`)

// TransportMode is how JSON-RPC responses come back from a server.
type TransportMode int

const (
	// ModeDirect returns each response in the body of its own POST.
	ModeDirect TransportMode = iota
	// ModeStream returns responses asynchronously over a shared SSE
	// stream, correlated by request id.
	ModeStream
)

// String implements fmt.Stringer.
func (m TransportMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Session is the server-assigned scope for a sequence of calls.
type Session struct {
	// ID is the opaque session identifier. It may be empty for a stream
	// whose endpoint event carried no sessionId.
	ID        string
	ServerURL string
	Mode      TransportMode
	// Endpoint is the absolute message-posting URL announced by the
	// stream's endpoint event. Empty in direct mode.
	Endpoint string

	stream string // id of the reader that announced the endpoint
}

// SessionState tracks at most one session per server URL. It is safe
// for concurrent use: the facade writes it while issuing requests and
// the stream readers write it while establishing or closing.
type SessionState struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewSessionState returns an empty session table.
func NewSessionState() *SessionState {
	return &SessionState{sessions: make(map[string]Session)}
}

// Get returns the session for serverURL.
func (s *SessionState) Get(serverURL string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[serverURL]
	return sess, ok
}

// DeriveFromHeader records a direct-mode session from the response
// header (case-insensitive, legacy name accepted). A missing header is
// not an error: stateless servers never send one. An existing session
// id is kept; it is set once per Initialize.
func (s *SessionState) DeriveFromHeader(serverURL string, h http.Header) (Session, bool) {
	id := h.Get(SessionHeader)
	if id == "" {
		id = h.Get(legacySessionHeader)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.sessions[serverURL]; ok && cur.ID != "" {
		return cur, true
	}
	if id == "" {
		return Session{}, false
	}

	sess := Session{ID: id, ServerURL: serverURL, Mode: ModeDirect}
	s.sessions[serverURL] = sess
	return sess, true
}

// DeriveFromEndpointEvent records a stream-mode session from the first
// two lines of a new SSE stream, which should be
//
//	event: endpoint
//	data: /path/messages?sessionId=<id>
//
// When the data line has no sessionId the endpoint is still recorded
// and ErrSessionDiscoveryFailed is returned; callers decide whether to
// proceed without a session.
func (s *SessionState) DeriveFromEndpointEvent(serverURL, eventLine, dataLine string) (Session, error) {
	name, ok := sseField(eventLine, "event")
	if !ok || name != eventEndpoint {
		return Session{}, fmt.Errorf("%w: expected endpoint event, got %q", ErrSessionDiscoveryFailed, eventLine)
	}
	data, ok := sseField(dataLine, "data")
	if !ok {
		return Session{}, fmt.Errorf("%w: expected data line, got %q", ErrSessionDiscoveryFailed, dataLine)
	}
	return s.recordEndpoint(serverURL, data, "")
}

// recordEndpoint stores the endpoint announced by the stream streamID.
// Once a stream has recorded a session id that session is fixed: a
// later announcement on the same stream is ignored and the stored
// session returned. An announcement that carries an id fills in a
// session recorded without one.
func (s *SessionState) recordEndpoint(serverURL, data, streamID string) (Session, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return Session{}, fmt.Errorf("%w: empty endpoint", ErrSessionDiscoveryFailed)
	}

	endpoint, err := resolveEndpoint(serverURL, data)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrSessionDiscoveryFailed, err)
	}

	sess := Session{ServerURL: serverURL, Mode: ModeStream, Endpoint: endpoint, stream: streamID}
	if m := sessionIDRe.FindStringSubmatch(data); m != nil {
		if id, err := url.QueryUnescape(m[1]); err == nil {
			sess.ID = id
		} else {
			sess.ID = m[1]
		}
	}

	s.mu.Lock()
	if cur, ok := s.sessions[serverURL]; ok && streamID != "" && cur.Mode == ModeStream && cur.stream == streamID && cur.ID != "" {
		s.mu.Unlock()
		return cur, nil
	}
	s.sessions[serverURL] = sess
	s.mu.Unlock()

	if sess.ID == "" {
		return sess, fmt.Errorf("%w: no sessionId in endpoint %q", ErrSessionDiscoveryFailed, data)
	}
	return sess, nil
}

// Forget removes the session for serverURL and reports whether one
// existed.
func (s *SessionState) Forget(serverURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[serverURL]
	delete(s.sessions, serverURL)
	return ok
}

// forgetStream removes the session for serverURL only if streamID
// announced it, so a closing reader cannot wipe a direct-mode session
// or the session of the stream that replaced it.
func (s *SessionState) forgetStream(serverURL, streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[serverURL]; ok && cur.Mode == ModeStream && cur.stream == streamID {
		delete(s.sessions, serverURL)
		return true
	}
	return false
}

// Clear removes every session and returns how many were dropped.
func (s *SessionState) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	s.sessions = make(map[string]Session)
	return n
}

// Len returns the number of tracked sessions.
func (s *SessionState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// resolveEndpoint turns an endpoint path into an absolute URL relative
// to the server URL.
func resolveEndpoint(serverURL, endpoint string) (string, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}
