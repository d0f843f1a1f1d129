package mcp

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
)

// MethodInitialize is the JSON-RPC method that opens a session.
const MethodInitialize = "initialize"

// Route is where and how one request is sent.
type Route struct {
	// Target is the URL the POST goes to.
	Target string
	// Mode decides where the response is read from.
	Mode TransportMode
	// SessionID, when set, goes in the session header (direct mode) or
	// is already in Target's query (stream mode).
	SessionID string
}

// Router picks a Route per request from the server URL and the
// current session state. Servers whose URL path ends in one of the
// stream suffixes are stream-mode servers; all others are direct.
type Router struct {
	suffixes       []string
	messagePath    string
	sessions       *SessionState
	requireSession bool
	logger         *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewRouter creates a router. Empty suffixes default to "/sse" and an
// empty messagePath to "messages".
func NewRouter(sessions *SessionState, suffixes []string, messagePath string, requireSession bool, logger *slog.Logger) *Router {
	if len(suffixes) == 0 {
		suffixes = []string{"/sse"}
	}
	if messagePath == "" {
		messagePath = "messages"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		suffixes:       suffixes,
		messagePath:    messagePath,
		sessions:       sessions,
		requireSession: requireSession,
		logger:         logger,
		warned:         make(map[string]bool),
	}
}

// IsStreamServer reports whether serverURL names an SSE stream
// endpoint.
func (r *Router) IsStreamServer(serverURL string) bool {
	u, err := url.Parse(serverURL)
	if err != nil {
		return false
	}
	p := strings.TrimSuffix(u.Path, "/")
	for _, s := range r.suffixes {
		if strings.HasSuffix(p, strings.TrimSuffix(s, "/")) {
			return true
		}
	}
	return false
}

// Route resolves the destination for method on serverURL.
//
// A stream server with a recorded endpoint posts there. A stream
// server without one posts to the sibling message path, which works
// for servers that accept un-sessioned posts. Everything else is a
// direct POST to serverURL with the session header when known.
func (r *Router) Route(serverURL, method string) (Route, error) {
	sess, ok := r.sessions.Get(serverURL)

	if r.IsStreamServer(serverURL) {
		if ok && sess.Endpoint != "" {
			if sess.ID == "" {
				if err := r.checkSession(serverURL, method); err != nil {
					return Route{}, err
				}
			}
			target, err := withSessionQuery(sess.Endpoint, sess.ID)
			if err != nil {
				return Route{}, err
			}
			return Route{Target: target, Mode: ModeStream, SessionID: sess.ID}, nil
		}
		if err := r.checkSession(serverURL, method); err != nil {
			return Route{}, err
		}
		target, err := siblingPath(serverURL, r.messagePath)
		if err != nil {
			return Route{}, err
		}
		return Route{Target: target, Mode: ModeStream}, nil
	}

	rt := Route{Target: serverURL, Mode: ModeDirect}
	if method != MethodInitialize && ok {
		rt.SessionID = sess.ID
	}
	return rt, nil
}

// checkSession applies the missing-session policy for a stream server.
func (r *Router) checkSession(serverURL, method string) error {
	if method == MethodInitialize {
		return nil
	}
	if r.requireSession {
		return fmt.Errorf("%w: no session for %s", ErrSessionDiscoveryFailed, serverURL)
	}

	r.mu.Lock()
	first := !r.warned[serverURL]
	r.warned[serverURL] = true
	r.mu.Unlock()
	if first {
		r.logger.Warn("posting to stream server without a session",
			"server", serverURL,
			"method", method,
		)
	}
	return nil
}

// siblingPath replaces the last path element of serverURL with name,
// so https://h/mcp/sse becomes https://h/mcp/messages.
func siblingPath(serverURL, name string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	u.Path = path.Join(path.Dir(strings.TrimSuffix(u.Path, "/")), name)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

// withSessionQuery sets the sessionId query parameter on endpoint.
func withSessionQuery(endpoint, sessionID string) (string, error) {
	if sessionID == "" {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
