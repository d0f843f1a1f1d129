package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the client wraps exactly one
// of these; callers branch with errors.Is.
var (
	// ErrConnectionFailed means the HTTP request or SSE handshake did
	// not succeed.
	ErrConnectionFailed = errors.New("mcp: connection failed")

	// ErrMalformedResponse means a response body could not be parsed.
	// It affects only the call that received it.
	ErrMalformedResponse = errors.New("mcp: malformed response")

	// ErrRequestTimeout means no response arrived before the deadline.
	// The pending slot is gone, so a late response is dropped.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrConnectionLost means the SSE stream ended while the call was
	// waiting for its response.
	ErrConnectionLost = errors.New("mcp: connection lost")

	// ErrCancelled means the caller's context was cancelled or the
	// client was reset.
	ErrCancelled = errors.New("mcp: request cancelled")

	// ErrSessionDiscoveryFailed means a stream opened without a usable
	// endpoint event carrying a sessionId.
	ErrSessionDiscoveryFailed = errors.New("mcp: session discovery failed")

	// ErrDuplicateRequestID means an id was registered twice. The
	// monotonic counter makes this a programming error.
	ErrDuplicateRequestID = errors.New("mcp: duplicate request id")

	// ErrNotInitialized means a stream-routed server was called before
	// Initialize opened its stream, or after the stream closed.
	ErrNotInitialized = errors.New("mcp: stream not open, call Initialize")
)

// HTTPStatusError reports a non-2xx HTTP status. It unwraps to
// ErrConnectionFailed.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrConnectionFailed) match.
func (e *HTTPStatusError) Unwrap() error {
	return ErrConnectionFailed
}

// contextError maps a done context onto the failure taxonomy. The
// cancellation cause decides the kind: deadlines become timeouts,
// everything else a cancellation.
func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, ErrRequestTimeout), errors.Is(cause, ErrCancelled):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrRequestTimeout, cause)
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
}

// transportError classifies err from an HTTP exchange made under ctx.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := contextError(ctx); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailed, err)
}
