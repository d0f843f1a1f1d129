// Package httpkit builds the HTTP client shared by every outbound MCP
// exchange. One client serves both short JSON-RPC POSTs and long-lived
// SSE GETs, so the client-level timeout defaults to zero for MCP use and
// per-call deadlines come from the request context instead.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/mcpwire/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	headers    http.Header
	transport  http.RoundTripper
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
// Zero disables it, which SSE streams require.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithHeaders adds static headers (Authorization, API keys) to every
// request that does not already set them.
func WithHeaders(h map[string]string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(http.Header, len(h))
		}
		for k, v := range h {
			c.headers.Set(k, v)
		}
	}
}

// WithTransport replaces the base round tripper. Tests use it to
// inject failures.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.transport = rt }
}

// WithRetry retries requests that fail with a transient dial error
// (EHOSTUNREACH, ENETUNREACH, ECONNREFUSED). Those fail before any
// bytes reach the server, so retrying a JSON-RPC POST cannot duplicate
// a call.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with explicit dial and TLS
// timeouts. ResponseHeaderTimeout is left unset: SSE servers may hold
// headers until the first event is ready.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client. Without options it has a 30s
// timeout and the mcpwire User-Agent.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	rt := cfg.transport
	if rt == nil {
		rt = NewTransport()
	}

	hdr := cfg.headers.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	if cfg.userAgent != "" && hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", cfg.userAgent)
	}
	rt = &headerTransport{base: rt, headers: hdr}

	if cfg.retryCount > 0 {
		logger := cfg.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// headerTransport fills in default headers the request has not set.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		if !cloned {
			// RoundTrippers must not mutate the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries transient dial failures. Requests with a body
// are retried only when GetBody can rewind it.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !IsRetryableError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after transient error",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"max_retries", t.count,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}

		resp, err = t.base.RoundTrip(retryReq)
		if err == nil || !IsRetryableError(err) {
			return resp, err
		}
	}

	return resp, err
}

// IsRetryableError reports whether err is a dial-level failure that is
// safe to retry. ECONNRESET is excluded: the server may already have
// processed the request.
func IsRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body for
// inclusion in an error message, then drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
