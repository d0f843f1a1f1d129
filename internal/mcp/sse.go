package mcp

import (
	"bufio"
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

	"github.com/nugget/mcpwire/internal/events"
	"github.com/nugget/mcpwire/internal/httpkit"
)

// SSE event names the client acts on.
const (
	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

// maxSSELine bounds a single SSE line. Tool results with embedded
// images arrive as one data line.
const maxSSELine = 4 << 20

// levelTrace matches config.LevelTrace; raw wire frames log here.
const levelTrace = slog.Level(-8)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Name string
	Data string
	ID   string
}

// errFrameTooLarge reports an event dropped because one of its lines
// exceeded maxSSELine. The scanner stays usable.
var errFrameTooLarge = fmt.Errorf("sse line exceeds %d bytes", maxSSELine)

// sseScanner splits an event stream into events. Comment lines are
// skipped, multi-line data is joined with newlines, and a missing blank
// line between events is tolerated when a new event line arrives. An
// event with an oversized line is discarded whole and reported with
// errFrameTooLarge.
type sseScanner struct {
	r       *bufio.Reader
	err     error
	name    string
	id      string
	data    []string
	hasData bool
	discard bool
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete event. It returns io.EOF when the
// stream ends cleanly, dispatching any event still being accumulated
// first.
func (s *sseScanner) Next() (sseEvent, error) {
	for s.err == nil {
		line, err := s.readLine()
		if errors.Is(err, errFrameTooLarge) {
			s.discard = true
			continue
		}
		if err != nil {
			s.err = err
			break
		}

		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			if s.discard {
				s.reset()
				return sseEvent{}, errFrameTooLarge
			}
			if ev, ok := s.dispatch(); ok {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSELine(line)
		switch field {
		case "event":
			if s.discard {
				s.reset()
				s.name = value
				return sseEvent{}, errFrameTooLarge
			}
			if s.hasData {
				ev, _ := s.dispatch()
				s.name = value
				return ev, nil
			}
			s.name = value
		case "data":
			s.data = append(s.data, value)
			s.hasData = true
		case "id":
			s.id = value
		}
	}

	if s.discard {
		s.reset()
		return sseEvent{}, errFrameTooLarge
	}
	if ev, ok := s.dispatch(); ok {
		return ev, nil
	}
	return sseEvent{}, s.err
}

// readLine returns the next line without its terminator. A line longer
// than maxSSELine is consumed in full and reported as errFrameTooLarge.
func (s *sseScanner) readLine() (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := s.r.ReadLine()
		if err != nil {
			return "", err
		}
		if !tooLong {
			if len(line)+len(chunk) > maxSSELine {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return "", errFrameTooLarge
	}
	return string(line), nil
}

func (s *sseScanner) dispatch() (sseEvent, bool) {
	defer s.reset()
	if !s.hasData {
		return sseEvent{}, false
	}
	name := s.name
	if name == "" {
		name = eventMessage
	}
	return sseEvent{Name: name, Data: strings.Join(s.data, "\n"), ID: s.id}, true
}

// reset clears the event being accumulated. The last event id is kept.
func (s *sseScanner) reset() {
	s.name, s.data, s.hasData, s.discard = "", s.data[:0], false, false
}

// splitSSELine splits "field: value", dropping one space after the
// colon. A line without a colon is a field with an empty value.
func splitSSELine(line string) (field, value string) {
	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// sseField returns the value of line if it names field.
func sseField(line, field string) (string, bool) {
	f, v := splitSSELine(strings.TrimSpace(line))
	if f != field {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// StreamState is the lifecycle state of an SSE stream reader.
type StreamState int32

const (
	// StreamConnecting means the GET has not returned headers yet.
	StreamConnecting StreamState = iota
	// StreamEstablishing means the stream is open and the client is
	// waiting for the endpoint event.
	StreamEstablishing
	// StreamActive means responses are being routed to pending calls.
	StreamActive
	// StreamClosed is terminal. All calls waiting on the stream have
	// been completed.
	StreamClosed
)

// String implements fmt.Stringer.
func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamEstablishing:
		return "establishing"
	case StreamActive:
		return "active"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// streamConfig is what a reader needs from its client.
type streamConfig struct {
	serverURL       string
	httpClient      *http.Client
	sessions        *SessionState
	pending         *PendingTable
	bus             *events.Bus
	logger          *slog.Logger
	endpointTimeout time.Duration

	// onClosed runs once after the reader reaches StreamClosed. lost is
	// true when an Active stream ended without Close being called.
	onClosed func(r *streamReader, lost bool)
}

// streamReader owns one long-lived SSE GET. It records the session
// from the endpoint event, then routes every message event to the
// pending call with the matching id.
type streamReader struct {
	streamConfig
	id string

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	done       chan struct{}
	closing    atomic.Bool
	terminated atomic.Bool

	mu   sync.Mutex
	body io.ReadCloser
}

func newStreamReader(cfg streamConfig) *streamReader {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.onClosed == nil {
		cfg.onClosed = func(*streamReader, bool) {}
	}
	id := uuid.NewString()
	cfg.logger = cfg.logger.With("stream_id", id)

	// The stream outlives the call that opened it, so its context is
	// rooted in Background and cancelled by Close.
	ctx, cancel := context.WithCancel(context.Background())
	return &streamReader{
		streamConfig: cfg,
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *streamReader) State() StreamState {
	return StreamState(r.state.Load())
}

// alive reports whether the reader can still deliver responses.
func (r *streamReader) alive() bool {
	return !r.terminated.Load()
}

// open performs the GET and waits until the stream is Active. ctx
// bounds only the establishment phase. A nil error means a session
// was discovered; ErrSessionDiscoveryFailed with the reader still
// Active means the stream is usable without one.
func (r *streamReader) open(ctx context.Context) (Session, error) {
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.serverURL, nil)
	if err != nil {
		r.finish(err)
		return Session{}, fmt.Errorf("%w: open stream: %w", ErrConnectionFailed, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	r.logger.Debug("opening event stream", "server", r.serverURL)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.finish(err)
		if r.closing.Load() {
			return Session{}, fmt.Errorf("open stream %s: %w: stream closed", r.serverURL, ErrCancelled)
		}
		return Session{}, transportError(ctx, "open stream "+r.serverURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &HTTPStatusError{
			Method:     http.MethodGet,
			URL:        r.serverURL,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
		r.finish(statusErr)
		return Session{}, statusErr
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		r.logger.Warn("event stream has unexpected content type",
			"server", r.serverURL,
			"content_type", ct,
		)
	}

	r.mu.Lock()
	r.body = resp.Body
	r.mu.Unlock()
	if r.closing.Load() {
		r.closeBody()
	}

	r.state.Store(int32(StreamEstablishing))
	go r.run(resp.Body)

	timer := time.NewTimer(r.endpointTimeout)
	defer timer.Stop()

	select {
	case <-r.ready:
	case <-timer.C:
		r.activate(fmt.Errorf("%w: no endpoint event within %s", ErrSessionDiscoveryFailed, r.endpointTimeout))
	case <-ctx.Done():
		r.Close()
		return Session{}, fmt.Errorf("open stream %s: %w", r.serverURL, contextError(ctx))
	}
	<-r.ready

	if r.State() == StreamClosed {
		return Session{}, r.readyErr
	}

	sess, _ := r.sessions.Get(r.serverURL)
	if sess.stream != r.id {
		sess = Session{ServerURL: r.serverURL, Mode: ModeStream}
	}
	r.logger.Info("event stream active",
		"server", r.serverURL,
		"session_id", sess.ID,
		"endpoint", sess.Endpoint,
	)
	r.bus.Emit(events.KindStreamOpened, map[string]any{
		"server":     r.serverURL,
		"stream_id":  r.id,
		"session_id": sess.ID,
	})
	return sess, r.readyErr
}

// activate moves Establishing to Active and releases open. err is the
// session discovery outcome.
func (r *streamReader) activate(err error) {
	r.state.CompareAndSwap(int32(StreamEstablishing), int32(StreamActive))
	r.readyOnce.Do(func() {
		r.readyErr = err
		close(r.ready)
	})
}

func (r *streamReader) run(body io.Reader) {
	sc := newSSEScanner(body)
	first := true
	var err error
	for {
		var ev sseEvent
		ev, err = sc.Next()
		if errors.Is(err, errFrameTooLarge) {
			r.logger.Warn("dropping oversized sse frame",
				"server", r.serverURL,
				"limit_bytes", maxSSELine,
			)
			r.bus.Emit(events.KindFrameDropped, map[string]any{
				"server": r.serverURL,
				"error":  err.Error(),
			})
			continue
		}
		if err != nil {
			break
		}
		r.logger.Log(r.ctx, levelTrace, "sse frame",
			"server", r.serverURL,
			"event", ev.Name,
			"data", ev.Data,
		)

		if first {
			first = false
			if r.establish(ev) {
				continue
			}
		}
		r.dispatch(ev)
	}
	r.finish(err)
}

// establish handles the first event on the stream. It reports whether
// the event was consumed.
func (r *streamReader) establish(ev sseEvent) bool {
	if ev.Name != eventEndpoint {
		r.activate(fmt.Errorf("%w: first event was %q, not %q", ErrSessionDiscoveryFailed, ev.Name, eventEndpoint))
		return false
	}

	sess, err := r.sessions.recordEndpoint(r.serverURL, ev.Data, r.id)
	if sess.ID != "" {
		r.bus.Emit(events.KindSessionEstablished, map[string]any{
			"server":     r.serverURL,
			"session_id": sess.ID,
			"mode":       ModeStream.String(),
		})
	}
	if r.State() == StreamActive {
		r.logger.Info("endpoint event arrived after establishment timeout",
			"server", r.serverURL,
			"session_id", sess.ID,
		)
	}
	r.activate(err)
	return true
}

func (r *streamReader) dispatch(ev sseEvent) {
	switch ev.Name {
	case eventMessage:
		r.route([]byte(ev.Data))
	case eventEndpoint:
		prev, _ := r.sessions.Get(r.serverURL)
		sess, err := r.sessions.recordEndpoint(r.serverURL, ev.Data, r.id)
		if prev.ID == "" && sess.ID != "" {
			r.bus.Emit(events.KindSessionEstablished, map[string]any{
				"server":     r.serverURL,
				"session_id": sess.ID,
				"mode":       ModeStream.String(),
			})
		}
		r.logger.Debug("endpoint re-announced",
			"server", r.serverURL,
			"session_id", sess.ID,
			"announced", ev.Data,
			"error", err,
		)
	default:
		r.logger.Debug("ignoring sse event", "server", r.serverURL, "event", ev.Name)
	}
}

// route delivers one message frame. Frames that cannot be delivered
// are logged and dropped; the stream keeps going.
func (r *streamReader) route(data []byte) {
	resp, err := DecodeResponse(data)
	if err != nil {
		r.logger.Warn("dropping malformed sse frame",
			"server", r.serverURL,
			"error", err,
		)
		r.bus.Emit(events.KindFrameDropped, map[string]any{
			"server": r.serverURL,
			"event":  eventMessage,
			"error":  err.Error(),
		})
		return
	}

	switch {
	case resp.IsNotification():
		r.logger.Debug("server notification", "server", r.serverURL, "method", resp.Method)
		r.bus.Emit(events.KindServerNotification, map[string]any{
			"server": r.serverURL,
			"method": resp.Method,
		})
	case !resp.HasID:
		r.logger.Warn("dropping sse frame without id", "server", r.serverURL)
		r.bus.Emit(events.KindFrameDropped, map[string]any{
			"server": r.serverURL,
			"event":  eventMessage,
			"error":  "missing id",
		})
	case resp.Method != "":
		r.logger.Debug("ignoring server request",
			"server", r.serverURL,
			"method", resp.Method,
			"id", resp.ID,
		)
	case !r.pending.Fulfill(resp.ID, resp):
		r.logger.Debug("dropping response with no pending request",
			"server", r.serverURL,
			"id", resp.ID,
		)
		r.bus.Emit(events.KindLateResponse, map[string]any{
			"server": r.serverURL,
			"id":     resp.ID,
		})
	}
}

// finish tears the reader down exactly once. Every call waiting on
// the stream is completed before the state becomes Closed.
func (r *streamReader) finish(cause error) {
	if !r.terminated.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.closeBody()

	lost := !r.closing.Load()
	var failure error
	if lost {
		reason := "stream ended"
		if cause != nil && !errors.Is(cause, io.EOF) {
			reason = cause.Error()
		}
		failure = fmt.Errorf("%w: %s: %s", ErrConnectionLost, r.serverURL, reason)
	} else {
		failure = fmt.Errorf("%w: stream to %s closed", ErrCancelled, r.serverURL)
	}

	cancelled := r.pending.CancelStream(r.id, failure)
	r.sessions.forgetStream(r.serverURL, r.id)
	r.readyOnce.Do(func() {
		r.readyErr = failure
		close(r.ready)
	})
	wasActive := r.State() == StreamActive
	r.state.Store(int32(StreamClosed))

	if lost && wasActive {
		r.logger.Warn("event stream lost",
			"server", r.serverURL,
			"cancelled", cancelled,
			"error", cause,
		)
		r.bus.Emit(events.KindConnectionLost, map[string]any{
			"server":    r.serverURL,
			"stream_id": r.id,
			"cancelled": cancelled,
			"error":     failure.Error(),
		})
	} else {
		r.logger.Debug("event stream closed", "server", r.serverURL, "cancelled", cancelled)
	}

	close(r.done)
	r.onClosed(r, lost && wasActive)
}

func (r *streamReader) closeBody() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body != nil {
		r.body.Close()
	}
}

// Close ends the stream. Calls still waiting on it fail with
// ErrCancelled and no connection-lost notification fires. Close is
// idempotent and waits for the reader to finish.
func (r *streamReader) Close() {
	r.closing.Store(true)
	r.cancel()
	r.closeBody()
	select {
	case <-r.done:
	case <-time.After(closeWait):
		if r.State() == StreamConnecting {
			// open never ran; nothing else will finish the reader.
			r.finish(context.Canceled)
			return
		}
		r.logger.Warn("event stream reader did not exit", "server", r.serverURL)
	}
}

// closeWait bounds how long Close waits for the reader goroutine.
const closeWait = 5 * time.Second
