package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PendingCall is the single-assignment result slot for one in-flight
// stream-mode request.
type PendingCall struct {
	ID        int64
	ServerURL string
	Method    string
	CreatedAt time.Time
	// Stream identifies the SSE reader expected to deliver the response.
	Stream string

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// Done is closed once the call has a result.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. Only valid after Done is closed.
func (c *PendingCall) Result() (*Response, error) {
	return c.resp, c.err
}

// complete assigns the outcome; later calls are ignored.
func (c *PendingCall) complete(resp *Response, err error) bool {
	assigned := false
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		assigned = true
	})
	return assigned
}

// PendingTable maps request ids to their result slots. Callers register
// and stream readers fulfil concurrently; every operation takes the
// table lock, and slots are completed outside it.
type PendingTable struct {
	mu    sync.Mutex
	calls map[int64]*PendingCall
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[int64]*PendingCall)}
}

// Register inserts a slot for id. A second registration of a pending
// id fails with ErrDuplicateRequestID.
func (t *PendingTable) Register(id int64, serverURL, method string) (*PendingCall, error) {
	return t.RegisterStream(id, serverURL, method, "")
}

// RegisterStream is Register for a call whose response will arrive on
// the stream identified by streamID.
func (t *PendingTable) RegisterStream(id int64, serverURL, method, streamID string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, id)
	}

	c := &PendingCall{
		ID:        id,
		ServerURL: serverURL,
		Method:    method,
		CreatedAt: time.Now(),
		Stream:    streamID,
		done:      make(chan struct{}),
	}
	t.calls[id] = c
	return c, nil
}

// Fulfill removes and completes the slot for id. Unknown ids (late or
// foreign responses) are a no-op and return false.
func (t *PendingTable) Fulfill(id int64, resp *Response) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	return c.complete(resp, nil)
}

// Fail removes and completes the slot for id with err.
func (t *PendingTable) Fail(id int64, err error) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	return c.complete(nil, err)
}

// Remove drops call's slot without completing it, if it is still the
// registered slot for its id.
func (t *PendingTable) Remove(call *PendingCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[call.ID] != call {
		return false
	}
	delete(t.calls, call.ID)
	return true
}

// CancelAll completes every pending slot with err and returns how many
// were cancelled. The table is emptied atomically.
func (t *PendingTable) CancelAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[int64]*PendingCall)
	t.mu.Unlock()

	for _, c := range calls {
		c.complete(nil, err)
	}
	return len(calls)
}

// CancelServer completes every slot issued to serverURL with err.
func (t *PendingTable) CancelServer(serverURL string, err error) int {
	return t.cancelWhere(func(c *PendingCall) bool { return c.ServerURL == serverURL }, err)
}

// CancelStream completes every slot waiting on streamID with err.
func (t *PendingTable) CancelStream(streamID string, err error) int {
	return t.cancelWhere(func(c *PendingCall) bool { return c.Stream == streamID }, err)
}

func (t *PendingTable) cancelWhere(match func(*PendingCall) bool, err error) int {
	t.mu.Lock()
	var victims []*PendingCall
	for id, c := range t.calls {
		if match(c) {
			victims = append(victims, c)
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()

	for _, c := range victims {
		c.complete(nil, err)
	}
	return len(victims)
}

// Await blocks until call completes, timeout elapses (zero means no
// timeout of its own), or ctx is done. On timeout or cancellation the
// slot is removed first, so a response arriving afterwards finds no
// entry and is dropped.
func (t *PendingTable) Await(ctx context.Context, call *PendingCall, timeout time.Duration) (*Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var failure error
	select {
	case <-call.done:
		return call.Result()
	case <-expired:
		failure = fmt.Errorf("%w: %s (id %d) after %s", ErrRequestTimeout, call.Method, call.ID, timeout)
	case <-ctx.Done():
		failure = fmt.Errorf("%s (id %d): %w", call.Method, call.ID, contextError(ctx))
	}

	if t.Remove(call) {
		call.complete(nil, failure)
		return nil, failure
	}

	// Someone took the slot between our wakeup and Remove; their
	// completion is imminent and wins.
	<-call.done
	return call.Result()
}

// IsPending reports whether id has a slot.
func (t *PendingTable) IsPending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}

// Len returns the number of pending slots.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// take removes and returns the slot for id.
func (t *PendingTable) take(id int64) *PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.calls[id]
	delete(t.calls, id)
	return c
}
