// Package events provides a publish/subscribe bus for MCP connection
// lifecycle events. The client publishes session and stream transitions;
// operators (the watch command, tests) subscribe. Publishing on a nil
// *Bus is a no-op, so components never guard the call.
package events

import (
	"sync"
	"time"
)

// SourceMCP identifies events published by the MCP client.
const SourceMCP = "mcp"

// Kind constants describe the type of event. All events carry the
// affected server under "server".
const (
	// KindStreamOpened signals an SSE stream reached the Active state.
	// Data: server, stream_id, session_id.
	KindStreamOpened = "stream_opened"
	// KindSessionEstablished signals a session id was recorded.
	// Data: server, session_id, mode.
	KindSessionEstablished = "session_established"
	// KindConnectionLost signals an SSE stream ended unexpectedly.
	// Data: server, stream_id, cancelled, error.
	KindConnectionLost = "connection_lost"
	// KindRequestTimeout signals a pending call hit its deadline.
	// Data: server, id, method.
	KindRequestTimeout = "request_timeout"
	// KindLateResponse signals a response arrived for an id that is no
	// longer pending. Data: server, id.
	KindLateResponse = "late_response"
	// KindFrameDropped signals a malformed SSE frame was skipped.
	// Data: server, event, error.
	KindFrameDropped = "frame_dropped"
	// KindServerNotification signals a server-initiated notification.
	// Data: server, method.
	KindServerNotification = "server_notification"
	// KindConnectionsReset signals ResetConnections ran.
	// Data: streams, cancelled.
	KindConnectionsReset = "connections_reset"
)

// Event is a single lifecycle event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking the SSE reader that publishes them.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to the
	// channel stored in subs so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber without blocking. A zero
// Timestamp is filled in with the current time. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an MCP-sourced event.
func (b *Bus) Emit(kind string, data map[string]any) {
	b.Publish(Event{Source: SourceMCP, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recv, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
