package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceMCP, Kind: KindConnectionLost})
	b.Emit(KindStreamOpened, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(KindConnectionLost, map[string]any{"server": "http://x/sse"})

	select {
	case got := <-ch:
		if got.Source != SourceMCP || got.Kind != KindConnectionLost {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
		if got.Data["server"] != "http://x/sse" {
			t.Errorf("server = %v", got.Data["server"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 4
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(1)
	}
	defer func() {
		for _, ch := range chans {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(KindSessionEstablished, nil)

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != KindSessionEstablished {
				t.Errorf("subscriber %d got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for range 100 {
			b.Emit(KindFrameDropped, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel not closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Emit(KindLateResponse, nil)
		}()
	}
	wg.Wait()
}
