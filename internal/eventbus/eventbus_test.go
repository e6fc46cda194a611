package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type collectingObserver struct {
	mu   sync.Mutex
	kind []Kind
}

func (c *collectingObserver) OnEvent(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = append(c.kind, e.Kind)
}

func (c *collectingObserver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kind)
}

func TestPublishDispatchesToAllObservers(t *testing.T) {
	b := New(nil, 16)
	var a, c collectingObserver
	b.Subscribe(&a)
	b.Subscribe(&c)
	b.Start(context.Background())
	defer b.Stop(time.Second)

	b.Publish(Event{Kind: KindMessageSent, MessageSent: &MessageSent{Channel: "#general", Seqno: 1}})

	deadline := time.Now().Add(time.Second)
	for (a.count() == 0 || c.count() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("observer counts = %d, %d; want 1, 1", a.count(), c.count())
	}
}

func TestPublishDropsOnFullQueueWithoutBlocking(t *testing.T) {
	b := New(nil, 1)
	// No Start() call: nothing drains the queue, so the second Publish
	// must drop rather than block this goroutine forever.
	b.Publish(Event{Kind: KindMessageSent})
	b.Publish(Event{Kind: KindMessageSent})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

type panickyObserver struct{}

func (panickyObserver) OnEvent(Event) { panic("boom") }

func TestObserverPanicIsIsolated(t *testing.T) {
	b := New(nil, 16)
	var after collectingObserver
	b.Subscribe(panickyObserver{})
	b.Subscribe(&after)
	b.Start(context.Background())
	defer b.Stop(time.Second)

	b.Publish(Event{Kind: KindLinkStateChange})

	deadline := time.Now().Add(time.Second)
	for after.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if after.count() != 1 {
		t.Fatal("a panicking observer must not prevent delivery to the next observer")
	}
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	b := New(nil, 16)
	var o collectingObserver
	b.Subscribe(&o)
	b.Start(context.Background())

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindMessageReceived})
	}
	b.Stop(time.Second)

	if o.count() != 5 {
		t.Fatalf("observer count after Stop = %d, want 5 (drained)", o.count())
	}
}
