// Package eventbus implements the typed, fire-and-forget event stream from
// spec.md §4.10. Events are handed to a background worker via a bounded
// queue; when full they are dropped rather than blocking the RF path.
// Observer failures are caught and reported but never propagate.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/link"
)

// Kind tags an Event's variant. Replaces the source's dynamically typed
// event dicts with a closed, compile-time-checked enumeration matching the
// public event names in spec.md §6.
type Kind int

const (
	KindMessageSent Kind = iota
	KindMessageReceived
	KindMessageStored
	KindGapDetected
	KindSyncApplied
	KindPruneExecuted
	KindLinkStateChange
)

func (k Kind) String() string {
	switch k {
	case KindMessageSent:
		return "on_message_sent"
	case KindMessageReceived:
		return "on_message_received"
	case KindMessageStored:
		return "on_message_stored"
	case KindGapDetected:
		return "on_gap_detected"
	case KindSyncApplied:
		return "on_sync_applied"
	case KindPruneExecuted:
		return "on_prune_executed"
	case KindLinkStateChange:
		return "on_link_state_change"
	default:
		return "unknown"
	}
}

// MessageSent is emitted by the Chat Client after a local CHAT payload has
// been handed to the Mesh Node for transmission.
type MessageSent struct {
	Channel string
	Seqno   uint32
}

// MessageReceived is emitted for every decoded CHAT payload delivered to
// this node, whether or not the store insert is new.
type MessageReceived struct {
	Channel   string
	Origin    callsign.ID
	Seqno     uint32
	CreatedTS int64
}

// MessageStored is emitted only when a CHAT payload's store insert was
// Inserted, never for a Duplicate.
type MessageStored struct {
	Channel string
	Origin  callsign.ID
	Seqno   uint32
}

// GapDetected is emitted only for confirmed gaps, never suspected ones.
type GapDetected struct {
	Channel string
	Origin  callsign.ID
	Start   uint32
	End     uint32
}

// SyncApplied is emitted after a SYNC_RESPONSE has been processed, with
// AppliedCount counting only rows that were newly stored.
type SyncApplied struct {
	Channel      string
	AppliedCount int
}

// PruneExecuted is emitted after a retention sweep.
type PruneExecuted struct {
	RowsRemoved int64
}

// LinkStateChange is emitted whenever a Link transitions state.
type LinkStateChange struct {
	LinkName string
	State    link.State
}

// Event is the tagged-variant envelope. Exactly one of the typed fields is
// populated, matching Kind.
type Event struct {
	Kind Kind

	MessageSent     *MessageSent
	MessageReceived *MessageReceived
	MessageStored   *MessageStored
	GapDetected     *GapDetected
	SyncApplied     *SyncApplied
	PruneExecuted   *PruneExecuted
	LinkStateChange *LinkStateChange
}

// Observer is any event sink — the recast of the source's runtime-loaded
// plugin modules into a plain interface, registered at startup instead of
// dynamically loaded.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Bus dispatches events to registered observers from a single background
// worker, never blocking the caller.
type Bus struct {
	logger *slog.Logger
	queue  chan Event

	mu        sync.RWMutex
	observers []Observer

	dropped uint64
	dropMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Bus with the given queue depth.
func New(logger *slog.Logger, queueDepth int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{
		logger: logger.With("component", "eventbus"),
		queue:  make(chan Event, queueDepth),
	}
}

// Subscribe registers an observer. It is safe to call at any time: it
// appends under the bus lock, and dispatch works from a copy of the
// observer list. In practice all subscriptions happen during startup wiring.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Publish enqueues an event for dispatch. If the queue is full the event
// is dropped and counted, never blocking the caller — spec.md §4.10 and
// §9 both require this so the RF path is never stalled by a slow
// observer.
func (b *Bus) Publish(e Event) {
	select {
	case b.queue <- e:
	default:
		b.dropMu.Lock()
		b.dropped++
		b.dropMu.Unlock()
		b.logger.Warn("event dropped, queue full", "kind", e.Kind)
	}
}

// Dropped returns the number of events dropped for queue-full so far.
func (b *Bus) Dropped() uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Start launches the dispatch worker.
func (b *Bus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.dispatchLoop()
}

// Stop signals the dispatch worker and waits, bounded by drain, for it to
// finish delivering whatever is already queued.
func (b *Bus) Stop(drain time.Duration) {
	if b.cancel == nil {
		return
	}
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		b.logger.Warn("eventbus drain deadline exceeded")
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			b.drainRemaining()
			return
		case e := <-b.queue:
			b.dispatch(e)
		}
	}
}

func (b *Bus) drainRemaining() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		b.safeNotify(o, e)
	}
}

func (b *Bus) safeNotify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked", "kind", e.Kind, "panic", r)
		}
	}()
	o.OnEvent(e)
}
