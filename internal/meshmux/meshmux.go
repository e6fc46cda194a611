// Package meshmux implements the Multiplexer from spec.md §4.3: it owns an
// ordered set of Links, fans outbound frames to all of them in parallel,
// and merges every link's inbound stream into one channel tagged with the
// originating link name. The Mesh Node sends and receives only through the
// Multiplexer; it reaches individual Links only through Links and
// LinkByName, for state polling and dedup-suppression counts.
package meshmux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KD9YQK/ax25meshchat/internal/link"
)

// Multiplexer fans outbound frames to every connected Link and merges
// every Link's inbound stream into a single tagged queue.
type Multiplexer struct {
	logger *slog.Logger

	mu    sync.RWMutex
	links map[string]*managedLink

	merged chan link.Frame
}

type managedLink struct {
	l      link.Link
	cancel context.CancelFunc
}

// New returns an empty Multiplexer. inboundBuffer bounds the merged queue;
// a full queue causes AddLink's pump to block, applying backpressure to
// the slowest Link's reader rather than silently dropping frames.
func New(logger *slog.Logger, inboundBuffer int) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if inboundBuffer <= 0 {
		inboundBuffer = 256
	}
	return &Multiplexer{
		logger: logger,
		links:  make(map[string]*managedLink),
		merged: make(chan link.Frame, inboundBuffer),
	}
}

// AddLink registers l and starts forwarding its inbound frames into the
// merged queue. Adding a link with a name already in use replaces the
// prior registry entry; the prior entry's pump is not stopped and keeps
// forwarding whatever the prior Link still delivers, and the prior Link
// itself is left running (callers that want it closed must Close it
// themselves).
func (m *Multiplexer) AddLink(l link.Link) {
	ctx, cancel := context.WithCancel(context.Background())
	ml := &managedLink{l: l, cancel: cancel}

	m.mu.Lock()
	m.links[l.Name()] = ml
	m.mu.Unlock()

	go m.pump(ctx, l)
}

func (m *Multiplexer) pump(ctx context.Context, l link.Link) {
	for {
		select {
		case frame, ok := <-l.Inbound():
			if !ok {
				return
			}
			select {
			case m.merged <- frame:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// RemoveLink stops forwarding frames from the named link and forgets it.
// It does not close the underlying Link.
func (m *Multiplexer) RemoveLink(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.links[name]
	if !ok {
		return false
	}
	ml.cancel()
	delete(m.links, name)
	return true
}

// Links returns a snapshot of the currently registered links.
func (m *Multiplexer) Links() []link.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]link.Link, 0, len(m.links))
	for _, ml := range m.links {
		out = append(out, ml.l)
	}
	return out
}

// LinkByName returns the currently registered link with the given name, if
// any — used by the mesh receive worker to attribute a dedup suppression
// back to the link it arrived on.
func (m *Multiplexer) LinkByName(name string) (link.Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ml, ok := m.links[name]
	if !ok {
		return nil, false
	}
	return ml.l, true
}

// Inbound returns the merged, link-tagged inbound stream.
func (m *Multiplexer) Inbound() <-chan link.Frame {
	return m.merged
}

// Send broadcasts frame to every currently connected link in parallel. A
// per-link failure is logged; the call as a whole succeeds if at least one
// link accepted the frame, per spec.md §4.3. If there are zero registered
// links, Send reports an error rather than a silent no-op success.
func (m *Multiplexer) Send(ctx context.Context, frame []byte) error {
	targets := m.Links()
	if len(targets) == 0 {
		return fmt.Errorf("meshmux: no links registered")
	}

	var wg sync.WaitGroup
	results := make([]error, len(targets))
	for i, l := range targets {
		wg.Add(1)
		go func(i int, l link.Link) {
			defer wg.Done()
			results[i] = l.Send(ctx, frame)
		}(i, l)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range results {
		if err != nil {
			m.logger.Warn("link send failed", "link", targets[i].Name(), "error", err)
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return fmt.Errorf("meshmux: frame rejected by all %d link(s)", len(targets))
	}
	return nil
}

// SendVia sends frame over exactly the named link, without fanning out to
// the rest — used when the Routing Table has resolved a known next-hop for
// a unicast frame. Returns an error if the link is unknown or rejects it;
// callers fall back to Send (broadcast) in that case.
func (m *Multiplexer) SendVia(ctx context.Context, linkName string, frame []byte) error {
	l, ok := m.LinkByName(linkName)
	if !ok {
		return fmt.Errorf("meshmux: link %q not registered", linkName)
	}
	return l.Send(ctx, frame)
}

// Close stops every pump and closes every registered link.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	links := make([]*managedLink, 0, len(m.links))
	for _, ml := range m.links {
		links = append(links, ml)
	}
	m.links = make(map[string]*managedLink)
	m.mu.Unlock()

	var firstErr error
	for _, ml := range links {
		ml.cancel()
		if err := ml.l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
