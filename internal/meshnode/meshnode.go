// Package meshnode implements the Mesh Node from spec.md §4.6 — the
// central state machine owning the OGM beacon loop, the dedup- and
// routing-gated receive pipeline, and the application send API.
package meshnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/dedup"
	"github.com/KD9YQK/ax25meshchat/internal/link"
	"github.com/KD9YQK/ax25meshchat/internal/meshmux"
	"github.com/KD9YQK/ax25meshchat/internal/routing"
	"github.com/KD9YQK/ax25meshchat/internal/wire"
)

// Mode gates local behavior only — it never changes on-wire framing or
// forwarding, per spec.md §4.6's node-mode invariant.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeRelay   Mode = "relay"
	ModeMonitor Mode = "monitor"
)

// Config parameterizes a Node. Zero-value durations fall back to sane
// defaults in New.
type Config struct {
	Self callsign.ID
	Mode Mode

	OGMInterval      time.Duration
	OGMJitterFrac    float64 // fraction of OGMInterval, e.g. 0.1 for ±10%
	InitialTTL       uint8
	NeighborTimeout  time.Duration
	DedupCapacity    int
	DedupTTL         time.Duration
	Housekeeping     time.Duration
	ShutdownDrain    time.Duration

	// HopMetric is the fixed cost this node attributes to every link when
	// accepting an OGM. It is a configuration constant, never derived
	// from a Link's observational tx/rx metrics — spec.md §4.2 forbids
	// metrics from influencing routing.
	HopMetric uint8

	// LinkNeighbors maps a link name to the neighbor callsign reachable
	// over it, populated from tcp_mesh.peers[] / the ARDOP endpoint
	// configuration. A link absent from this map falls back to treating
	// the OGM's header origin as the neighbor, which is only correct for
	// genuinely single-hop topologies (fine for tests and a lone RF
	// link, wrong for a shared multi-neighbor medium — operators with
	// more than one neighbor on a link must configure it explicitly).
	LinkNeighbors map[string]callsign.ID
}

func (c *Config) setDefaults() {
	if c.OGMInterval <= 0 {
		c.OGMInterval = 60 * time.Second
	}
	if c.OGMJitterFrac <= 0 {
		c.OGMJitterFrac = 0.1
	}
	if c.InitialTTL == 0 {
		c.InitialTTL = 8
	}
	if c.NeighborTimeout <= 0 {
		c.NeighborTimeout = 5 * c.OGMInterval
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 4096
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.Housekeeping <= 0 {
		c.Housekeeping = 30 * time.Second
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = 2 * time.Second
	}
	if c.HopMetric == 0 {
		c.HopMetric = 1
	}
}

// Metrics are the node's own operational counters, distinct from any
// individual Link's metrics snapshot.
type Metrics struct {
	MalformedFrames    uint64
	UnknownVersion     uint64
	DecompressFailures uint64
	DedupSuppressed    uint64
	OGMsSent           uint64
	OGMsForwarded      uint64
	DataDelivered      uint64
	DataForwarded      uint64
	SelfOriginDropped  uint64
}

// DeliverFunc is invoked for every DATA frame addressed to this node.
// Registered by the Chat Client.
type DeliverFunc func(origin callsign.ID, seqno uint32, payload []byte)

// Node is the mesh transport engine's central worker.
type Node struct {
	cfg     Config
	mux     *meshmux.Multiplexer
	dedup   *dedup.Cache
	routing *routing.Table
	codec   wire.Codec
	logger  *slog.Logger

	seqno atomic.Uint32

	deliverMu sync.RWMutex
	deliverFn DeliverFunc

	onLinkState   func(name string, s link.State)
	lastLinkState map[string]link.State

	// neighborLinks is the reverse of cfg.LinkNeighbors, built once at
	// construction, used to turn a routing-table next-hop neighbor back
	// into the link name to send on.
	neighborLinks map[callsign.ID]string

	metrics struct {
		malformed, unknownVersion, decompressFailures uint64
		dedupSuppressed                                uint64
		ogmsSent, ogmsForwarded                         uint64
		dataDelivered, dataForwarded                    uint64
		selfOriginDropped                               uint64
	}
	metricsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node wired to the given Multiplexer, Dedup Cache,
// Routing Table, and Codec. Callers typically build the dedup/routing
// instances themselves (e.g. to share clocks in tests) rather than letting
// New construct them, so the components match DESIGN.md's ownership split.
func New(cfg Config, mux *meshmux.Multiplexer, dedupCache *dedup.Cache, routingTable *routing.Table, codec wire.Codec, logger *slog.Logger) *Node {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	neighborLinks := make(map[callsign.ID]string, len(cfg.LinkNeighbors))
	for linkName, neighborID := range cfg.LinkNeighbors {
		neighborLinks[neighborID] = linkName
	}

	return &Node{
		cfg:           cfg,
		mux:           mux,
		dedup:         dedupCache,
		routing:       routingTable,
		codec:         codec,
		logger:        logger.With("component", "meshnode", "self", cfg.Self.String()),
		neighborLinks: neighborLinks,
		lastLinkState: make(map[string]link.State),
	}
}

// OnLinkState registers a callback invoked from the housekeeping tick
// whenever a currently-registered Link's observed State differs from the
// last tick's — the Event Bus's on_link_state_change source.
func (n *Node) OnLinkState(fn func(name string, s link.State)) {
	n.onLinkState = fn
}

// sendUnicast sends frame to dest, consulting the Routing Table for a known
// next-hop with a selectable link first, falling back to a full broadcast
// via the multiplexer when no next-hop is known or the selected link
// rejects it — per spec.md §4.5's "queried by the forwarder" rule.
func (n *Node) sendUnicast(ctx context.Context, dest callsign.ID, frame []byte) error {
	if nextHop, ok := n.routing.NextHop(dest); ok {
		if linkName, ok := n.neighborLinks[nextHop]; ok {
			if err := n.mux.SendVia(ctx, linkName, frame); err == nil {
				return nil
			}
		}
	}
	return n.mux.Send(ctx, frame)
}

// OnDeliver registers the callback invoked for DATA frames addressed to
// this node. Only one subscriber is supported (the Chat Client); calling
// it again replaces the previous subscriber.
func (n *Node) OnDeliver(fn DeliverFunc) {
	n.deliverMu.Lock()
	n.deliverFn = fn
	n.deliverMu.Unlock()
}

// Routing exposes the routing table for diagnostics and peripheral status
// reporting; the receive worker remains its sole mutator.
func (n *Node) Routing() *routing.Table { return n.routing }

// Metrics returns a point-in-time snapshot of the node's own counters.
func (n *Node) Metrics() Metrics {
	n.metricsMu.Lock()
	defer n.metricsMu.Unlock()
	return Metrics{
		MalformedFrames:    n.metrics.malformed,
		UnknownVersion:     n.metrics.unknownVersion,
		DecompressFailures: n.metrics.decompressFailures,
		DedupSuppressed:    n.metrics.dedupSuppressed,
		OGMsSent:           n.metrics.ogmsSent,
		OGMsForwarded:      n.metrics.ogmsForwarded,
		DataDelivered:      n.metrics.dataDelivered,
		DataForwarded:      n.metrics.dataForwarded,
		SelfOriginDropped:  n.metrics.selfOriginDropped,
	}
}

// Start launches the OGM beacon worker and the mesh receive worker. It
// must be called at most once.
func (n *Node) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(2)
	go n.ogmLoop()
	go n.receiveLoop()
}

// Stop signals both workers and waits, bounded by cfg.ShutdownDrain, for
// the receive worker to drain its inbound queue. Idempotent.
func (n *Node) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.ShutdownDrain):
		n.logger.Warn("shutdown drain deadline exceeded")
	}
}

// SendApplicationData allocates the next local seqno, constructs a DATA
// frame, inserts the key into dedup to prevent reflection, and broadcasts
// it. It returns the assigned seqno.
func (n *Node) SendApplicationData(ctx context.Context, dest callsign.ID, payload []byte) (uint32, error) {
	seqno := n.seqno.Add(1)
	frame, err := n.codec.EncodeData(n.cfg.Self, seqno, n.cfg.InitialTTL, dest, seqno, payload)
	if err != nil {
		return 0, fmt.Errorf("meshnode: encode data: %w", err)
	}
	n.dedup.SeenOrInsert(dedup.Key{OriginID: n.cfg.Self, Seqno: seqno})
	if err := n.mux.Send(ctx, frame); err != nil {
		return seqno, fmt.Errorf("meshnode: send: %w", err)
	}
	return seqno, nil
}

func (n *Node) ogmLoop() {
	defer n.wg.Done()
	for {
		wait := n.jitteredInterval()
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(wait):
		}
		n.emitOGM()
	}
}

func (n *Node) jitteredInterval() time.Duration {
	base := n.cfg.OGMInterval
	jitter := time.Duration(float64(base) * n.cfg.OGMJitterFrac * (rand.Float64()*2 - 1))
	d := base + jitter
	if d <= 0 {
		d = base
	}
	return d
}

func (n *Node) emitOGM() {
	seqno := n.seqno.Add(1)
	neighbors := n.routing.Neighbors()
	obs := make([]wire.NeighborObservation, 0, len(neighbors))
	for _, nb := range neighbors {
		obs = append(obs, wire.NeighborObservation{NeighborID: nb.NeighborID, Metric: nb.Metric})
	}
	frame, err := n.codec.EncodeOGM(n.cfg.Self, seqno, n.cfg.InitialTTL, wire.OGMBody{
		CumulativeMetric: 0,
		Neighbors:        obs,
	})
	if err != nil {
		n.logger.Error("encode OGM failed", "error", err)
		return
	}
	n.dedup.SeenOrInsert(dedup.Key{OriginID: n.cfg.Self, Seqno: seqno})
	if err := n.mux.Send(n.ctx, frame); err != nil {
		n.logger.Debug("OGM broadcast had no acceptors", "error", err)
		return
	}
	n.bump(&n.metrics.ogmsSent)
}

func (n *Node) receiveLoop() {
	defer n.wg.Done()
	housekeeping := time.NewTicker(n.cfg.Housekeeping)
	defer housekeeping.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-housekeeping.C:
			// Routing is mutated only by this worker; dedup is also
			// written by emitOGM and SendApplicationData, under its own
			// mutex.
			n.dedup.Sweep()
			n.routing.ExpireStale()
			n.checkLinkStates()
		case f, ok := <-n.mux.Inbound():
			if !ok {
				return
			}
			n.handleFrame(f)
		}
	}
}

func (n *Node) handleFrame(f link.Frame) {
	dec, err := n.codec.Decode(f.Bytes)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrUnknownVersion):
			n.bump(&n.metrics.unknownVersion)
		case errors.Is(err, wire.ErrDecompressionFailed):
			n.bump(&n.metrics.decompressFailures)
		default:
			n.bump(&n.metrics.malformed)
		}
		n.logger.Debug("dropping frame", "link", f.LinkName, "error", err)
		return
	}

	if dec.Header.OriginID == n.cfg.Self {
		// Defense in depth: dedup alone would also catch this frame
		// coming back (we insert our own originations before sending),
		// but an explicit check does not depend on the dedup TTL
		// outliving the beacon interval.
		n.bump(&n.metrics.selfOriginDropped)
		return
	}

	key := dedup.Key{OriginID: dec.Header.OriginID, Seqno: dec.Header.Seqno}
	if n.dedup.SeenOrInsert(key) {
		n.bump(&n.metrics.dedupSuppressed)
		if l, ok := n.mux.LinkByName(f.LinkName); ok {
			l.IncDedupSuppressed()
		}
		return
	}

	switch dec.Header.MessageType {
	case wire.MessageTypeOGM:
		n.handleOGM(f, dec)
	case wire.MessageTypeData:
		n.handleData(f, dec)
	default:
		n.bump(&n.metrics.malformed)
	}
}

func (n *Node) handleOGM(f link.Frame, dec wire.Decoded) {
	neighborID, ok := n.cfg.LinkNeighbors[f.LinkName]
	if !ok {
		neighborID = dec.Header.OriginID
	}
	advertised := uint8(0)
	if dec.OGM != nil {
		advertised = dec.OGM.CumulativeMetric
	}
	combined, _ := n.routing.AcceptOGM(neighborID, f.LinkName, n.cfg.HopMetric, dec.Header.OriginID, advertised)

	if dec.Header.TTL <= 1 {
		return
	}
	body := wire.OGMBody{CumulativeMetric: combined}
	if dec.OGM != nil {
		body.Neighbors = dec.OGM.Neighbors
	}
	out, err := n.codec.EncodeOGM(dec.Header.OriginID, dec.Header.Seqno, dec.Header.TTL-1, body)
	if err != nil {
		n.logger.Error("re-encode OGM for forward failed", "error", err)
		return
	}
	if err := n.mux.Send(n.ctx, out); err != nil {
		n.logger.Debug("OGM forward had no acceptors", "error", err)
		return
	}
	n.bump(&n.metrics.ogmsForwarded)
}

// handleData implements delivery/forward dispatch for DATA frames. A frame
// addressed to this node specifically is delivered and never forwarded
// further — there is no other recipient left to reach. A frame addressed to
// callsign.BroadcastID (channel chat has no single recipient) is delivered
// locally AND still forwarded while TTL permits, since other nodes further
// out in the mesh need it too. Anything else is a pure relay: forward only.
func (n *Node) handleData(f link.Frame, dec wire.Decoded) {
	if dec.Data == nil {
		n.bump(&n.metrics.malformed)
		return
	}
	isSelf := dec.Data.DestinationID == n.cfg.Self
	isBroadcast := dec.Data.DestinationID == callsign.BroadcastID

	if isSelf || isBroadcast {
		n.bump(&n.metrics.dataDelivered)
		n.deliverMu.RLock()
		fn := n.deliverFn
		n.deliverMu.RUnlock()
		if fn != nil {
			fn(dec.Header.OriginID, dec.Header.Seqno, dec.Data.Payload)
		}
	}
	if isSelf {
		return
	}
	if dec.Header.TTL <= 1 {
		return
	}
	out, err := wire.WithDecrementedTTL(f.Bytes)
	if err != nil {
		n.logger.Error("decrement TTL for forward failed", "error", err)
		return
	}

	var sendErr error
	if isBroadcast {
		sendErr = n.mux.Send(n.ctx, out)
	} else {
		sendErr = n.sendUnicast(n.ctx, dec.Data.DestinationID, out)
	}
	if sendErr != nil {
		n.logger.Debug("DATA forward had no acceptors", "error", sendErr)
		return
	}
	n.bump(&n.metrics.dataForwarded)
}

func (n *Node) bump(counter *uint64) {
	n.metricsMu.Lock()
	*counter++
	n.metricsMu.Unlock()
}

// checkLinkStates compares every registered Link's current State against
// what was observed on the previous housekeeping tick, firing onLinkState
// for anything that changed. Only the receive worker calls this, so
// lastLinkState needs no locking of its own.
func (n *Node) checkLinkStates() {
	if n.onLinkState == nil {
		return
	}
	seen := make(map[string]struct{}, len(n.lastLinkState))
	for _, l := range n.mux.Links() {
		name := l.Name()
		seen[name] = struct{}{}
		state := l.State()
		if prev, ok := n.lastLinkState[name]; !ok || prev != state {
			n.lastLinkState[name] = state
			n.onLinkState(name, state)
		}
	}
	for name := range n.lastLinkState {
		if _, ok := seen[name]; !ok {
			delete(n.lastLinkState, name)
		}
	}
}
