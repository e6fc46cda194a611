package link

import (
	"context"
	"sync"
	"time"
)

// PipeLink is an in-process Link with no handshake and no reconnect,
// backed by a pair of channels. It exists for tests of the Multiplexer and
// Mesh Node that need a real Link implementation without a socket — the
// in-memory analogue of runZeroInc-conniver's loopback fixtures.
type PipeLink struct {
	name    string
	peerIn  chan<- Frame // where our Send lands (the peer's inbound)
	inbound chan Frame   // our own inbound, fed by the peer's Send

	// recvName is the peer PipeLink's own name. A Frame we hand to peerIn
	// is tagged with this, not our own name, because LinkName must always
	// identify the local link object the reader pulled the frame off of
	// — matching TCPLink, which tags with l.name (the receiving link),
	// not the remote peer's identity.
	recvName string

	mu             sync.Mutex
	state          State
	connectedSince time.Time
	lastActivity   time.Time
	closed         bool
	counters
}

// NewPipePair returns two PipeLinks wired to each other: sending on one
// delivers to the other's Inbound channel.
func NewPipePair(nameA, nameB string) (*PipeLink, *PipeLink) {
	now := time.Now()
	aToB := make(chan Frame, 64)
	bToA := make(chan Frame, 64)
	a := &PipeLink{name: nameA, peerIn: aToB, inbound: bToA, recvName: nameB, state: StateUp, connectedSince: now}
	b := &PipeLink{name: nameB, peerIn: bToA, inbound: aToB, recvName: nameA, state: StateUp, connectedSince: now}
	return a, b
}

func (p *PipeLink) Name() string { return p.name }

func (p *PipeLink) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.peerIn <- Frame{Bytes: cp, LinkName: p.recvName}:
		p.txFrames.Add(1)
		p.txBytes.Add(uint64(len(frame)))
		p.touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeLink) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *PipeLink) Inbound() <-chan Frame { return p.inbound }

func (p *PipeLink) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PipeLink) Metrics() Metrics {
	p.mu.Lock()
	m := Metrics{State: p.state, ConnectedSince: p.connectedSince, LastActivity: p.lastActivity}
	p.mu.Unlock()
	m.TxFrames = p.txFrames.Load()
	m.TxBytes = p.txBytes.Load()
	m.RxFrames = p.rxFrames.Load()
	m.RxBytes = p.rxBytes.Load()
	m.DedupSuppressed = p.dedupSuppressed.Load()
	return m
}

func (p *PipeLink) IncDedupSuppressed() { p.dedupSuppressed.Add(1) }

// RecordReceive lets a test harness account for a frame it pulled off
// Inbound(), mirroring what TCPLink does internally on every read.
func (p *PipeLink) RecordReceive(n int) {
	p.rxFrames.Add(1)
	p.rxBytes.Add(uint64(n))
	p.touch()
}

func (p *PipeLink) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = StateDown
	p.mu.Unlock()
	return nil
}

var _ Link = (*TCPLink)(nil)
var _ Link = (*PipeLink)(nil)
