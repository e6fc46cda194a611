// Package link implements the Link abstraction from spec.md §4.2: a single
// bidirectional byte stream carrying length-prefixed mesh frames, with a
// reconnect policy and an observational metrics snapshot.
//
// Wire framing on every transport variant is u16_be length || bytes. The
// TCP variant additionally performs a link-local password handshake before
// admitting frames into the Multiplexer; the handshake authenticates the
// peer for connection admission only and provides no confidentiality.
package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MaxFrameLen bounds a single framed message, matching wire.MaxFrameLen.
const MaxFrameLen = 65535

// ErrHandshakeFailed is returned when the peer's shared secret doesn't match.
var ErrHandshakeFailed = errors.New("link: handshake failed")

// ErrClosed is returned by Send once the link has been closed for good.
var ErrClosed = errors.New("link: closed")

// State is a Link's current connection state.
type State int32

const (
	StateDown State = iota
	StateConnecting
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	default:
		return "unknown"
	}
}

// Frame is one inbound framed message tagged with the link it arrived on.
type Frame struct {
	Bytes    []byte
	LinkName string
}

// Metrics is a point-in-time snapshot of a Link's observational counters.
// These numbers are diagnostic only — spec.md §4.2 forbids using them to
// influence routing or forwarding decisions.
type Metrics struct {
	TxFrames        uint64
	TxBytes         uint64
	RxFrames        uint64
	RxBytes         uint64
	DedupSuppressed uint64
	Reconnects      uint64
	LastActivity    time.Time
	ConnectedSince  time.Time
	State           State
	// SessionID identifies the current (or most recent) connection
	// attempt, so a dropped session can be correlated across log lines
	// the way rustyguts-bken's client sessions are.
	SessionID uuid.UUID
}

// Link is the interface the Multiplexer and mesh node operate against.
type Link interface {
	Name() string
	Send(ctx context.Context, frame []byte) error
	Inbound() <-chan Frame
	State() State
	Metrics() Metrics
	// IncDedupSuppressed records that a frame received on this link was a
	// duplicate suppressed by the dedup cache; metrics only, never fed
	// back into routing or forwarding.
	IncDedupSuppressed()
	Close() error
}

type counters struct {
	txFrames        atomic.Uint64
	txBytes         atomic.Uint64
	rxFrames        atomic.Uint64
	rxBytes         atomic.Uint64
	dedupSuppressed atomic.Uint64
	reconnects      atomic.Uint64
}

// options configures backoff, timeouts, and buffering. Populated via Option.
type options struct {
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	handshakeTimeout time.Duration
	inboundBuffer    int
}

func defaultOptions() options {
	return options{
		initialBackoff:   time.Second,
		maxBackoff:       time.Minute,
		handshakeTimeout: 5 * time.Second,
		inboundBuffer:    64,
	}
}

// Option customizes a TCPLink's backoff and timeout behavior.
type Option func(*options)

func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) { o.initialBackoff, o.maxBackoff = initial, max }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

func WithInboundBuffer(n int) Option {
	return func(o *options) { o.inboundBuffer = n }
}

// Dialer opens a fresh transport-level connection. Returning an error
// triggers the backoff-and-retry loop.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPLink is the Link implementation for the optional wired TCP backbone.
// Constructed either as an active dialer (reconnects with backoff forever)
// or as a passive wrapper around an already-accepted connection (no
// redial — the owning listener hands a freshly accepted net.Conn to a new
// TCPLink each time a peer reconnects).
type TCPLink struct {
	name     string
	password string
	opts     options

	dial Dialer // nil for AcceptedTCP

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound chan Frame

	mu             sync.Mutex
	conn           net.Conn
	state          State
	connectedSince time.Time
	lastActivity   time.Time
	sessionID      uuid.UUID
	writeMu        sync.Mutex

	closed atomic.Bool
	counters
}

// DialTCP starts an active outbound link that redials with exponential
// backoff (capped) whenever the connection drops or fails to establish.
func DialTCP(name, password string, dial Dialer, opts ...Option) *TCPLink {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &TCPLink{
		name:     name,
		password: password,
		opts:     o,
		dial:     dial,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan Frame, o.inboundBuffer),
		state:    StateConnecting,
	}
	l.wg.Add(1)
	go l.runDialLoop()
	return l
}

// AcceptedTCP wraps a single already-accepted connection. It performs the
// handshake and serves it once; when the connection drops the link goes
// permanently Down (the listener is expected to Accept a new connection
// and construct a new TCPLink for it).
func AcceptedTCP(name, password string, conn net.Conn, opts ...Option) *TCPLink {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &TCPLink{
		name:     name,
		password: password,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan Frame, o.inboundBuffer),
		state:    StateConnecting,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.serveOnce(conn)
		l.setState(StateDown)
	}()
	return l
}

func (l *TCPLink) Name() string { return l.name }

func (l *TCPLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *TCPLink) setState(s State) {
	l.mu.Lock()
	l.state = s
	if s == StateUp {
		l.connectedSince = time.Now()
	}
	l.mu.Unlock()
}

func (l *TCPLink) Metrics() Metrics {
	l.mu.Lock()
	m := Metrics{
		State:          l.state,
		ConnectedSince: l.connectedSince,
		LastActivity:   l.lastActivity,
		SessionID:      l.sessionID,
	}
	l.mu.Unlock()
	m.TxFrames = l.txFrames.Load()
	m.TxBytes = l.txBytes.Load()
	m.RxFrames = l.rxFrames.Load()
	m.RxBytes = l.rxBytes.Load()
	m.DedupSuppressed = l.dedupSuppressed.Load()
	m.Reconnects = l.reconnects.Load()
	return m
}

func (l *TCPLink) Inbound() <-chan Frame { return l.inbound }

func (l *TCPLink) IncDedupSuppressed() { l.dedupSuppressed.Add(1) }

// Send writes one length-prefixed frame. It serializes with any concurrent
// Send so outbound frames on the same link are written atomically, per
// spec.md §5's "one shared writer path per Link".
func (l *TCPLink) Send(ctx context.Context, frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("link %s: %w", l.name, ErrClosed)
	}
	if len(frame) > MaxFrameLen {
		return fmt.Errorf("link %s: frame of %d bytes exceeds max %d", l.name, len(frame), MaxFrameLen)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if err := writeFrame(conn, frame); err != nil {
		return fmt.Errorf("link %s: write: %w", l.name, err)
	}
	l.txFrames.Add(1)
	l.txBytes.Add(uint64(len(frame)))
	l.touchActivity()
	return nil
}

func (l *TCPLink) touchActivity() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// Close stops any redial loop and closes the current connection.
func (l *TCPLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	l.wg.Wait()
	l.setState(StateDown)
	return nil
}

func (l *TCPLink) runDialLoop() {
	defer l.wg.Done()
	backoff := l.opts.initialBackoff

	for {
		if l.ctx.Err() != nil {
			return
		}
		l.setState(StateConnecting)
		conn, err := l.dial(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if !l.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		backoff = l.opts.initialBackoff
		l.serveOnce(conn)
		if l.ctx.Err() != nil {
			return
		}
		l.reconnects.Add(1)
		if !l.sleepBackoff(&backoff) {
			return
		}
	}
}

func (l *TCPLink) sleepBackoff(cur *time.Duration) bool {
	select {
	case <-l.ctx.Done():
		return false
	case <-time.After(*cur):
	}
	*cur *= 2
	if *cur > l.opts.maxBackoff {
		*cur = l.opts.maxBackoff
	}
	return true
}

// serveOnce performs the handshake and, on success, runs the read loop
// until the connection closes or errors. Always closes conn before
// returning.
func (l *TCPLink) serveOnce(conn net.Conn) {
	defer conn.Close()

	if err := mutualHandshake(conn, l.password, l.opts.handshakeTimeout); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	l.mu.Lock()
	l.conn = conn
	l.sessionID = uuid.New()
	l.mu.Unlock()
	l.setState(StateUp)
	l.touchActivity()

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		frame, err := readFrame(r)
		if err != nil {
			break
		}
		l.rxFrames.Add(1)
		l.rxBytes.Add(uint64(len(frame)))
		l.touchActivity()
		select {
		case l.inbound <- Frame{Bytes: frame, LinkName: l.name}:
		case <-l.ctx.Done():
			l.mu.Lock()
			l.conn = nil
			l.mu.Unlock()
			return
		}
	}

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
}

// mutualHandshake exchanges the shared link-local password in both
// directions and an acknowledgement byte. Either mismatch fails the
// handshake and the connection is not admitted.
func mutualHandshake(conn net.Conn, password string, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	// Writes run beside the reads so that two peers writing first do not
	// block each other on an unbuffered connection such as net.Pipe.
	sent := make(chan error, 1)
	go func() { sent <- writeFrame(conn, []byte(password)) }()
	r := bufio.NewReader(conn)
	peerSecret, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := <-sent; err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ok := string(peerSecret) == password
	ack := byte(0)
	if ok {
		ack = 1
	}
	go func() { _, err := conn.Write([]byte{ack}); sent <- err }()
	peerAck := make([]byte, 1)
	if _, err := io.ReadFull(r, peerAck); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := <-sent; err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !ok || peerAck[0] != 1 {
		return ErrHandshakeFailed
	}
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(payload), MaxFrameLen)
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
