// Package gapsync implements the Gap Detector & Sync Engine from spec.md
// §4.9: per-(channel, origin) contiguity tracking, suspected→confirmed gap
// classification, and the requester/responder/applier halves of the
// inventory and range sync protocol.
package gapsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/chatproto"
	"github.com/KD9YQK/ax25meshchat/internal/chatstore"
	"github.com/KD9YQK/ax25meshchat/internal/eventbus"
)

// Sender is the subset of *meshnode.Node the engine needs to send
// SYNC_REQUEST/SYNC_RESPONSE frames.
type Sender interface {
	SendApplicationData(ctx context.Context, dest callsign.ID, payload []byte) (uint32, error)
}

// ChannelMode gates whether and how aggressively a channel repairs gaps.
type ChannelMode string

const (
	ModeEager    ChannelMode = "eager"
	ModeDeferred ChannelMode = "deferred"
	ModeOff      ChannelMode = "off"
)

// ChannelPolicy is the per-channel sync configuration named in spec.md §6's
// chat.sync.per_channel table.
type ChannelPolicy struct {
	Mode     ChannelMode
	MaxBurst int
}

// Config parameterizes an Engine.
type Config struct {
	// ConfirmMargin is how far forward, beyond a suspected gap's far edge,
	// the sender must be observed to have progressed before the gap is
	// confirmed.
	ConfirmMargin uint32
	// ConfirmTimeout confirms a gap on elapsed time alone, even without
	// forward-progress evidence.
	ConfirmTimeout time.Duration

	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	InventoryLastN int

	DefaultPolicy ChannelPolicy
	PerChannel    map[string]ChannelPolicy

	ResponderRateLimit      time.Duration
	MaxRowsPerResponseFrame int

	Tick time.Duration
}

func (c *Config) setDefaults() {
	if c.ConfirmMargin == 0 {
		c.ConfirmMargin = 2
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.InventoryLastN <= 0 {
		c.InventoryLastN = 20
	}
	if c.DefaultPolicy.Mode == "" {
		c.DefaultPolicy = ChannelPolicy{Mode: ModeEager, MaxBurst: 4}
	}
	if c.ResponderRateLimit <= 0 {
		c.ResponderRateLimit = 2 * time.Second
	}
	if c.MaxRowsPerResponseFrame <= 0 {
		// A conservative row-count cap rather than an exact byte budget,
		// the same texture as the teacher's maxNACKSeqs — good enough to
		// stay well under the 65535-byte frame limit for normal chat rows.
		c.MaxRowsPerResponseFrame = 40
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
}

func (c *Config) policyFor(channel string) ChannelPolicy {
	if p, ok := c.PerChannel[channel]; ok {
		return p
	}
	return c.DefaultPolicy
}

type trackerKey struct {
	channel string
	origin  callsign.ID
}

// hole is a suspected or confirmed missing seqno range for one (channel,
// origin) pair.
type hole struct {
	start, end  uint32
	farthest    uint32
	firstSeen   time.Time
	confirmed   bool
	requestID   string
	attempts    int
	nextAttempt time.Time
	gaveUp      bool
}

type gapState struct {
	hasHighest        bool
	highestContiguous uint32
	hole              *hole
}

// Engine is the Gap Detector and Sync Engine. It implements
// chatclient.SyncEngine structurally (ObserveChat, HandleSyncRequest,
// ApplySyncResponse) without importing that package.
type Engine struct {
	cfg    Config
	sender Sender
	store  *chatstore.Store
	bus    *eventbus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	states map[trackerKey]*gapState

	respMu        sync.Mutex
	lastResponded map[callsign.ID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. store and bus may be nil in tests that don't
// exercise persistence or eventing.
func New(cfg Config, sender Sender, store *chatstore.Store, bus *eventbus.Bus, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		sender:        sender,
		store:         store,
		bus:           bus,
		logger:        logger.With("component", "gapsync"),
		states:        make(map[trackerKey]*gapState),
		lastResponded: make(map[callsign.ID]time.Time),
	}
}

// Start primes the tracker from any persisted sync_state rows and launches
// the background retry-scanning worker.
func (e *Engine) Start(ctx context.Context) {
	e.loadPersistedState()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.retryLoop()
}

// loadPersistedState restores each (channel, origin)'s highest-contiguous
// bookmark from the Chat Store so a restart resumes tracking instead of
// re-suspecting every gap from seqno zero.
func (e *Engine) loadPersistedState() {
	if e.store == nil {
		return
	}
	rows, err := e.store.LoadSyncState()
	if err != nil {
		e.logger.Error("load persisted sync state", "error", err)
		return
	}
	e.mu.Lock()
	for _, row := range rows {
		key := trackerKey{row.Channel, row.OriginID}
		e.states[key] = &gapState{hasHighest: true, highestContiguous: row.HighestContiguous}
	}
	e.mu.Unlock()
}

// persistSyncState writes the current highest-contiguous bookmark for one
// (channel, origin) pair, best-effort — a failed write only costs a
// resumed-but-re-suspected gap on the next restart, never correctness.
func (e *Engine) persistSyncState(channel string, origin callsign.ID, highest uint32) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSyncState(channel, origin, highest); err != nil {
		e.logger.Error("persist sync state", "channel", channel, "error", err)
	}
}

// Stop signals the retry worker and waits, bounded by drain.
func (e *Engine) Stop(drain time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		e.logger.Warn("gapsync drain deadline exceeded")
	}
}

func (e *Engine) sendCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// ObserveChat feeds one delivered CHAT payload's coordinates into the
// per-(channel, origin) contiguity tracker, per spec.md §4.8's "feed to the
// Gap Detector".
func (e *Engine) ObserveChat(channel string, origin callsign.ID, seqno uint32, createdTS int64) {
	e.mu.Lock()
	key := trackerKey{channel, origin}
	st, ok := e.states[key]
	if !ok {
		st = &gapState{}
		e.states[key] = st
	}

	if !st.hasHighest {
		st.hasHighest = true
		st.highestContiguous = seqno
		e.mu.Unlock()
		e.persistSyncState(channel, origin, seqno)
		return
	}

	if seqno <= st.highestContiguous {
		e.mu.Unlock()
		return
	}

	if seqno == st.highestContiguous+1 {
		st.highestContiguous = seqno
		if st.hole != nil {
			if st.highestContiguous >= st.hole.end {
				st.hole = nil
			} else {
				st.hole.start = st.highestContiguous + 1
			}
		}
		e.mu.Unlock()
		e.persistSyncState(channel, origin, seqno)
		return
	}

	// seqno skipped ahead of the contiguous run: suspected gap evidence.
	now := time.Now()
	if st.hole == nil {
		st.hole = &hole{start: st.highestContiguous + 1, end: seqno - 1, farthest: seqno, firstSeen: now}
	} else if seqno > st.hole.farthest {
		st.hole.farthest = seqno
	}
	h := st.hole
	shouldConfirm := !h.confirmed && (h.farthest-h.end >= e.cfg.ConfirmMargin || now.Sub(h.firstSeen) >= e.cfg.ConfirmTimeout)
	if shouldConfirm {
		h.confirmed = true
	}
	e.mu.Unlock()

	if shouldConfirm {
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{
				Kind:        eventbus.KindGapDetected,
				GapDetected: &eventbus.GapDetected{Channel: channel, Origin: origin, Start: h.start, End: h.end},
			})
		}
		e.tryRequest(key, h)
	}
}

// tryRequest issues a range SYNC_REQUEST for h if channel policy and
// coalescing allow it. Called with e.mu NOT held.
func (e *Engine) tryRequest(key trackerKey, h *hole) {
	e.mu.Lock()
	policy := e.cfg.policyFor(key.channel)
	if policy.Mode == ModeOff || h.gaveUp || h.requestID != "" {
		e.mu.Unlock()
		return
	}
	if e.countOutstanding(key.channel) >= policy.MaxBurst {
		e.mu.Unlock()
		return
	}
	if policy.Mode == ModeDeferred && e.hasHigherPriorityOutstandingLocked() {
		e.mu.Unlock()
		return
	}
	reqID := xid.New().String()
	h.requestID = reqID
	h.attempts++
	start, end := h.start, h.end
	e.mu.Unlock()

	payload, err := chatproto.Encode(chatproto.Payload{
		Type:        chatproto.TypeSyncRequest,
		Mode:        chatproto.SyncModeRange,
		Channel:     key.channel,
		OriginIDHex: key.origin.Hex(),
		Start:       start,
		End:         end,
	})
	if err != nil {
		e.logger.Error("encode sync request failed", "error", err)
		return
	}

	if _, err := e.sender.SendApplicationData(e.sendCtx(), key.origin, payload); err != nil {
		e.logger.Debug("sync request send failed, will retry", "channel", key.channel, "origin", key.origin.String(), "error", err)
		e.mu.Lock()
		h.requestID = ""
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	h.nextAttempt = time.Now().Add(e.backoff(h.attempts))
	e.mu.Unlock()
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return d
}

// countOutstanding returns the number of holes on channel with a request
// currently in flight. Called with e.mu held.
func (e *Engine) countOutstanding(channel string) int {
	n := 0
	for k, st := range e.states {
		if k.channel == channel && st.hole != nil && st.hole.requestID != "" {
			n++
		}
	}
	return n
}

// hasHigherPriorityOutstandingLocked reports whether any eager channel has
// an outstanding sync request, gating deferred/opportunistic channels per
// spec.md §4.9. Called with e.mu held.
func (e *Engine) hasHigherPriorityOutstandingLocked() bool {
	for k, st := range e.states {
		if st.hole == nil || st.hole.requestID == "" {
			continue
		}
		if e.cfg.policyFor(k.channel).Mode == ModeEager {
			return true
		}
	}
	return false
}

func (e *Engine) retryLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.scanRetries()
		}
	}
}

func (e *Engine) scanRetries() {
	now := time.Now()
	type due struct {
		key trackerKey
		h   *hole
	}
	var pending, timedOut []due

	e.mu.Lock()
	for k, st := range e.states {
		h := st.hole
		if h != nil && !h.confirmed && now.Sub(h.firstSeen) >= e.cfg.ConfirmTimeout {
			h.confirmed = true
			timedOut = append(timedOut, due{key: k, h: h})
			continue
		}
		if h == nil || !h.confirmed || h.gaveUp {
			continue
		}
		if now.Before(h.nextAttempt) {
			continue
		}
		if h.attempts >= e.cfg.MaxRetries {
			h.gaveUp = true
			e.logger.Warn("giving up on gap after max retries", "channel", k.channel, "origin", k.origin.String(), "start", h.start, "end", h.end)
			continue
		}
		h.requestID = "" // clear so tryRequest re-issues
		pending = append(pending, due{key: k, h: h})
	}
	e.mu.Unlock()

	for _, d := range timedOut {
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{
				Kind:        eventbus.KindGapDetected,
				GapDetected: &eventbus.GapDetected{Channel: d.key.channel, Origin: d.key.origin, Start: d.h.start, End: d.h.end},
			})
		}
		e.tryRequest(d.key, d.h)
	}
	for _, d := range pending {
		e.tryRequest(d.key, d.h)
	}
}

// RequestInventory issues an inventory-mode SYNC_REQUEST to dest for
// channel, asking for its last-N known rows. Unlike range sync this is not
// gap-triggered — callers invoke it explicitly (e.g. on startup, or a
// periodic reconciliation sweep) to discover what a peer has.
func (e *Engine) RequestInventory(ctx context.Context, channel string, dest callsign.ID, lastN int) error {
	if lastN <= 0 {
		lastN = e.cfg.InventoryLastN
	}
	payload, err := chatproto.Encode(chatproto.Payload{
		Type:    chatproto.TypeSyncRequest,
		Mode:    chatproto.SyncModeInventory,
		Channel: channel,
		LastN:   lastN,
	})
	if err != nil {
		return fmt.Errorf("gapsync: encode inventory request: %w", err)
	}
	if _, err := e.sender.SendApplicationData(ctx, dest, payload); err != nil {
		return fmt.Errorf("gapsync: send inventory request: %w", err)
	}
	return nil
}

// HandleSyncRequest is the responder side: it looks up matching rows and
// sends them back, chunked and rate-limited per requester.
func (e *Engine) HandleSyncRequest(from callsign.ID, p chatproto.Payload) {
	if e.store == nil {
		return
	}

	e.respMu.Lock()
	last, seen := e.lastResponded[from]
	if seen && time.Since(last) < e.cfg.ResponderRateLimit {
		e.respMu.Unlock()
		e.logger.Debug("dropping sync request, responder rate limit", "from", from.String())
		return
	}
	e.lastResponded[from] = time.Now()
	e.respMu.Unlock()

	var rows []chatstore.Row
	var err error
	switch p.Mode {
	case chatproto.SyncModeRange:
		origin, perr := callsign.ParseHex(p.OriginIDHex)
		if perr != nil {
			e.logger.Debug("sync request with bad origin_id_hex", "error", perr)
			return
		}
		rows, err = e.store.GetRange(p.Channel, origin, p.Start, p.End)
	case chatproto.SyncModeInventory:
		rows, err = e.inventoryRows(p.Channel, p.LastN)
	default:
		e.logger.Debug("sync request with unknown mode", "mode", p.Mode)
		return
	}
	if err != nil {
		e.logger.Error("sync responder store read failed", "error", err)
		return
	}

	for start := 0; start < len(rows); start += e.cfg.MaxRowsPerResponseFrame {
		end := start + e.cfg.MaxRowsPerResponseFrame
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		syncRows := make([]chatproto.SyncRow, len(chunk))
		for i, r := range chunk {
			syncRows[i] = chatproto.SyncRow{
				OriginIDHex: r.OriginID.Hex(),
				Seqno:       r.Seqno,
				Channel:     r.Channel,
				Nick:        r.Nick,
				Text:        r.Text,
				CreatedTS:   r.CreatedTS,
			}
		}
		payload, err := chatproto.Encode(chatproto.Payload{Type: chatproto.TypeSyncResponse, Channel: p.Channel, Rows: syncRows})
		if err != nil {
			e.logger.Error("encode sync response failed", "error", err)
			return
		}
		if _, err := e.sender.SendApplicationData(e.sendCtx(), from, payload); err != nil {
			e.logger.Debug("sync response send failed", "to", from.String(), "error", err)
			return
		}
	}
}

func (e *Engine) inventoryRows(channel string, lastN int) ([]chatstore.Row, error) {
	if lastN <= 0 {
		lastN = e.cfg.InventoryLastN
	}
	exp, err := e.store.Export(channel)
	if err != nil {
		return nil, err
	}
	defer exp.Close()

	var all []chatstore.Row
	for exp.Next() {
		all = append(all, exp.Row())
	}
	if err := exp.Err(); err != nil {
		return nil, err
	}
	if len(all) > lastN {
		all = all[len(all)-lastN:]
	}
	return all, nil
}

// ApplySyncResponse is the applier side: every row is inserted via the same
// idempotent path live messages use, dedup honored by the store's
// (origin_id, seqno) primary key. Matching outstanding holes are cleared.
func (e *Engine) ApplySyncResponse(from callsign.ID, p chatproto.Payload) {
	applied := 0
	touched := make(map[trackerKey]uint32)

	for _, sr := range p.Rows {
		origin, err := callsign.ParseHex(sr.OriginIDHex)
		if err != nil {
			e.logger.Debug("sync response row with bad origin_id_hex", "error", err)
			continue
		}
		if e.store != nil {
			res, err := e.store.Insert(chatstore.Row{
				OriginID:  origin,
				Seqno:     sr.Seqno,
				Channel:   sr.Channel,
				Nick:      sr.Nick,
				Text:      sr.Text,
				CreatedTS: sr.CreatedTS,
			})
			if err != nil {
				e.logger.Error("sync response store insert failed", "error", err)
				continue
			}
			if res == chatstore.Inserted {
				applied++
			}
		}
		key := trackerKey{sr.Channel, origin}
		if cur, ok := touched[key]; !ok || sr.Seqno > cur {
			touched[key] = sr.Seqno
		}
	}

	e.mu.Lock()
	advanced := make(map[trackerKey]uint32)
	for key, maxSeqno := range touched {
		st, ok := e.states[key]
		if !ok || st.hole == nil {
			continue
		}
		if maxSeqno >= st.hole.end {
			if maxSeqno > st.highestContiguous {
				st.highestContiguous = maxSeqno
				st.hasHighest = true
				advanced[key] = maxSeqno
			}
			st.hole = nil
		}
	}
	e.mu.Unlock()

	for key, highest := range advanced {
		e.persistSyncState(key.channel, key.origin, highest)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Kind:        eventbus.KindSyncApplied,
			SyncApplied: &eventbus.SyncApplied{Channel: p.Channel, AppliedCount: applied},
		})
	}
}
