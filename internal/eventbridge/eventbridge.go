// Package eventbridge is the peripheral (non-core) read-only websocket
// fan-out of the typed event stream, for external tooling per spec.md §9's
// "a host may observe it." It subscribes to the Event Bus as an ordinary
// observer and never feeds anything back into the mesh.
package eventbridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/eventbus"
)

// sendTimeout is the write deadline for each message in a subscriber's
// writer goroutine; a write that misses it ends that writer.
const sendTimeout = 2 * time.Second

// wireEvent is the JSON rendering of an eventbus.Event pushed to
// subscribers — a flattened, named-field shape rather than the Go-side
// tagged union, since external tooling has no notion of eventbus.Kind.
type wireEvent struct {
	Kind string `json:"kind"`

	Channel      string `json:"channel,omitempty"`
	Origin       string `json:"origin,omitempty"`
	Seqno        uint32 `json:"seqno,omitempty"`
	CreatedTS    int64  `json:"created_ts,omitempty"`
	Start        uint32 `json:"start,omitempty"`
	End          uint32 `json:"end,omitempty"`
	AppliedCount int    `json:"applied_count,omitempty"`
	RowsRemoved  int64  `json:"rows_removed,omitempty"`
	LinkName     string `json:"link_name,omitempty"`
	LinkState    string `json:"link_state,omitempty"`
}

func toWire(e eventbus.Event) wireEvent {
	w := wireEvent{Kind: e.Kind.String()}
	switch e.Kind {
	case eventbus.KindMessageSent:
		w.Channel, w.Seqno = e.MessageSent.Channel, e.MessageSent.Seqno
	case eventbus.KindMessageReceived:
		w.Channel = e.MessageReceived.Channel
		w.Origin = originHex(e.MessageReceived.Origin)
		w.Seqno = e.MessageReceived.Seqno
		w.CreatedTS = e.MessageReceived.CreatedTS
	case eventbus.KindMessageStored:
		w.Channel = e.MessageStored.Channel
		w.Origin = originHex(e.MessageStored.Origin)
		w.Seqno = e.MessageStored.Seqno
	case eventbus.KindGapDetected:
		w.Channel = e.GapDetected.Channel
		w.Origin = originHex(e.GapDetected.Origin)
		w.Start, w.End = e.GapDetected.Start, e.GapDetected.End
	case eventbus.KindSyncApplied:
		w.Channel, w.AppliedCount = e.SyncApplied.Channel, e.SyncApplied.AppliedCount
	case eventbus.KindPruneExecuted:
		w.RowsRemoved = e.PruneExecuted.RowsRemoved
	case eventbus.KindLinkStateChange:
		w.LinkName = e.LinkStateChange.LinkName
		w.LinkState = e.LinkStateChange.State.String()
	}
	return w
}

func originHex(id callsign.ID) string { return id.Hex() }

// subscriber is one connected websocket client's outbound queue.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out events to any number of connected websocket clients. It
// implements eventbus.Observer so it can be registered with Bus.Subscribe
// directly.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub constructs an empty Hub ready to Register on an Echo router and
// Subscribe to an eventbus.Bus.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "eventbridge"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subs:     make(map[*subscriber]struct{}),
	}
}

// Register binds the websocket route on an Echo router.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/events", h.handleWebSocket)
}

func (h *Hub) handleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", c.RealIP(), "err", err)
		return nil
	}
	h.serve(conn, c.RealIP())
	return nil
}

// serve owns one client's connection until it disconnects. This is a
// push-only observer, never a participant: inbound messages are read and
// discarded, and only a read error ends the session.
func (h *Hub) serve(conn *websocket.Conn, remote string) {
	sub := &subscriber{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("subscriber connected", "remote", remote)

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug("subscriber disconnected", "remote", remote)
	}()

	go func() {
		for msg := range sub.send {
			_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// OnEvent implements eventbus.Observer. It must never block the Bus's
// dispatch worker, so a subscriber whose queue is full is simply skipped
// for this event rather than waited on.
func (h *Hub) OnEvent(e eventbus.Event) {
	body, err := json.Marshal(toWire(e))
	if err != nil {
		h.logger.Error("marshal event", "kind", e.Kind, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.send <- body:
		default:
			h.logger.Debug("subscriber queue full, dropping event", "kind", e.Kind)
		}
	}
}
