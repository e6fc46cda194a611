// Package chatclient implements the Chat Client from spec.md §4.8 — the
// bridge between the chat-facing channel/DM model and the Mesh Node's
// origin/seqno/destination transport, and between decoded payloads and the
// Chat Store and event bus.
package chatclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/chatproto"
	"github.com/KD9YQK/ax25meshchat/internal/chatstore"
	"github.com/KD9YQK/ax25meshchat/internal/eventbus"
	"github.com/KD9YQK/ax25meshchat/internal/meshnode"
)

// Sender is the subset of *meshnode.Node the Chat Client needs, narrowed to
// an interface so tests can exercise SendChat without a real mux/link
// stack — the same role client.go's DatagramSender plays for *session.
type Sender interface {
	SendApplicationData(ctx context.Context, dest callsign.ID, payload []byte) (uint32, error)
}

// SyncEngine receives the chat-layer events the Gap Detector and Sync
// Engine need. Declared here, implemented by internal/gapsync, so neither
// package imports the other's concrete type.
type SyncEngine interface {
	ObserveChat(channel string, origin callsign.ID, seqno uint32, createdTS int64)
	HandleSyncRequest(from callsign.ID, p chatproto.Payload)
	ApplySyncResponse(from callsign.ID, p chatproto.Payload)
}

// ErrNotFullMode is returned by SendChat when the node is running in relay
// or monitor mode — those modes never originate chat, per spec.md §4.6.
var ErrNotFullMode = fmt.Errorf("chatclient: node is not in full mode")

// Client wires a Mesh Node's application-data channel to chat semantics:
// channel/DM addressing, local persistence, and event notification.
type Client struct {
	self callsign.ID
	mode meshnode.Mode

	sender Sender
	store  *chatstore.Store // nil in relay/monitor mode
	sync   SyncEngine
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New constructs a Client. store may be nil when mode is not ModeFull;
// SendChat and local persistence are unavailable in that case.
func New(self callsign.ID, mode meshnode.Mode, sender Sender, store *chatstore.Store, sync SyncEngine, bus *eventbus.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		self:   self,
		mode:   mode,
		sender: sender,
		store:  store,
		sync:   sync,
		bus:    bus,
		logger: logger.With("component", "chatclient"),
	}
}

// resolveDestination maps a chat channel key to the DATA frame destination
// id it should carry: "@CALLSIGN" addresses one node directly, anything
// else (a "#channel" or bare name) is treated as broadcast traffic with no
// single recipient.
func resolveDestination(channel string) (callsign.ID, error) {
	if strings.HasPrefix(channel, "@") {
		return callsign.Encode(strings.TrimPrefix(channel, "@"))
	}
	return callsign.BroadcastID, nil
}

// SendChat originates a CHAT payload on channel, hands it to the Mesh Node
// for transmission, stores it locally, and emits on_message_sent. Only
// valid in full mode.
func (c *Client) SendChat(ctx context.Context, channel, nick, text string, createdTS int64) (uint32, error) {
	if c.mode != meshnode.ModeFull {
		return 0, ErrNotFullMode
	}
	dest, err := resolveDestination(channel)
	if err != nil {
		return 0, fmt.Errorf("chatclient: resolve destination: %w", err)
	}

	payload, err := chatproto.Encode(chatproto.Payload{
		Type:      chatproto.TypeChat,
		Channel:   channel,
		Nick:      nick,
		Text:      text,
		CreatedTS: createdTS,
	})
	if err != nil {
		return 0, fmt.Errorf("chatclient: encode: %w", err)
	}

	seqno, err := c.sender.SendApplicationData(ctx, dest, payload)
	if err != nil {
		return seqno, fmt.Errorf("chatclient: send: %w", err)
	}

	if c.store != nil {
		if _, err := c.store.Insert(chatstore.Row{
			OriginID:  c.self,
			Seqno:     seqno,
			Channel:   channel,
			Nick:      nick,
			Text:      text,
			CreatedTS: createdTS,
		}); err != nil {
			c.logger.Error("store local send failed", "error", err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind:        eventbus.KindMessageSent,
			MessageSent: &eventbus.MessageSent{Channel: channel, Seqno: seqno},
		})
	}
	return seqno, nil
}

// OnDeliver is the callback registered with meshnode.Node.OnDeliver. It
// decodes the chat envelope and dispatches by type.
func (c *Client) OnDeliver(origin callsign.ID, seqno uint32, payload []byte) {
	p, err := chatproto.Decode(payload)
	if err != nil {
		c.logger.Debug("dropping undecodable chat payload", "origin", origin.String(), "error", err)
		return
	}
	if p.ProtocolVersion != chatproto.CurrentProtocolVersion {
		c.logger.Debug("dropping chat payload with unsupported protocol version", "version", p.ProtocolVersion)
		return
	}

	switch p.Type {
	case chatproto.TypeChat:
		c.handleChat(origin, seqno, p)
	case chatproto.TypeSyncRequest:
		if c.sync != nil {
			c.sync.HandleSyncRequest(origin, p)
		}
	case chatproto.TypeSyncResponse:
		if c.sync != nil {
			c.sync.ApplySyncResponse(origin, p)
		}
	default:
		c.logger.Debug("dropping chat payload of unknown type", "type", p.Type)
	}
}

// handleChat processes a CHAT payload. In full mode it is stored and fed to
// the gap detector; in relay and monitor modes it is observed for events
// only, never stored or handed to the sync engine, per spec.md §4.6's
// per-mode behavior table.
func (c *Client) handleChat(origin callsign.ID, seqno uint32, p chatproto.Payload) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind: eventbus.KindMessageReceived,
			MessageReceived: &eventbus.MessageReceived{
				Channel:   p.Channel,
				Origin:    origin,
				Seqno:     seqno,
				CreatedTS: p.CreatedTS,
			},
		})
	}

	if c.mode != meshnode.ModeFull || c.store == nil {
		return
	}

	res, err := c.store.Insert(chatstore.Row{
		OriginID:  origin,
		Seqno:     seqno,
		Channel:   p.Channel,
		Nick:      p.Nick,
		Text:      p.Text,
		CreatedTS: p.CreatedTS,
	})
	if err != nil {
		c.logger.Error("store insert failed", "error", err)
		return
	}
	if res == chatstore.Inserted && c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind:          eventbus.KindMessageStored,
			MessageStored: &eventbus.MessageStored{Channel: p.Channel, Origin: origin, Seqno: seqno},
		})
	}

	if c.sync != nil {
		c.sync.ObserveChat(p.Channel, origin, seqno, p.CreatedTS)
	}
}
