// Package chatproto defines the chat payload envelope carried inside a
// mesh DATA frame's payload, and its JSON encoding.
package chatproto

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in, faster replacement for encoding/json, used the same
// way rockstar-0000-aistore uses it for its own control-plane records.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CurrentProtocolVersion is the chat envelope version this build emits.
const CurrentProtocolVersion = 1

// Message type tags.
const (
	TypeChat         = "CHAT"
	TypeSyncRequest  = "SYNC_REQUEST"
	TypeSyncResponse = "SYNC_RESPONSE"
)

// Sync modes carried in a SYNC_REQUEST's Mode field.
const (
	SyncModeInventory = "inventory"
	SyncModeRange     = "range"
)

// Payload is the versioned structured record carried inside a DATA frame.
// Only the fields relevant to a given Type are populated; the others are
// left at their zero value and omitted from the wire encoding.
type Payload struct {
	ProtocolVersion int    `json:"protocol_version"`
	Type            string `json:"type"`

	// CHAT fields.
	Channel string `json:"channel,omitempty"`
	Nick    string `json:"nick,omitempty"`
	Text    string `json:"text,omitempty"`
	// CreatedTS is a sender-generated UTC unix-second timestamp used only
	// for human display ordering. It is never used for transmission
	// timing or deduplication.
	CreatedTS int64 `json:"created_ts,omitempty"`

	// SYNC_REQUEST fields.
	Mode        string `json:"mode,omitempty"`
	OriginIDHex string `json:"origin_id_hex,omitempty"`
	Start       uint32 `json:"start,omitempty"`
	End         uint32 `json:"end,omitempty"`
	LastN       int    `json:"last_n,omitempty"`

	// SYNC_RESPONSE fields.
	Rows []SyncRow `json:"rows,omitempty"`
}

// SyncRow is one stored chat row as carried in a SYNC_RESPONSE.
type SyncRow struct {
	OriginIDHex string `json:"origin_id_hex"`
	Seqno       uint32 `json:"seqno"`
	Channel     string `json:"channel"`
	Nick        string `json:"nick"`
	Text        string `json:"text"`
	CreatedTS   int64  `json:"created_ts"`
}

// Encode serializes a Payload.
func Encode(p Payload) ([]byte, error) {
	if p.ProtocolVersion == 0 {
		p.ProtocolVersion = CurrentProtocolVersion
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("chatproto: encode: %w", err)
	}
	return b, nil
}

// Decode parses a Payload from a DATA frame's cleartext payload.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("chatproto: decode: %w", err)
	}
	return p, nil
}
