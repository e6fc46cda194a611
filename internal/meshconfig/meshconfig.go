// Package meshconfig defines the typed configuration record for a
// meshchatd node, covering every option named in spec.md §6.
package meshconfig

import (
	"fmt"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/gapsync"
	"github.com/KD9YQK/ax25meshchat/internal/meshnode"
)

// MeshConfig covers mesh.* options.
type MeshConfig struct {
	Callsign          string `yaml:"callsign"`
	OGMIntervalS      int    `yaml:"ogm_interval_s"`
	InitialTTL        int    `yaml:"initial_ttl"`
	NeighborTimeoutS  int    `yaml:"neighbor_timeout_s"`
	DedupCapacity     int    `yaml:"dedup_capacity"`
	DedupTTLS         int    `yaml:"dedup_ttl_s"`
}

// ARDOPConfig covers ardop.* options — the HF modem transport.
type ARDOPConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	ReconnectBackoffMinMS int    `yaml:"reconnect_backoff_min_ms"`
	ReconnectBackoffMaxMS int    `yaml:"reconnect_backoff_max_ms"`
}

// TCPPeer names one outbound mesh peer to dial and the neighbor callsign
// expected on the far end — needed so meshnode.Config.LinkNeighbors can be
// populated without guessing from relayed OGM headers.
type TCPPeer struct {
	Address  string `yaml:"address"`
	Callsign string `yaml:"callsign"`
}

// TCPMeshConfig covers tcp_mesh.* options — the wired backbone transport.
type TCPMeshConfig struct {
	Listen   string    `yaml:"listen"`
	Peers    []TCPPeer `yaml:"peers"`
	Password string    `yaml:"password"`
}

// SyncChannelPolicy covers one entry of chat.sync.per_channel.
type SyncChannelPolicy struct {
	Mode     string `yaml:"mode"`
	MaxBurst int    `yaml:"max_burst"`
}

// SyncConfig covers chat.sync.* options.
type SyncConfig struct {
	InventoryLastN   int                          `yaml:"inventory_last_n"`
	RequestTimeoutS  int                          `yaml:"request_timeout_s"`
	MaxRetries       int                          `yaml:"max_retries"`
	PerChannel       map[string]SyncChannelPolicy `yaml:"per_channel"`
}

// RetentionConfig covers chat.retention.* options.
type RetentionConfig struct {
	Days    int  `yaml:"days"`
	Enabled bool `yaml:"enabled"`
}

// ChatConfig covers chat.* options.
type ChatConfig struct {
	DBPath    string          `yaml:"db_path"`
	NodeMode  string          `yaml:"node_mode"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
}

// EncryptionConfig gates the optional DATA-body encryption. Off by
// default; spec.md §6 requires enabling it to be an explicit, clearly
// named flag rather than implied by some other setting.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full configuration record a meshchatd process loads.
type Config struct {
	Mesh       MeshConfig       `yaml:"mesh"`
	ARDOP      ARDOPConfig      `yaml:"ardop"`
	TCPMesh    TCPMeshConfig    `yaml:"tcp_mesh"`
	Chat       ChatConfig       `yaml:"chat"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// Default returns a Config with every non-required field at its documented
// default, matching meshnode.Config.setDefaults and gapsync.Config's
// defaults so the two don't drift.
func Default() Config {
	return Config{
		Mesh: MeshConfig{
			OGMIntervalS:     60,
			InitialTTL:       8,
			NeighborTimeoutS: 300,
			DedupCapacity:    4096,
			DedupTTLS:        600,
		},
		ARDOP: ARDOPConfig{
			ReconnectBackoffMinMS: 1000,
			ReconnectBackoffMaxMS: 60000,
		},
		Chat: ChatConfig{
			DBPath:   "meshchat.db",
			NodeMode: "full",
			Sync: SyncConfig{
				InventoryLastN:  20,
				RequestTimeoutS: 30,
				MaxRetries:      5,
			},
			Retention: RetentionConfig{Days: 30, Enabled: true},
		},
	}
}

// Validate reports the first configuration error found. It does not mutate
// the receiver — callers should have already applied Default() and any
// file/flag overrides.
func (c Config) Validate() error {
	if c.Mesh.Callsign == "" {
		return fmt.Errorf("meshconfig: mesh.callsign is required")
	}
	if _, err := callsign.Encode(c.Mesh.Callsign); err != nil {
		return fmt.Errorf("meshconfig: mesh.callsign: %w", err)
	}
	switch c.Chat.NodeMode {
	case "full", "relay", "monitor":
	default:
		return fmt.Errorf("meshconfig: chat.node_mode must be full, relay, or monitor, got %q", c.Chat.NodeMode)
	}
	for name, policy := range c.Chat.Sync.PerChannel {
		switch policy.Mode {
		case "eager", "deferred", "off":
		default:
			return fmt.Errorf("meshconfig: chat.sync.per_channel[%q].mode must be eager, deferred, or off, got %q", name, policy.Mode)
		}
	}
	if c.Chat.DBPath == "" {
		return fmt.Errorf("meshconfig: chat.db_path is required")
	}
	return nil
}

// SelfID encodes mesh.callsign into its wire identifier.
func (c Config) SelfID() (callsign.ID, error) {
	return callsign.Encode(c.Mesh.Callsign)
}

// NodeMode parses chat.node_mode into a meshnode.Mode.
func (c Config) NodeMode() meshnode.Mode {
	switch c.Chat.NodeMode {
	case "relay":
		return meshnode.ModeRelay
	case "monitor":
		return meshnode.ModeMonitor
	default:
		return meshnode.ModeFull
	}
}

// syncChannelMode maps the config's string policy to gapsync's typed one.
func syncChannelMode(s string) gapsync.ChannelMode {
	switch s {
	case "deferred":
		return gapsync.ModeDeferred
	case "off":
		return gapsync.ModeOff
	default:
		return gapsync.ModeEager
	}
}

// GapSyncPerChannel converts chat.sync.per_channel into gapsync's policy
// map.
func (c Config) GapSyncPerChannel() map[string]gapsync.ChannelPolicy {
	out := make(map[string]gapsync.ChannelPolicy, len(c.Chat.Sync.PerChannel))
	for name, p := range c.Chat.Sync.PerChannel {
		out[name] = gapsync.ChannelPolicy{Mode: syncChannelMode(p.Mode), MaxBurst: p.MaxBurst}
	}
	return out
}
