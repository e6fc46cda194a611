package meshconfig

import (
	"testing"

	"github.com/KD9YQK/ax25meshchat/internal/gapsync"
	"github.com/KD9YQK/ax25meshchat/internal/meshnode"
)

func TestValidateRequiresCallsign(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing mesh.callsign")
	}
}

func TestValidateRejectsBadCallsign(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Callsign = "not an ascii call \xff"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unencodable callsign")
	}
}

func TestValidateRejectsUnknownNodeMode(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Callsign = "KD9YQK-1"
	cfg.Chat.NodeMode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown chat.node_mode")
	}
}

func TestValidateRejectsUnknownPerChannelMode(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Callsign = "KD9YQK-1"
	cfg.Chat.Sync.PerChannel = map[string]SyncChannelPolicy{"#general": {Mode: "urgent"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown per-channel sync mode")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Callsign = "KD9YQK-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNodeModeDefaultsToFull(t *testing.T) {
	cfg := Default()
	if cfg.NodeMode() != meshnode.ModeFull {
		t.Fatalf("NodeMode() = %v, want full", cfg.NodeMode())
	}
	cfg.Chat.NodeMode = "relay"
	if cfg.NodeMode() != meshnode.ModeRelay {
		t.Fatalf("NodeMode() = %v, want relay", cfg.NodeMode())
	}
}

func TestGapSyncPerChannelTranslatesModes(t *testing.T) {
	cfg := Default()
	cfg.Chat.Sync.PerChannel = map[string]SyncChannelPolicy{
		"#general": {Mode: "eager", MaxBurst: 4},
		"#chatter": {Mode: "deferred", MaxBurst: 1},
		"#quiet":   {Mode: "off"},
	}
	out := cfg.GapSyncPerChannel()
	if out["#general"].Mode != gapsync.ModeEager || out["#general"].MaxBurst != 4 {
		t.Fatalf("#general policy = %+v", out["#general"])
	}
	if out["#chatter"].Mode != gapsync.ModeDeferred {
		t.Fatalf("#chatter policy = %+v", out["#chatter"])
	}
	if out["#quiet"].Mode != gapsync.ModeOff {
		t.Fatalf("#quiet policy = %+v", out["#quiet"])
	}
}
