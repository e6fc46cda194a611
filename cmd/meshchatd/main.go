// Command meshchatd runs a mesh chat node: it owns the Mesh Node's OGM
// beacon and receive pipeline, the Chat Client, the Gap Detector & Sync
// Engine, and the peripheral HTTP status/metrics and event-bridge servers,
// wiring them all to the TCP mesh links named in configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/chatclient"
	"github.com/KD9YQK/ax25meshchat/internal/chatstore"
	"github.com/KD9YQK/ax25meshchat/internal/configyaml"
	"github.com/KD9YQK/ax25meshchat/internal/dedup"
	"github.com/KD9YQK/ax25meshchat/internal/eventbridge"
	"github.com/KD9YQK/ax25meshchat/internal/eventbus"
	"github.com/KD9YQK/ax25meshchat/internal/gapsync"
	"github.com/KD9YQK/ax25meshchat/internal/httpapi"
	"github.com/KD9YQK/ax25meshchat/internal/link"
	"github.com/KD9YQK/ax25meshchat/internal/meshconfig"
	"github.com/KD9YQK/ax25meshchat/internal/meshmux"
	"github.com/KD9YQK/ax25meshchat/internal/meshnode"
	"github.com/KD9YQK/ax25meshchat/internal/routing"
	"github.com/KD9YQK/ax25meshchat/internal/wire"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	configPath := flag.String("config", "", "path to a meshchat.yaml config file")
	callsignFlag := flag.String("callsign", "", "override mesh.callsign")
	dbPath := flag.String("db-path", "", "override chat.db_path")
	mode := flag.String("mode", "", "override chat.node_mode (full|relay|monitor)")
	httpAddr := flag.String("http-addr", ":8080", "status/metrics HTTP listen address (empty to disable)")
	verbose := flag.Bool("v", false, "enable info-level logging")
	veryVerbose := flag.Bool("vv", false, "enable debug-level logging")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(*verbose, *veryVerbose)}))
	slog.SetDefault(logger)

	cfg, err := configyaml.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	configyaml.Apply(&cfg, configyaml.Overrides{Callsign: *callsignFlag, DBPath: *dbPath, Mode: *mode})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *httpAddr, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func logLevel(verbose, veryVerbose bool) slog.Level {
	switch {
	case veryVerbose:
		return slog.LevelDebug
	case verbose:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// run wires every component per cfg and blocks until SIGINT/SIGTERM.
func run(cfg meshconfig.Config, httpAddr string, logger *slog.Logger) error {
	self, err := cfg.SelfID()
	if err != nil {
		return fmt.Errorf("self id: %w", err)
	}

	store, err := chatstore.Open(cfg.Chat.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New(logger, 256)
	mux := meshmux.New(logger, 256)
	dedupCache := dedup.New(cfg.Mesh.DedupCapacity, time.Duration(cfg.Mesh.DedupTTLS)*time.Second)
	routingTable := routing.New(time.Duration(cfg.Mesh.NeighborTimeoutS) * time.Second)

	linkNeighbors := dialTCPPeers(cfg, mux, logger)

	node := meshnode.New(meshnode.Config{
		Self:            self,
		Mode:            cfg.NodeMode(),
		OGMInterval:     time.Duration(cfg.Mesh.OGMIntervalS) * time.Second,
		InitialTTL:      uint8(cfg.Mesh.InitialTTL),
		NeighborTimeout: time.Duration(cfg.Mesh.NeighborTimeoutS) * time.Second,
		DedupCapacity:   cfg.Mesh.DedupCapacity,
		DedupTTL:        time.Duration(cfg.Mesh.DedupTTLS) * time.Second,
		LinkNeighbors:   linkNeighbors,
	}, mux, dedupCache, routingTable, wire.Codec{AllowEncryption: cfg.Encryption.Enabled}, logger)

	node.OnLinkState(func(name string, s link.State) {
		bus.Publish(eventbus.Event{
			Kind:            eventbus.KindLinkStateChange,
			LinkStateChange: &eventbus.LinkStateChange{LinkName: name, State: s},
		})
	})

	var storeForMode *chatstore.Store
	if cfg.NodeMode() == meshnode.ModeFull {
		storeForMode = store
	}

	syncEngine := gapsync.New(gapsync.Config{
		MaxRetries:     cfg.Chat.Sync.MaxRetries,
		RequestTimeout: time.Duration(cfg.Chat.Sync.RequestTimeoutS) * time.Second,
		InventoryLastN: cfg.Chat.Sync.InventoryLastN,
		PerChannel:     cfg.GapSyncPerChannel(),
	}, node, storeForMode, bus, logger)

	client := chatclient.New(self, cfg.NodeMode(), node, storeForMode, syncEngine, bus, logger)
	node.OnDeliver(client.OnDeliver)

	hub := eventbridge.NewHub(logger)
	bus.Subscribe(hub)

	stopListener := acceptTCPPeers(ctx, cfg, mux, logger)
	defer stopListener()

	bus.Start(ctx)
	defer bus.Stop(2 * time.Second)
	syncEngine.Start(ctx)
	defer syncEngine.Stop(2 * time.Second)
	node.Start(ctx)
	defer node.Stop()

	go runRetention(ctx, cfg, store, bus, logger)

	if httpAddr != "" {
		httpServer := httpapi.New(cfg.Mesh.Callsign, node, mux, dedupCache, store, logger)
		hub.Register(httpServer.Echo())
		go func() {
			if err := httpServer.Run(ctx, httpAddr); err != nil {
				logger.Error("http api stopped", "error", err)
			}
		}()
	}

	if cfg.ARDOP.Host != "" {
		logger.Warn("ardop transport configured but not wired: no ARDOP/KISS TNC driver is available, frames will only move over tcp_mesh", "host", cfg.ARDOP.Host, "port", cfg.ARDOP.Port)
	}

	logger.Info("meshchatd started", "self", cfg.Mesh.Callsign, "mode", cfg.Chat.NodeMode)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// runRetention sweeps stale rows on a fixed interval when retention is
// enabled, publishing on_prune_executed for anything it removes.
func runRetention(ctx context.Context, cfg meshconfig.Config, store *chatstore.Store, bus *eventbus.Bus, logger *slog.Logger) {
	if !cfg.Chat.Retention.Enabled || cfg.Chat.Retention.Days <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -cfg.Chat.Retention.Days).Unix()
			n, err := store.PruneOlderThan(cutoff)
			if err != nil {
				logger.Error("retention prune", "error", err)
				continue
			}
			if n > 0 {
				bus.Publish(eventbus.Event{Kind: eventbus.KindPruneExecuted, PruneExecuted: &eventbus.PruneExecuted{RowsRemoved: n}})
			}
		}
	}
}

// dialTCPPeers starts an outbound TCPLink for every configured peer and
// returns the link-name-to-neighbor-callsign map meshnode.Config needs to
// resolve a routed next-hop back to the link it should send on.
func dialTCPPeers(cfg meshconfig.Config, mux *meshmux.Multiplexer, logger *slog.Logger) map[string]callsign.ID {
	neighbors := make(map[string]callsign.ID, len(cfg.TCPMesh.Peers))
	for _, peer := range cfg.TCPMesh.Peers {
		peerID, err := callsign.Encode(peer.Callsign)
		if err != nil {
			logger.Error("tcp_mesh peer has invalid callsign, skipping", "address", peer.Address, "callsign", peer.Callsign, "error", err)
			continue
		}
		name := "peer-" + peer.Callsign
		addr := peer.Address
		dialer := func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
		mux.AddLink(link.DialTCP(name, cfg.TCPMesh.Password, dialer))
		neighbors[name] = peerID
	}
	return neighbors
}

// acceptTCPPeers starts a listener (if tcp_mesh.listen is set) and adds a
// freshly accepted TCPLink to mux for every inbound connection. It returns
// a function that closes the listener.
func acceptTCPPeers(ctx context.Context, cfg meshconfig.Config, mux *meshmux.Multiplexer, logger *slog.Logger) func() {
	if cfg.TCPMesh.Listen == "" {
		return func() {}
	}
	ln, err := net.Listen("tcp", cfg.TCPMesh.Listen)
	if err != nil {
		logger.Error("tcp_mesh listen failed", "addr", cfg.TCPMesh.Listen, "error", err)
		return func() {}
	}
	logger.Info("tcp mesh listening", "addr", cfg.TCPMesh.Listen)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		n := 0
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("tcp_mesh accept failed", "error", err)
				continue
			}
			n++
			name := fmt.Sprintf("accepted-%d-%s", n, conn.RemoteAddr())
			mux.AddLink(link.AcceptedTCP(name, cfg.TCPMesh.Password, conn))
			logger.Info("tcp mesh peer accepted", "remote", conn.RemoteAddr(), "link", name)
		}
	}()

	return func() { ln.Close() }
}
