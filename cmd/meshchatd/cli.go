package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/KD9YQK/ax25meshchat/internal/chatstore"
	"github.com/KD9YQK/ax25meshchat/internal/configyaml"
)

// RunCLI handles the daemon's administrative subcommands. Returns true if
// args named one of them, false if main should fall through to starting
// the daemon itself.
func RunCLI(args []string) bool {
	switch args[0] {
	case "version":
		fmt.Printf("meshchatd %s\n", Version)
		return true
	case "status":
		cliStatus(args[1:])
		return true
	default:
		return false
	}
}

// cliStatus opens the chat store with chatstore.Open (read-write, applying
// any pending migrations) and prints the callsign, mode, database path,
// channel count and names, and version; row counts are not printed. Quick
// operator tooling, not part of the core mesh behavior.
func cliStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a meshchat.yaml config file")
	dbPath := fs.String("db-path", "", "override chat.db_path")
	fs.Parse(args)

	cfg, err := configyaml.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Chat.DBPath = *dbPath
	}

	store, err := chatstore.Open(cfg.Chat.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	channels, err := store.ListChannels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Callsign: %s\n", cfg.Mesh.Callsign)
	fmt.Printf("Mode: %s\n", cfg.Chat.NodeMode)
	fmt.Printf("Database: %s\n", cfg.Chat.DBPath)
	fmt.Printf("Channels: %d\n", len(channels))
	for _, ch := range channels {
		fmt.Printf("  %s\n", ch)
	}
	fmt.Printf("Version: %s\n", Version)
}
