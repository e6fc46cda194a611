// Package configyaml is the peripheral YAML configuration loader: it reads
// an optional file, layers it over meshconfig.Default(), and applies any
// CLI flag overrides before the result is validated.
package configyaml

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v2"

	"github.com/KD9YQK/ax25meshchat/internal/meshconfig"
)

// Load reads path (if non-empty) as YAML and merges it over
// meshconfig.Default(), file values taking precedence. An empty path
// returns the defaults unmodified. The result is not validated here —
// callers apply Overrides first, then call Validate themselves.
func Load(path string) (meshconfig.Config, error) {
	cfg := meshconfig.Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("configyaml: read %s: %w", path, err)
	}

	var fromFile meshconfig.Config
	if err := yaml.Unmarshal(b, &fromFile); err != nil {
		return cfg, fmt.Errorf("configyaml: parse %s: %w", path, err)
	}

	if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("configyaml: merge %s: %w", path, err)
	}
	return cfg, nil
}

// Overrides holds the subset of CLI flags that may override file/default
// configuration, per spec.md §6's `--callsign`/`--db-path`/`--mode`.
type Overrides struct {
	Callsign string
	DBPath   string
	Mode     string
}

// Apply writes any non-empty override field into cfg, CLI flags taking the
// final say over both the config file and the compiled-in defaults.
func Apply(cfg *meshconfig.Config, o Overrides) {
	if o.Callsign != "" {
		cfg.Mesh.Callsign = o.Callsign
	}
	if o.DBPath != "" {
		cfg.Chat.DBPath = o.DBPath
	}
	if o.Mode != "" {
		cfg.Chat.NodeMode = o.Mode
	}
}
