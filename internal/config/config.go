// Package config loads all environment-based configuration for pubsync.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for pubsync.
type Config struct {
	// Micropub service coordinates. Both required.
	Endpoint string `env:"MICROPUB_ENDPOINT"`
	Token    string `env:"MICROPUB_TOKEN"`

	// Directory holding the local Markdown workspace. Required.
	WorkspaceDir string `env:"WORKSPACE_DIR"`

	// Media endpoint override. When empty the endpoint is discovered from
	// the service config and cached.
	MediaEndpoint string `env:"MEDIA_ENDPOINT"`

	// Conflict policy for stale-local-edit conflicts: manual, local, or
	// remote. Conflicts are always surfaced; this only picks the working
	// copy.
	ConflictPolicy string `env:"CONFLICT_POLICY" envDefault:"manual"`

	// PublishHTML sends pre-rendered content.html payloads instead of raw
	// Markdown.
	PublishHTML bool `env:"PUBLISH_HTML" envDefault:"false"`

	// Address for the view/health HTTP server in watch mode.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8095"`

	// Watch keeps the process running, re-reconciling on file changes.
	Watch bool `env:"WATCH" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StateDB overrides the sync-state database path. Empty means
	// ~/.pubsync/state.db.
	StateDB string `env:"STATE_DB"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the bearer token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve WorkspaceDir to an absolute path at startup. The workspace
	// jail rejects paths that escape the root by string prefix comparison,
	// which only works reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir to absolute path: %w", err)
	}
	cfg.WorkspaceDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("MICROPUB_ENDPOINT is required")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("MICROPUB_ENDPOINT must be an http(s) URL")
	}

	if c.Token == "" {
		return fmt.Errorf("MICROPUB_TOKEN is required")
	}

	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR is required")
	}

	switch c.ConflictPolicy {
	case "manual", "local", "remote":
	default:
		return fmt.Errorf("CONFLICT_POLICY must be one of manual, local, remote; got %q", c.ConflictPolicy)
	}

	return nil
}

// StateDBPath returns the configured state database path, defaulting to
// ~/.pubsync/state.db.
func (c *Config) StateDBPath() (string, error) {
	if c.StateDB != "" {
		return c.StateDB, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pubsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
